// Package flexconfig resolves everything the agent needs before it can
// listen on a socket: the flag/env-driven settings of spec.md §6, the
// bootstrapped bcrypt password hash, the shared auth token, and the SSH
// key material. Grounded on original_source/src/main.rs's flag list and
// src/pass.rs's init_password, reworked from clap into the teacher's own
// cobra+pflag+go-envconfig idiom (pkg/client/envconfig.go).
package flexconfig

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
)

const (
	minAuthTokenLen = 50
	maxAuthTokenLen = 100
)

// ExitConfig and ExitPassword are the two non-zero exit codes spec.md §6
// assigns to startup failure: general configuration problems get 2,
// password/hash-specific ones get 3.
const (
	ExitConfig   = 2
	ExitPassword = 3
)

// Flags mirrors every CLI flag in spec.md §6, filled in by cobra/pflag
// before Resolve is called. Field names match the flag names with
// dashes removed, same convention cmd/telepresence/main.go's flag vars
// follow.
type Flags struct {
	DNS1           string
	DNS2           string
	ProxyPort      uint16
	AdminPort      uint16
	PasswordFile   string
	PasswordEnvVar string
	AuthTokenFile  string
	SSHPrivKeyFile string
	SSHPubKeyFile  string
	CheckInterval  time.Duration
	LogLevel       string
}

// Env is the FLEXROUTER_* environment-variable overlay, processed with
// go-envconfig the same way the teacher's pkg/client.Env is processed
// with envconfig.Process in LoadEnv. Any field left at its zero value
// defers to the corresponding CLI flag.
type Env struct {
	DNS1           string        `env:"FLEXROUTER_DNS1"`
	DNS2           string        `env:"FLEXROUTER_DNS2"`
	ProxyPort      uint16        `env:"FLEXROUTER_PROXY_PORT"`
	AdminPort      uint16        `env:"FLEXROUTER_ADMIN_PORT"`
	PasswordFile   string        `env:"FLEXROUTER_PASSWORD_FILE"`
	PasswordEnvVar string        `env:"FLEXROUTER_PASSWORD_ENV_VAR"`
	AuthTokenFile  string        `env:"FLEXROUTER_AUTH_TOKEN_FILE"`
	SSHPrivKeyFile string        `env:"FLEXROUTER_SSH_PRIV_KEY_FILE"`
	SSHPubKeyFile  string        `env:"FLEXROUTER_SSH_PUB_KEY_FILE"`
	CheckInterval  time.Duration `env:"FLEXROUTER_CHECK_INTERVAL"`
	LogLevel       string        `env:"FLEXROUTER_LOG_LEVEL"`
}

// LoadEnv processes the FLEXROUTER_* overlay, the same call shape as the
// teacher's client.LoadEnv(ctx).
func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}

// BindFlags registers every spec.md §6 flag onto fs, writing into flags.
// Callers pass cmd.Flags() from a cobra.Command.
func BindFlags(fs *pflag.FlagSet, flags *Flags) {
	fs.StringVar(&flags.DNS1, "dns1", "1.1.1.1", "primary DNS server")
	fs.StringVar(&flags.DNS2, "dns2", "1.0.0.1", "secondary DNS server")
	fs.Uint16Var(&flags.ProxyPort, "proxy-port", 9823, "port to listen for proxy connections")
	fs.Uint16Var(&flags.AdminPort, "admin-port", 9833, "port to listen for admin connections")
	fs.StringVar(&flags.PasswordFile, "password-file", "", "file containing the bcrypt-hashed admin password (required)")
	fs.StringVar(&flags.PasswordEnvVar, "password-env-var", "", "environment variable holding a plaintext admin password; overwrites password-file")
	fs.StringVar(&flags.AuthTokenFile, "auth-token-file", "", "file containing the shared controller auth token (required)")
	fs.StringVar(&flags.SSHPrivKeyFile, "ssh-priv-key-file", "", "path to the ssh private key used for the reverse tunnel (required)")
	fs.StringVar(&flags.SSHPubKeyFile, "ssh-pub-key-file", "", "file containing the corresponding ssh public key (required)")
	fs.DurationVar(&flags.CheckInterval, "check-interval", 10*time.Second, "interval between tunnel liveness checks")
	fs.StringVar(&flags.LogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
}

// merge overlays any non-zero Env field onto flags, env taking priority
// over the CLI default per spec.md §6's "env-vars... for" phrasing.
func merge(flags Flags, env Env) Flags {
	if env.DNS1 != "" {
		flags.DNS1 = env.DNS1
	}
	if env.DNS2 != "" {
		flags.DNS2 = env.DNS2
	}
	if env.ProxyPort != 0 {
		flags.ProxyPort = env.ProxyPort
	}
	if env.AdminPort != 0 {
		flags.AdminPort = env.AdminPort
	}
	if env.PasswordFile != "" {
		flags.PasswordFile = env.PasswordFile
	}
	if env.PasswordEnvVar != "" {
		flags.PasswordEnvVar = env.PasswordEnvVar
	}
	if env.AuthTokenFile != "" {
		flags.AuthTokenFile = env.AuthTokenFile
	}
	if env.SSHPrivKeyFile != "" {
		flags.SSHPrivKeyFile = env.SSHPrivKeyFile
	}
	if env.SSHPubKeyFile != "" {
		flags.SSHPubKeyFile = env.SSHPubKeyFile
	}
	if env.CheckInterval != 0 {
		flags.CheckInterval = env.CheckInterval
	}
	if env.LogLevel != "" {
		flags.LogLevel = env.LogLevel
	}
	return flags
}

// Config is everything the rest of the program needs, fully resolved:
// no more file I/O or env lookups past this point.
type Config struct {
	DNS1      string
	DNS2      string
	ProxyPort uint16
	AdminPort uint16

	PasswordHash  string
	AuthToken     string
	SSHPrivPath   string
	SSHPubKey     string
	CheckInterval time.Duration
	LogLevel      string
}

// ExitError carries the process exit code a startup failure should
// produce, so main can translate it without re-deriving the kind of
// failure from the error text.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func configErr(err error) error { return &ExitError{Code: ExitConfig, Err: err} }
func passwordErr(err error) error { return &ExitError{Code: ExitPassword, Err: err} }

// Resolve merges flags with the env overlay and loads every collaborator
// spec.md §6 requires: the bootstrapped password hash, the auth token
// (length-validated per §7), and the SSH key material. Any failure comes
// back wrapped in an *ExitError carrying the exit code main should use.
func Resolve(ctx context.Context, flags Flags, env Env) (Config, error) {
	f := merge(flags, env)

	if f.PasswordFile == "" {
		return Config{}, configErr(errors.New("flexconfig: --password-file argument is required"))
	}
	passwordHash, err := initPassword(f.PasswordFile, f.PasswordEnvVar)
	if err != nil {
		return Config{}, err
	}

	if f.AuthTokenFile == "" {
		return Config{}, configErr(errors.New("flexconfig: --auth-token-file argument is required"))
	}
	authToken, err := readTrimmed(f.AuthTokenFile)
	if err != nil {
		return Config{}, configErr(errors.Wrap(err, "flexconfig: reading auth token file"))
	}
	if n := len(authToken); n < minAuthTokenLen || n > maxAuthTokenLen {
		return Config{}, configErr(fmt.Errorf(
			"flexconfig: auth token must be between %d and %d characters, got %d",
			minAuthTokenLen, maxAuthTokenLen, n))
	}

	if f.SSHPrivKeyFile == "" {
		return Config{}, configErr(errors.New("flexconfig: --ssh-priv-key-file argument is required"))
	}
	if _, err := os.Stat(f.SSHPrivKeyFile); err != nil {
		return Config{}, configErr(errors.Wrap(err, "flexconfig: ssh private key is not readable"))
	}

	if f.SSHPubKeyFile == "" {
		return Config{}, configErr(errors.New("flexconfig: --ssh-pub-key-file argument is required"))
	}
	sshPubKey, err := readTrimmed(f.SSHPubKeyFile)
	if err != nil {
		return Config{}, configErr(errors.Wrap(err, "flexconfig: reading ssh public key file"))
	}

	return Config{
		DNS1:          f.DNS1,
		DNS2:          f.DNS2,
		ProxyPort:     f.ProxyPort,
		AdminPort:     f.AdminPort,
		PasswordHash:  passwordHash,
		AuthToken:     authToken,
		SSHPrivPath:   f.SSHPrivKeyFile,
		SSHPubKey:     sshPubKey,
		CheckInterval: f.CheckInterval,
		LogLevel:      f.LogLevel,
	}, nil
}

// initPassword bootstraps the password file from passwordEnvVar if one
// is given, then returns the file's (trimmed) contents as the bcrypt
// hash admin requests are checked against. Grounded on pass.rs's
// init_password, with one correction: the original calls File::create
// on the env-var path, which truncates the file without ever writing
// the environment variable's value into it — read back, that produces
// an empty password. Here the value is actually written, which is
// almost certainly what the original intended ("password-env-var...
// overwrites previous value", per main.rs's own --help text).
func initPassword(passwordFile, passwordEnvVar string) (string, error) {
	if passwordEnvVar != "" {
		val, ok := os.LookupEnv(passwordEnvVar)
		if !ok {
			return "", passwordErr(fmt.Errorf(
				"flexconfig: password-env-var was %q but that environment variable is not defined", passwordEnvVar))
		}
		if strings.TrimSpace(val) == "" {
			return "", passwordErr(fmt.Errorf(
				"flexconfig: password-env-var was %q but its value is empty", passwordEnvVar))
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(val), bcrypt.DefaultCost)
		if err != nil {
			return "", passwordErr(errors.Wrap(err, "flexconfig: hashing password"))
		}
		if err := os.WriteFile(passwordFile, hash, 0o600); err != nil {
			return "", passwordErr(errors.Wrapf(err, "flexconfig: writing password file %s", passwordFile))
		}
	}

	hash, err := readTrimmed(passwordFile)
	if err != nil {
		return "", passwordErr(errors.Wrapf(err, "flexconfig: reading password file %s", passwordFile))
	}
	return hash, nil
}

func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
