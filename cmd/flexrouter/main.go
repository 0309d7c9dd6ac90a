// Command flexrouter is the bubble-flexrouter agent: a LAN-facing forward
// proxy plus a loopback admin control plane, bridged to the controller by
// a supervised reverse SSH tunnel. Wiring grounded on cmd/podd/main.go's
// cobra + dgroup idiom, generalized from podd's single "main" task to two
// concurrently supervised HTTP listeners.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/user"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/getbubblenow/bubble-flexrouter/pkg/adminfront"
	"github.com/getbubblenow/bubble-flexrouter/pkg/dnscache"
	"github.com/getbubblenow/bubble-flexrouter/pkg/flexconfig"
	"github.com/getbubblenow/bubble-flexrouter/pkg/proxyfront"
	"github.com/getbubblenow/bubble-flexrouter/pkg/routehelper"
)

// dnsCacheCapacity is the LRU size dnscache.New enforces a floor of
// 1000 resolutions against regardless; this just documents the agent's
// actual working-set expectation.
const dnsCacheCapacity = 4096

func main() {
	ctx := context.Background()

	var flags flexconfig.Flags
	cmd := &cobra.Command{
		Use:           "bubble-flexrouter",
		Short:         "proxy and reverse-tunnel agent for Bubble nodes",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags)
		},
	}
	flexconfig.BindFlags(cmd.Flags(), &flags)

	if err := cmd.ExecuteContext(ctx); err != nil {
		if exitErr, ok := err.(*flexconfig.ExitError); ok {
			fmt.Fprintf(os.Stderr, "\nERROR: %v\n\n", exitErr)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "\nERROR: %v\n\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags flexconfig.Flags) error {
	env, err := flexconfig.LoadEnv(ctx)
	if err != nil {
		return &flexconfig.ExitError{Code: flexconfig.ExitConfig, Err: err}
	}

	cfg, err := flexconfig.Resolve(ctx, flags, env)
	if err != nil {
		return err
	}

	ctx = flexconfig.SetupLogging(ctx, cfg.LogLevel)
	printIdentity(ctx)

	dns, err := dnscache.New(cfg.DNS1, cfg.DNS2, dnsCacheCapacity)
	if err != nil {
		return &flexconfig.ExitError{Code: flexconfig.ExitConfig, Err: err}
	}

	// The ping protocol's shared secret is the same auth token the
	// controller issued (spec.md §6's "shared auth token"); there is no
	// separate ping-only secret.
	proxy := proxyfront.New(dns, routehelper.System, cfg.AuthToken)
	admin := adminfront.New(adminfront.Config{
		PasswordHash:   cfg.PasswordHash,
		AuthToken:      cfg.AuthToken,
		SSHPrivKeyPath: cfg.SSHPrivPath,
		SSHPubKey:      cfg.SSHPubKey,
		ProxyPort:      cfg.ProxyPort,
		CheckInterval:  cfg.CheckInterval,
	})

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  5 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	grp.Go("proxy", serveHTTP(fmt.Sprintf("127.0.0.1:%d", cfg.ProxyPort), proxy))
	grp.Go("admin", serveHTTP(fmt.Sprintf("127.0.0.1:%d", cfg.AdminPort), admin))

	return grp.Wait()
}

func serveHTTP(addr string, handler http.Handler) func(context.Context) error {
	return func(ctx context.Context) error {
		srv := &http.Server{Addr: addr, Handler: handler}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		dlog.Infof(ctx, "listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// printIdentity logs who and where the agent is running as, the Go
// equivalent of original_source/src/main.rs's whoami-crate banner.
// There is no pack library for host/user identity, so this uses the
// stdlib os/user + os.Hostname rather than the original's whoami crate.
func printIdentity(ctx context.Context) {
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	dlog.Infof(ctx, "bubble-flexrouter starting: user=%s host=%s pid=%d", username, hostname, os.Getpid())
}
