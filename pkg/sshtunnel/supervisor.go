// Package sshtunnel owns the reverse-tunnel child process: spawning the
// system ssh binary, periodically polling the controller for liveness,
// restarting on repeated failure, and tearing everything down on demand
// with no orphan children and no dangling health-checker. See spec.md §4.4
// for the full contract; this file implements the container and its
// mutex-guarded state transitions, grounded on the original Rust source's
// ssh.rs (SshContainer, spawn_ssh) and on the teacher's pkg/supervisor
// Worker/Process idiom for the checker goroutine's lifecycle.
package sshtunnel

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/getbubblenow/bubble-flexrouter/pkg/bubbleapi"
)

const (
	statusCheckTimeout = 10 * time.Second
	errorThreshold     = 3
)

// Params holds everything a (re)spawn needs to launch the ssh child and
// keep polling for it.
type Params struct {
	AdvertisedIP   string
	RemotePort     uint16
	ProxyPort      uint16
	ControllerHost string
	Session        string
	HostKey        string
	PrivateKeyPath string
}

// container is the single-writer cell behind Supervisor.mu. Its fields are
// either all present (a tunnel is running) or all absent (it isn't); see
// spec.md §9's note against making individual fields independently
// lockable.
type container struct {
	child  *exec.Cmd
	params *Params

	cancelChecker context.CancelFunc
	checkerStart  int64 // microseconds since the Unix epoch, from time.Now().UnixMicro()
}

func (c *container) running() bool { return c.child != nil }

// Supervisor is the reverse-tunnel supervisor of spec.md §4.4. The zero
// value is not usable; construct with NewSupervisor.
type Supervisor struct {
	mu   sync.Mutex
	c    container
	inv  int64 // invalidation timestamp, microseconds

	httpClient    *http.Client
	checkInterval time.Duration
}

// NewSupervisor builds a Supervisor that polls the controller status
// endpoint every checkInterval (spec.md default 10s).
func NewSupervisor(checkInterval time.Duration) *Supervisor {
	return &Supervisor{
		httpClient:    &http.Client{Timeout: statusCheckTimeout},
		checkInterval: checkInterval,
	}
}

// Spawn installs the reverse tunnel described by params. If a tunnel is
// already running, Spawn is a no-op that reports success, matching
// spec.md §4.4 ("if a child already exists, return success without doing
// anything").
func (s *Supervisor) Spawn(ctx context.Context, params Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c.running() {
		return nil
	}
	return s.spawnLocked(ctx, params, true)
}

// NewSSHCommand builds the ssh invocation for params. It is a package
// variable, not a plain function, so tests can substitute a harmless
// stand-in binary instead of exec'ing a real ssh client.
var NewSSHCommand = func(params Params) *exec.Cmd {
	tunnel := fmt.Sprintf("%d:127.0.0.1:%d", params.RemotePort, params.ProxyPort)
	target := fmt.Sprintf("bubble-flex@%s", params.ControllerHost)
	knownHosts := fmt.Sprintf("UserKnownHostsFile=%s", hostKeyFile)

	return exec.Command(sshBinary,
		"-i", params.PrivateKeyPath,
		"-o", knownHosts,
		"-o", "ServerAliveInterval=10",
		"-Nn",
		"-R", tunnel,
		target,
	)
}

// spawnLocked launches the ssh child and, if newChecker, starts a fresh
// checker goroutine. It must be called with s.mu held. When newChecker is
// false (the restart-tick path), the caller's existing checker keeps
// running against the same start timestamp and abort handle.
func (s *Supervisor) spawnLocked(parent context.Context, params Params, newChecker bool) error {
	if err := os.WriteFile(hostKeyFile, []byte(params.HostKey), 0o600); err != nil {
		return errors.Wrap(err, "sshtunnel: writing host key file")
	}

	cmd := NewSSHCommand(params)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "sshtunnel: starting ssh child")
	}

	s.c.child = cmd
	s.c.params = &params

	if newChecker {
		checkerCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
		start := time.Now().UnixMicro()
		s.c.cancelChecker = cancel
		s.c.checkerStart = start
		go s.runChecker(checkerCtx, start)
	}

	dlog.Infof(parent, "sshtunnel: spawned ssh tunnel to %s (remote port %d -> local proxy port %d)",
		params.ControllerHost, params.RemotePort, params.ProxyPort)
	return nil
}

// Stop tears the tunnel down. When stopChecker is true (external teardown,
// used by unregister and by a fresh register) the checker's abort handle
// is cancelled and the invalidation timestamp is bumped so any in-flight
// checker tick exits without touching a subsequently-spawned child. When
// false (the checker's own restart path) only the child is killed and its
// slot cleared; the checker keeps running.
func (s *Supervisor) Stop(stopChecker bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(stopChecker)
}

func (s *Supervisor) stopLocked(stopChecker bool) {
	if stopChecker {
		if s.c.cancelChecker != nil {
			s.c.cancelChecker()
		}
		s.inv = time.Now().UnixMicro()
	}
	if s.c.child != nil {
		child := s.c.child
		go reap(child)
		s.c.child = nil
		s.c.params = nil
	}
	if stopChecker {
		s.c.cancelChecker = nil
		s.c.checkerStart = 0
	}
}

// reap kills and waits for a child off the container lock, so Stop never
// blocks on process teardown. This is the "wait or detach properly" half
// of spec.md §9's child-process-lifetime requirement: the process is
// always reaped, never left a zombie.
func reap(cmd *exec.Cmd) {
	_ = killProcessGroup(cmd)
	_ = cmd.Wait()
}

// Running reports whether a tunnel is currently installed. It is for
// diagnostics and tests only; the authoritative state for
// register/unregister decisions is the caller's own current-registration
// cell (spec.md §3), not this flag.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.running()
}

func (s *Supervisor) runChecker(ctx context.Context, startedAt int64) {
	timer := time.NewTimer(s.checkInterval)
	defer timer.Stop()

	errorCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if s.invalidatedSince(startedAt) {
			return
		}

		status, err := s.pollStatus(ctx)
		if err != nil {
			dlog.Errorf(ctx, "sshtunnel: status check failed: %v", err)
			errorCount++
		} else {
			switch status {
			case bubbleapi.StatusActive:
				errorCount = 0
			case bubbleapi.StatusDeleted:
				dlog.Infof(ctx, "sshtunnel: controller reports tunnel deleted, stopping")
				s.Stop(true)
				return
			default:
				errorCount++
			}
		}

		if errorCount >= errorThreshold {
			dlog.Errorf(ctx, "sshtunnel: %d consecutive failed status checks, restarting tunnel", errorCount)
			s.restart(ctx, startedAt)
			errorCount = 0
		}

		timer.Reset(s.checkInterval)
	}
}

func (s *Supervisor) invalidatedSince(startedAt int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inv > startedAt
}

func (s *Supervisor) pollStatus(ctx context.Context) (bubbleapi.Status, error) {
	s.mu.Lock()
	params := s.c.params
	s.mu.Unlock()
	if params == nil {
		return "", errors.New("sshtunnel: no active params to check")
	}

	client := bubbleapi.NewWithHTTPClient(params.ControllerHost, params.Session, s.httpClient)
	return client.Status(ctx, params.AdvertisedIP)
}

// restart kills the current child (retaining the checker) and respawns
// with the saved params, reusing the current abort handle per spec.md
// §4.4's "call respawn with the saved params reusing the current abort
// handle."
func (s *Supervisor) restart(ctx context.Context, startedAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inv > startedAt {
		// Torn down from under us between the error-threshold check and
		// acquiring the lock; let the next tick's invalidation check exit.
		return
	}
	params := s.c.params
	s.stopLocked(false)
	if params == nil {
		return
	}
	if err := s.spawnLocked(ctx, *params, false); err != nil {
		dlog.Errorf(ctx, "sshtunnel: restart failed: %v", err)
	}
}
