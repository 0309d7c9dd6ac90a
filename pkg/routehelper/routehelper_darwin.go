//go:build darwin

package routehelper

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
)

type system struct{}

func (system) DefaultGateway(ctx context.Context) (string, error) {
	out, err := runShell(ctx, "netstat -rn | grep -m 1 default | cut -d' ' -f2")
	if err != nil {
		return "", errors.Wrap(err, "routehelper: reading default gateway")
	}
	gw := chopLine(out)
	if gw == "" {
		return "", errors.New("routehelper: no default gateway found")
	}
	return gw, nil
}

func (system) RouteExists(ctx context.Context, ip string) (bool, error) {
	// egrep exits 1 on no match, which is the common "no route yet" case,
	// not a failure; decide on output emptiness alone, same as the
	// original's needs_static_route.
	out, _ := runShell(ctx, fmt.Sprintf("netstat -rn | egrep -m 1 %s", shellQuote("^"+ip)))
	return strings.TrimSpace(out) != "", nil
}

func (system) AddRoute(ctx context.Context, gateway, ip string) error {
	out, err := runShell(ctx, fmt.Sprintf("route -n add %s %s", shellQuote(ip), shellQuote(gateway)))
	if err != nil {
		dlog.Errorf(ctx, "routehelper: add-route failed for %s via %s: %v (%s)", ip, gateway, err, out)
		return errors.Wrapf(err, "routehelper: adding route to %s via %s", ip, gateway)
	}
	return nil
}

func (system) RemoveRoute(ctx context.Context, ip string) error {
	_, err := runShell(ctx, fmt.Sprintf("route -n delete %s", shellQuote(ip)))
	if err != nil {
		return errors.Wrapf(err, "routehelper: removing route to %s", ip)
	}
	return nil
}

func runShell(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func chopLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
