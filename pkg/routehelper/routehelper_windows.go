//go:build windows

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
	out, err := runCmd(ctx, `route print 0.0.0.0 | findstr /L /C:0.0.0.0`)
	if err != nil {
		return "", errors.Wrap(err, "routehelper: reading default gateway")
	}
	fields := strings.Fields(chopLine(out))
	if len(fields) < 3 {
		return "", errors.New("routehelper: no default gateway found")
	}
	return fields[2], nil
}

func (system) RouteExists(ctx context.Context, ip string) (bool, error) {
	// findstr exits 1 on no match, which is the common "no route yet"
	// case, not a failure; decide on output emptiness alone, same as the
	// original's needs_static_route.
	out, _ := runCmd(ctx, fmt.Sprintf(`route print %s | findstr /L /C:"Network Destination"`, ip))
	return strings.TrimSpace(out) != "", nil
}

func (system) AddRoute(ctx context.Context, gateway, ip string) error {
	out, err := runCmd(ctx, fmt.Sprintf("route add %s %s", ip, gateway))
	if err != nil {
		dlog.Errorf(ctx, "routehelper: add-route failed for %s via %s: %v (%s)", ip, gateway, err, out)
		return errors.Wrapf(err, "routehelper: adding route to %s via %s", ip, gateway)
	}
	return nil
}

func (system) RemoveRoute(ctx context.Context, ip string) error {
	_, err := runCmd(ctx, fmt.Sprintf("route delete %s", ip))
	if err != nil {
		return errors.Wrapf(err, "routehelper: removing route to %s", ip)
	}
	return nil
}

func runCmd(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "C:\\Windows\\System32\\cmd.exe", "/c", script)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func chopLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
