// Package routehelper shells out to the host's routing facility to read
// the default gateway and to install or remove per-destination host
// routes. Every platform variant (routehelper_linux.go,
// routehelper_darwin.go, routehelper_windows.go) implements the same four
// operations spec.md §4.1 names; the split mirrors the teacher's own
// pkg/routing package, which the retrieval pack kept only as
// routing_test.go / routing_unix_test.go — evidence of a routing.go +
// routing_unix.go build-tag split in the original source tree.
package routehelper

import "context"

// Helper is the seam the proxy front-end installs routes through, so
// tests can substitute a fake without shelling out. The tunnel
// supervisor does not use it.
type Helper interface {
	// DefaultGateway reads the host's default IPv4 gateway. Spec.md §4.1:
	// an empty result is fatal to the whole agent, since nothing can be
	// routed around the VPN without it.
	DefaultGateway(ctx context.Context) (string, error)

	// RouteExists reports whether a host route to ip is already installed.
	RouteExists(ctx context.Context, ip string) (bool, error)

	// AddRoute installs a host route to ip via gateway.
	AddRoute(ctx context.Context, gateway, ip string) error

	// RemoveRoute removes any host route to ip. Unlike AddRoute, failure
	// here is never fatal — see SPEC_FULL.md's /routes/remove supplement.
	RemoveRoute(ctx context.Context, ip string) error
}

// System is the Helper backed by the actual OS routing commands.
var System Helper = system{}
