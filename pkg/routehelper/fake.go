package routehelper

import (
	"context"
	"sync"
)

// Fake is an in-memory Helper for tests: proxyfront tests substitute it
// for the real, shell-backed System so they never actually touch the
// host routing table.
type Fake struct {
	mu        sync.Mutex
	Gateway   string
	GatewayErr error
	Installed map[string]bool

	// AddRouteErr, when set, is returned by AddRoute for every ip in this
	// set — used to exercise spec.md §4.1's "add-route failure is fatal
	// to the request" invariant.
	AddRouteErr map[string]error

	AddCalls    []string
	RemoveCalls []string
}

func NewFake(gateway string) *Fake {
	return &Fake{
		Gateway:     gateway,
		Installed:   map[string]bool{},
		AddRouteErr: map[string]error{},
	}
}

func (f *Fake) DefaultGateway(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GatewayErr != nil {
		return "", f.GatewayErr
	}
	return f.Gateway, nil
}

func (f *Fake) RouteExists(ctx context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Installed[ip], nil
}

func (f *Fake) AddRoute(ctx context.Context, gateway, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AddCalls = append(f.AddCalls, ip)
	if err, ok := f.AddRouteErr[ip]; ok {
		return err
	}
	f.Installed[ip] = true
	return nil
}

func (f *Fake) RemoveRoute(ctx context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RemoveCalls = append(f.RemoveCalls, ip)
	delete(f.Installed, ip)
	return nil
}
