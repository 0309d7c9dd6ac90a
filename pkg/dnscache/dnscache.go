// Package dnscache resolves hostnames against two upstream DNS servers
// (UDP then TCP, per spec.md §4.2), memoizes the result in a bounded LRU,
// and exposes the same cache as the dial function for the forward proxy's
// HTTPS client — guaranteeing that the address a host-route was installed
// for is the address the client actually dials ("dial-coherence", see
// spec.md §9 and the GLOSSARY).
//
// Grounded on the teacher's pkg/dnsproxy (miekg/dns-based Lookup,
// TimedExternalLookup) and on the original Rust source's dns_cache.rs,
// whose CacheResolver played the same dial-coherence role for hyper's
// HttpConnector.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/miekg/dns"

	"github.com/datawire/dlib/dlog"
)

// ErrorKind distinguishes the three failure modes spec.md §4.2 names.
type ErrorKind int

const (
	// ResolutionFailure covers transport-level failures talking to both
	// configured upstream servers.
	ResolutionFailure ErrorKind = iota
	// NoRecordsFound means at least one upstream answered successfully
	// but no answer carried an address record for the name.
	NoRecordsFound
	// Interrupted means the calling context was cancelled mid-lookup.
	Interrupted
)

// ResolveError is the error type every Cache.Resolve failure wraps.
type ResolveError struct {
	Kind ErrorKind
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	switch e.Kind {
	case NoRecordsFound:
		return fmt.Sprintf("dnscache: no records found for %s", e.Host)
	case Interrupted:
		return fmt.Sprintf("dnscache: lookup of %s was interrupted: %v", e.Host, e.Err)
	default:
		return fmt.Sprintf("dnscache: failed to resolve %s: %v", e.Host, e.Err)
	}
}

func (e *ResolveError) Unwrap() error { return e.Err }

const defaultTimeout = 5 * time.Second

// Cache is a two-upstream DNS resolver with an LRU memoization layer. The
// zero value is not usable; construct with New.
type Cache struct {
	dns1, dns2 string // "ip:port" of each configured upstream
	cache      *lru.Cache
}

// New builds a Cache querying dns1Addr and dns2Addr (each "host:port";
// port 53 if omitted), memoizing up to capacity resolutions. Spec.md §3
// requires capacity >= 1000.
func New(dns1Addr, dns2Addr string, capacity int) (*Cache, error) {
	if capacity < 1000 {
		capacity = 1000
	}
	c, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("dnscache: creating LRU: %w", err)
	}
	return &Cache{
		dns1: withDefaultPort(dns1Addr),
		dns2: withDefaultPort(dns2Addr),
		cache: c,
	}, nil
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "53")
}

// Resolve returns the first address host resolves to, consulting the
// cache first. The at-most-once-per-key contract from spec.md §3/§4.2:
// concurrent misses for the same key may both perform an upstream lookup,
// but the cache ends up holding a consistent, valid value for the key
// (last write wins).
func (c *Cache) Resolve(ctx context.Context, host string) (string, error) {
	if v, ok := c.cache.Get(host); ok {
		addr := v.(string)
		dlog.Debugf(ctx, "dnscache: %s found in cache: %s", host, addr)
		return addr, nil
	}

	dlog.Debugf(ctx, "dnscache: %s not in cache, resolving...", host)
	addr, err := c.lookup(ctx, host)
	if err != nil {
		return "", err
	}
	c.cache.Add(host, addr)
	dlog.Debugf(ctx, "dnscache: resolved %s -> %s", host, addr)
	return addr, nil
}

// lookup tries each configured upstream, UDP then TCP, returning the first
// address record found.
func (c *Cache) lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		// Already an address; nothing to resolve.
		return ip.String(), nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	answered := false
	for _, upstream := range []string{c.dns1, c.dns2} {
		for _, network := range []string{"udp", "tcp"} {
			if err := ctx.Err(); err != nil {
				return "", &ResolveError{Kind: Interrupted, Host: host, Err: err}
			}
			addr, err := exchange(ctx, network, upstream, msg)
			if err != nil {
				lastErr = err
				continue
			}
			answered = true
			if addr == "" {
				lastErr = fmt.Errorf("no A records in response from %s", upstream)
				continue
			}
			return addr, nil
		}
	}
	if answered {
		return "", &ResolveError{Kind: NoRecordsFound, Host: host, Err: lastErr}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no upstream servers configured")
	}
	return "", &ResolveError{Kind: ResolutionFailure, Host: host, Err: lastErr}
}

func exchange(ctx context.Context, network, upstream string, msg *dns.Msg) (string, error) {
	client := &dns.Client{Net: network, Timeout: defaultTimeout}
	resp, _, err := client.ExchangeContext(ctx, msg, upstream)
	if err != nil {
		return "", err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("upstream %s returned rcode %s", upstream, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", nil
}

// DialContext is an http.Transport-compatible dial function: it parses the
// "host:port" address the transport asks for, resolves host through this
// same Cache (so it reuses whatever address a prior route-install
// decision was based on), and dials the resolved IP directly. This is the
// dial-coherence seam spec.md §9 requires: an HTTPS client with a separate
// DNS path is an incorrectness bug for this system.
func (c *Cache) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("dnscache: dial address %q: %w", addr, err)
	}
	ip, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	d := &net.Dialer{}
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}
