package dnscache

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startFakeDNS runs a local miekg/dns server on loopback that answers every
// A query for name with ip. It serves both UDP and TCP, the two
// transports the Cache tries in turn.
func startFakeDNS(t *testing.T, name, ip string) string {
	t.Helper()
	mux := dns.NewServeMux()
	mux.HandleFunc(dns.Fqdn(name), func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, err := dns.NewRR(dns.Fqdn(name) + " 60 IN A " + ip)
		require.NoError(t, err)
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()

	udpSrv := &dns.Server{PacketConn: pc, Handler: mux}
	go udpSrv.ActivateAndServe()

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	tcpSrv := &dns.Server{Listener: ln, Handler: mux}
	go tcpSrv.ActivateAndServe()

	t.Cleanup(func() {
		_ = udpSrv.Shutdown()
		_ = tcpSrv.Shutdown()
	})
	return addr
}

func TestResolveAndCacheHit(t *testing.T) {
	addr := startFakeDNS(t, "example.test.", "93.184.216.34")
	c, err := New(addr, addr, 1000)
	require.NoError(t, err)

	ctx := context.Background()
	ip, err := c.Resolve(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, "93.184.216.34", ip)

	// Second resolution must be served from cache even if the upstream
	// disappears.
	c.dns1 = "127.0.0.1:1" // unreachable
	c.dns2 = "127.0.0.1:1"
	ip2, err := c.Resolve(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, ip, ip2)
}

// startEmptyAnswerDNS runs a local miekg/dns server that answers every
// query successfully but with no records, the "name exists but has no A
// record" case.
func startEmptyAnswerDNS(t *testing.T) string {
	t.Helper()
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()

	udpSrv := &dns.Server{PacketConn: pc, Handler: mux}
	go udpSrv.ActivateAndServe()

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	tcpSrv := &dns.Server{Listener: ln, Handler: mux}
	go tcpSrv.ActivateAndServe()

	t.Cleanup(func() {
		_ = udpSrv.Shutdown()
		_ = tcpSrv.Shutdown()
	})
	return addr
}

func TestResolveNoRecordsFoundWhenUpstreamAnswersEmpty(t *testing.T) {
	addr := startEmptyAnswerDNS(t)
	c, err := New(addr, addr, 1000)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "nothing-here.test")
	require.Error(t, err)
	var resolveErr *ResolveError
	require.ErrorAs(t, err, &resolveErr)
	require.Equal(t, NoRecordsFound, resolveErr.Kind)
}

func TestResolveFailureWhenNoUpstreamsReachable(t *testing.T) {
	c, err := New("127.0.0.1:1", "127.0.0.1:1", 1000)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Resolve(ctx, "nowhere.test")
	require.Error(t, err)
	var resolveErr *ResolveError
	require.ErrorAs(t, err, &resolveErr)
}

func TestResolveLiteralIP(t *testing.T) {
	c, err := New("127.0.0.1:1", "127.0.0.1:1", 1000)
	require.NoError(t, err)
	ip, err := c.Resolve(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	require.Equal(t, "10.1.2.3", ip)
}

func TestDialContextUsesCachedAddress(t *testing.T) {
	addr := startFakeDNS(t, "dial.test.", "127.0.0.1")
	c, err := New(addr, addr, 1000)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	// Prime the cache, then cut off the upstreams: the dial can only
	// succeed on the cached address.
	ip, err := c.Resolve(context.Background(), "dial.test")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", ip)
	c.dns1 = "127.0.0.1:1" // unreachable
	c.dns2 = "127.0.0.1:1"

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := c.DialContext(context.Background(), "tcp", net.JoinHostPort("dial.test", port))
	require.NoError(t, err)
	conn.Close()
}
