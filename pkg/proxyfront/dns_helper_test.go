package proxyfront

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startFakeDNSHelper runs a local miekg/dns server on loopback that answers
// every A query for name with ip, mirroring pkg/dnscache's own test helper
// so this package's HTTP-dispatch tests don't need a real upstream.
func startFakeDNSHelper(t *testing.T, name, ip string) string {
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
