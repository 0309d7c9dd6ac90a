// Package proxyfront is the LAN-facing forward proxy (spec.md §4.5): it
// accepts absolute-URI requests and CONNECT tunnels on a loopback port,
// installs a host route before every outbound dial so traffic never loops
// back through a host-level VPN, and answers a couple of no-authority
// control paths (/health, /ping, and the supplemented /routes/remove).
// Grounded on the original Rust proxy.rs's dispatch (host resolve, static
// route check, CONNECT-vs-forward branch, tunnel splice) and on the
// teacher's pkg/connpool for the bidirectional-copy idiom.
package proxyfront

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/getbubblenow/bubble-flexrouter/pkg/dnscache"
	"github.com/getbubblenow/bubble-flexrouter/pkg/pingcodec"
	"github.com/getbubblenow/bubble-flexrouter/pkg/routehelper"
)

const maxPingBodyBytes = 16 * 1024

// Server is the proxy front-end. The zero value is not usable; build one
// with New.
type Server struct {
	dns    *dnscache.Cache
	routes routehelper.Helper
	secret string

	client *http.Client
}

// New builds a Server. secret is the shared control-plane token the ping
// protocol proves knowledge of.
func New(dns *dnscache.Cache, routes routehelper.Helper, secret string) *Server {
	return &Server{
		dns:    dns,
		routes: routes,
		secret: secret,
		client: &http.Client{
			Transport: &http.Transport{DialContext: dns.DialContext},
		},
	}
}

// ServeHTTP dispatches by path/method/authority per spec.md §4.5's table.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method == http.MethodConnect {
		s.handleConnect(ctx, w, r)
		return
	}

	host := r.URL.Host
	if host == "" {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/health":
			writeText(w, http.StatusOK, "proxy is alive")
		case r.Method == http.MethodPost && r.URL.Path == "/ping":
			s.handlePing(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/routes/remove":
			s.handleRemoveRoutes(w, r)
		default:
			http.Error(w, "no host in request", http.StatusBadRequest)
		}
		return
	}

	s.handleForward(ctx, w, r)
}

// resolveAndRoute resolves host through the dial-coherence cache and, if
// no route to that address already exists, installs one through the
// default gateway. A failed route install is fatal to the request: the
// route is the only thing preventing the packet from recursing back
// through the host VPN (spec.md §4.1).
func (s *Server) resolveAndRoute(ctx context.Context, host string) (string, error) {
	ip, err := s.dns.Resolve(ctx, host)
	if err != nil {
		return "", err
	}

	exists, err := s.routes.RouteExists(ctx, ip)
	if err != nil {
		return "", err
	}
	if !exists {
		gateway, err := s.routes.DefaultGateway(ctx)
		if err != nil {
			return "", err
		}
		if err := s.routes.AddRoute(ctx, gateway, ip); err != nil {
			return "", err
		}
	}
	return ip, nil
}

func (s *Server) handleForward(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	if _, err := s.resolveAndRoute(ctx, host); err != nil {
		dlog.Errorf(ctx, "proxyfront: route install failed for %s: %v", host, err)
		http.Error(w, "could not establish route to destination", http.StatusBadRequest)
		return
	}

	outReq := r.Clone(ctx)
	outReq.RequestURI = ""

	resp, err := s.client.Do(outReq)
	if err != nil {
		dlog.Errorf(ctx, "proxyfront: forward request failed: %v", err)
		http.Error(w, "upstream request failed", http.StatusBadRequest)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (s *Server) handleConnect(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		http.Error(w, "CONNECT must be to a socket address", http.StatusBadRequest)
		return
	}

	ip, err := s.resolveAndRoute(ctx, host)
	if err != nil {
		dlog.Errorf(ctx, "proxyfront: route install failed for %s: %v", host, err)
		http.Error(w, "could not establish route to destination", http.StatusBadRequest)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection does not support hijacking", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		dlog.Errorf(ctx, "proxyfront: hijack failed: %v", err)
		return
	}
	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		dlog.Errorf(ctx, "proxyfront: writing CONNECT response failed: %v", err)
		clientConn.Close()
		return
	}

	go tunnel(ctx, clientConn, net.JoinHostPort(ip, port))
}

// tunnel dials the destination and splices bytes both directions until
// either side closes. Errors here are logged only; per spec.md §4.5 the
// 200 has already been sent and cannot be retracted.
func tunnel(ctx context.Context, client net.Conn, addr string) {
	defer client.Close()

	server, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		dlog.Errorf(ctx, "proxyfront: tunnel dial to %s failed: %v", addr, err)
		return
	}
	defer server.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, err := io.Copy(server, client)
		if err != nil {
			dlog.Errorf(ctx, "proxyfront: tunnel client->server copy error: %v", err)
		}
		done <- struct{}{}
	}()
	go func() {
		_, err := io.Copy(client, server)
		if err != nil {
			dlog.Errorf(ctx, "proxyfront: tunnel server->client copy error: %v", err)
		}
		done <- struct{}{}
	}()
	<-done
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var token pingcodec.Ping
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPingBodyBytes)).Decode(&token); err != nil {
		http.Error(w, "malformed ping", http.StatusBadRequest)
		return
	}
	if !pingcodec.Verify(token, s.secret) {
		http.Error(w, "ping verification failed", http.StatusBadRequest)
		return
	}
	reply, err := pingcodec.Issue(s.secret)
	if err != nil {
		http.Error(w, "could not issue ping", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// removeRoutesRequest is the supplemented envelope from
// original_source/src/remove_routes.rs: a ping-authenticated request
// naming a batch of addresses whose host routes should be torn down,
// e.g. when the controller's peer set shrinks. Removal failures for
// individual addresses are aggregated and never fatal to the request —
// stale routes are a cleanliness concern, not a correctness one.
type removeRoutesRequest struct {
	Ping   pingcodec.Ping `json:"ping"`
	Routes []string       `json:"routes"`
}

func (s *Server) handleRemoveRoutes(w http.ResponseWriter, r *http.Request) {
	var req removeRoutesRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPingBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if !pingcodec.Verify(req.Ping, s.secret) {
		http.Error(w, "ping verification failed", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var errs *multierror.Error
	for _, ip := range req.Routes {
		if err := s.routes.RemoveRoute(ctx, ip); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		dlog.Errorf(ctx, "proxyfront: remove-routes had failures: %v", errs)
	}
	writeText(w, http.StatusOK, "ok")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
