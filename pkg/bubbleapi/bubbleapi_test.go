package bubbleapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// controllerClient returns a client that trusts srv's certificate and
// dials srv whatever address a request names, since Register always
// targets port 1443 of the controller host.
func controllerClient(srv *httptest.Server) *http.Client {
	tr := srv.Client().Transport.(*http.Transport).Clone()
	addr := srv.Listener.Addr().String()
	tr.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	return &http.Client{Transport: tr}
}

func TestRegisterSuccess(t *testing.T) {
	var gotSession, gotPath, gotMethod string
	var gotBody RegisterRequest

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get(headerBubbleSession)
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(TunnelDescriptor{Port: 2222, HostKey: "ssh-ed25519 AAAA"})
	}))
	defer srv.Close()

	c := NewWithHTTPClient("127.0.0.1", "sess-1", controllerClient(srv))
	desc, err := c.Register(context.Background(), RegisterRequest{Key: "pub-key", IP: "10.1.2.3", AuthToken: "tok"})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", gotSession)
	assert.Equal(t, "/api/me/flexRouters", gotPath)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "pub-key", gotBody.Key)
	assert.Equal(t, uint16(2222), desc.Port)
	assert.Equal(t, "ssh-ed25519 AAAA", desc.HostKey)
}

func TestRegisterNon2xxIsError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewWithHTTPClient("127.0.0.1", "sess-1", controllerClient(srv))
	_, err := c.Register(context.Background(), RegisterRequest{Key: "k", IP: "10.1.2.3", AuthToken: "t"})
	assert.Error(t, err)
}

func TestRegisterUndecodableResponseIsError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewWithHTTPClient("127.0.0.1", "sess-1", controllerClient(srv))
	_, err := c.Register(context.Background(), RegisterRequest{Key: "k", IP: "10.1.2.3", AuthToken: "t"})
	assert.Error(t, err)
}

func TestStatusRoundTrip(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/me/flexRouters/10.1.2.3/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode("active")
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.Listener.Addr().String(), "sess-1", srv.Client())
	status, err := c.Status(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
}

func TestStatusTransportFailureIsError(t *testing.T) {
	c := NewWithHTTPClient("127.0.0.1:1", "sess-1", http.DefaultClient)
	_, err := c.Status(context.Background(), "10.1.2.3")
	assert.Error(t, err)
}
