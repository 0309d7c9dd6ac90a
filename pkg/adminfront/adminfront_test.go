package adminfront

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/getbubblenow/bubble-flexrouter/pkg/bubbleapi"
	"github.com/getbubblenow/bubble-flexrouter/pkg/sshtunnel"
)

func fakeSSHCommand(t *testing.T) *int32 {
	t.Helper()
	var starts int32
	orig := sshtunnel.NewSSHCommand
	sshtunnel.NewSSHCommand = func(params sshtunnel.Params) *exec.Cmd {
		atomic.AddInt32(&starts, 1)
		return exec.Command("sleep", "30")
	}
	t.Cleanup(func() { sshtunnel.NewSSHCommand = orig })
	return &starts
}

// routeDefaultTransportTo points http.DefaultTransport, which the
// controller client built by the register handler uses, at srv for the
// rest of the test: it trusts srv's certificate and dials srv whatever
// address a request names, since registration always targets port 1443
// of the controller host.
func routeDefaultTransportTo(t *testing.T, srv *httptest.Server) {
	t.Helper()
	tr := srv.Client().Transport.(*http.Transport).Clone()
	addr := srv.Listener.Addr().String()
	tr.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	orig := http.DefaultTransport
	http.DefaultTransport = tr
	t.Cleanup(func() { http.DefaultTransport = orig })
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newTestServer(t *testing.T) *Server {
	fakeSSHCommand(t)
	return New(Config{
		PasswordHash:   hashPassword(t, "s3cret"),
		AuthToken:      "shared-auth-token-shared-auth-token-12345678",
		SSHPrivKeyPath: "/tmp/does-not-matter",
		SSHPubKey:      "ssh-ed25519 AAAA",
		ProxyPort:      9823,
		CheckInterval:  time.Hour,
	})
}

func TestPingEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bubble-flexrouter is running", w.Body.String())
}

func TestRegisterSuccess(t *testing.T) {
	controller := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/me/flexRouters", r.URL.Path)
		_ = json.NewEncoder(w).Encode(bubbleapi.TunnelDescriptor{Port: 2222, HostKey: "ssh-ed25519 host-key"})
	}))
	defer controller.Close()
	routeDefaultTransportTo(t, controller)

	s := newTestServer(t)
	s.sup = sshtunnel.NewSupervisor(time.Hour)

	body := `{"password":"s3cret","session":"sess-1","host":"127.0.0.1","ip":"10.1.2.3"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, s.Registered())
	assert.True(t, s.sup.Running())
}

func TestRegisterWrongPasswordIs401(t *testing.T) {
	s := newTestServer(t)

	body := `{"password":"wrong","session":"sess-1","host":"example.com","ip":"10.1.2.3"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, s.Registered())
}

func TestRegisterNonPrivateIPIs401(t *testing.T) {
	s := newTestServer(t)

	body := `{"password":"s3cret","session":"sess-1","host":"example.com","ip":"8.8.8.8"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterMissingFieldIs401(t *testing.T) {
	s := newTestServer(t)

	body := `{"password":"s3cret","session":"sess-1","ip":"10.1.2.3"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterControllerFailureIs412(t *testing.T) {
	controller := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer controller.Close()
	routeDefaultTransportTo(t, controller)

	s := newTestServer(t)

	body := `{"password":"s3cret","session":"sess-1","host":"127.0.0.1","ip":"10.1.2.3"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.False(t, s.Registered())
}

func TestReRegisterControllerFailureClearsRegistration(t *testing.T) {
	fakeSSHCommand(t)

	var fail int32
	controller := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) != 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(bubbleapi.TunnelDescriptor{Port: 2222, HostKey: "key"})
	}))
	defer controller.Close()
	routeDefaultTransportTo(t, controller)

	s := New(Config{
		PasswordHash:   hashPassword(t, "s3cret"),
		AuthToken:      "shared-auth-token-shared-auth-token-12345678",
		SSHPrivKeyPath: "/tmp/does-not-matter",
		SSHPubKey:      "ssh-ed25519 AAAA",
		ProxyPort:      9823,
		CheckInterval:  time.Hour,
	})

	host := "127.0.0.1"
	body1 := `{"password":"s3cret","session":"sess-1","host":"` + host + `","ip":"10.1.2.3"}`
	req1 := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body1))
	w1 := httptest.NewRecorder()
	s.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)
	require.True(t, s.Registered())

	atomic.StoreInt32(&fail, 1)
	body2 := `{"password":"s3cret","session":"sess-2","host":"` + host + `","ip":"10.1.2.4"}`
	req2 := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body2))
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusPreconditionFailed, w2.Code)

	assert.False(t, s.Registered(), "a failed re-register must not leave the stale prior registration in place")
}

func TestReRegisterStopsOldTunnelFirst(t *testing.T) {
	starts := fakeSSHCommand(t)

	controller := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(bubbleapi.TunnelDescriptor{Port: 2222, HostKey: "key"})
	}))
	defer controller.Close()
	routeDefaultTransportTo(t, controller)

	s := New(Config{
		PasswordHash:   hashPassword(t, "s3cret"),
		AuthToken:      "shared-auth-token-shared-auth-token-12345678",
		SSHPrivKeyPath: "/tmp/does-not-matter",
		SSHPubKey:      "ssh-ed25519 AAAA",
		ProxyPort:      9823,
		CheckInterval:  time.Hour,
	})

	host := "127.0.0.1"
	body1 := `{"password":"s3cret","session":"sess-1","host":"` + host + `","ip":"10.1.2.3"}`
	req1 := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body1))
	w1 := httptest.NewRecorder()
	s.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)

	body2 := `{"password":"s3cret","session":"sess-2","host":"` + host + `","ip":"10.1.2.4"}`
	req2 := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body2))
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)

	assert.EqualValues(t, 2, atomic.LoadInt32(starts))
}

func TestUnregisterWithoutRegistrationStillReturns200(t *testing.T) {
	s := newTestServer(t)

	body := `{"password":"s3cret"}`
	req := httptest.NewRequest(http.MethodPost, "/unregister", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnregisterWrongPasswordIs401(t *testing.T) {
	s := newTestServer(t)

	body := `{"password":"wrong"}`
	req := httptest.NewRequest(http.MethodPost, "/unregister", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
