// Package adminfront is the local control-plane state machine (spec.md
// §4.6): register / unregister / ping on a loopback port, the single
// source of truth for "is a tunnel currently installed?", coordinated
// with the reverse-tunnel supervisor under one mutex. Grounded on
// original_source/src/admin.rs's handle_register flow (bcrypt verify,
// PUT to the controller, spawn on success) reworked from warp filters
// into a plain net/http mux in the teacher's own idiom.
package adminfront

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/crypto/bcrypt"

	"github.com/getbubblenow/bubble-flexrouter/pkg/bubbleapi"
	"github.com/getbubblenow/bubble-flexrouter/pkg/netutil"
	"github.com/getbubblenow/bubble-flexrouter/pkg/sshtunnel"
)

const maxRegisterBodyBytes = 16 * 1024

// AdminRegistration is the POST /register body: spec.md §3's
// "{password, controller-session, controller-host, advertised-local-ip}"
// bundle, all optional at decode time (validated explicitly, not via
// struct tags).
type AdminRegistration struct {
	Password string `json:"password"`
	Session  string `json:"session"`
	Host     string `json:"host"`
	IP       string `json:"ip"`
}

func (r AdminRegistration) complete() bool {
	return r.Password != "" && r.Session != "" && r.Host != "" && r.IP != ""
}

// unregisterRequest is the POST /unregister body.
type unregisterRequest struct {
	Password string `json:"password"`
}

// registration is the current-registration cell of spec.md §3: at most
// one is installed at a time, behind its own mutex, always acquired
// before the supervisor's container when both are needed.
type registration struct {
	Host string
	IP   string
}

// Config bundles everything Server needs at startup — the collaborator
// interfaces spec.md §6 calls out of scope (password hash, key material,
// shared token) plus the proxy port the tunnel forwards back to.
type Config struct {
	PasswordHash   string
	AuthToken      string
	SSHPrivKeyPath string
	SSHPubKey      string
	ProxyPort      uint16
	CheckInterval  time.Duration
}

// Server is the admin front-end. The zero value is not usable; build one
// with New.
type Server struct {
	cfg Config
	sup *sshtunnel.Supervisor

	mu  sync.Mutex
	reg *registration // nil ⇒ not registered
}

// New builds a Server.
func New(cfg Config) *Server {
	return &Server{
		cfg: cfg,
		sup: sshtunnel.NewSupervisor(cfg.CheckInterval),
	}
}

// ServeHTTP dispatches the three admin endpoints.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/ping":
		writeText(w, http.StatusOK, "bubble-flexrouter is running")
	case r.Method == http.MethodPost && r.URL.Path == "/register":
		s.handleRegister(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/unregister":
		s.handleUnregister(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AdminRegistration
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRegisterBodyBytes)).Decode(&req); err != nil || !req.complete() {
		writeText(w, http.StatusUnauthorized, "missing or malformed registration fields")
		return
	}
	if !netutil.IsPrivate(req.IP) {
		writeText(w, http.StatusUnauthorized, "advertised ip is not a private address")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(req.Password)); err != nil {
		writeText(w, http.StatusUnauthorized, "password was incorrect")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reg != nil {
		s.sup.Stop(true)
		s.reg = nil
	}

	client := bubbleapi.New(req.Host, req.Session)
	desc, err := client.Register(ctx, bubbleapi.RegisterRequest{
		Key:       s.cfg.SSHPubKey,
		IP:        req.IP,
		AuthToken: s.cfg.AuthToken,
	})
	if err != nil {
		dlog.Errorf(ctx, "adminfront: register with controller failed: %v", err)
		writeText(w, http.StatusPreconditionFailed, "error registering with bubble")
		return
	}

	if err := s.sup.Spawn(ctx, sshtunnel.Params{
		AdvertisedIP:   req.IP,
		RemotePort:     desc.Port,
		ProxyPort:      s.cfg.ProxyPort,
		ControllerHost: req.Host,
		Session:        req.Session,
		HostKey:        desc.HostKey,
		PrivateKeyPath: s.cfg.SSHPrivKeyPath,
	}); err != nil {
		dlog.Errorf(ctx, "adminfront: spawning ssh tunnel failed: %v", err)
		writeText(w, http.StatusPreconditionFailed, "error registering with bubble, error spawning ssh")
		return
	}

	s.reg = &registration{Host: req.Host, IP: req.IP}
	writeText(w, http.StatusOK, "successfully registered with bubble")
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRegisterBodyBytes)).Decode(&req); err != nil || req.Password == "" {
		writeText(w, http.StatusUnauthorized, "missing password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(req.Password)); err != nil {
		writeText(w, http.StatusUnauthorized, "password was incorrect")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reg != nil {
		s.sup.Stop(true)
		s.reg = nil
	}
	writeText(w, http.StatusOK, "not registered")
}

// Registered reports whether the current-registration cell holds a
// registration, for diagnostics only.
func (s *Server) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg != nil
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
