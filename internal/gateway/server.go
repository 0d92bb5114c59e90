// ABOUTME: Gateway server plane wiring the router, authorizer, and pairing store
// ABOUTME: Owns the HTTP listener, WebSocket upgrade, and health endpoint

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/2389/tether-gateway/internal/audit"
	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/nonce"
	"github.com/2389/tether-gateway/internal/pairing"
)

const (
	// connectTimeout bounds how long a socket may sit open without
	// completing the connect handshake.
	connectTimeout = 30 * time.Second

	// nonceTTL bounds how long an issued challenge nonce stays valid.
	nonceTTL = 2 * time.Minute

	// nonceCapacity bounds the outstanding-nonce table.
	nonceCapacity = 4096
)

// Server is the gateway control plane: it accepts WebSocket connections,
// runs the connect handshake, and emits liveness ticks to connected
// clients. Business RPC routing happens elsewhere; unknown methods get
// an error response.
type Server struct {
	cfg      *config.Config
	authz    *auth.Authorizer
	pairings *pairing.Store
	nonces   *nonce.Tracker
	auditLog *audit.Log
	logger   *slog.Logger

	tickInterval time.Duration
	upgrader     websocket.Upgrader
	httpServer   *http.Server

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// Options collects the server's collaborators. AuditLog may be nil to
// disable the audit trail; Whois may be nil when Tailscale identity is
// not in play.
type Options struct {
	Config   *config.Config
	Pairings *pairing.Store
	Whois    auth.WhoisClient
	AuditLog *audit.Log
	Logger   *slog.Logger
}

// New builds a gateway server. Fails fast when the resolved auth
// configuration has no usable secret.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("gateway: config is required")
	}
	if opts.Pairings == nil {
		return nil, errors.New("gateway: pairing store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	resolved := auth.Resolve(opts.Config.Auth, os.Getenv, opts.Config.Server.Exposure)
	if err := resolved.AssertConfigured(); err != nil {
		return nil, err
	}

	tickInterval := opts.Config.Policy.TickInterval
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}

	s := &Server{
		cfg:          opts.Config,
		authz:        auth.NewAuthorizer(resolved, opts.Whois, opts.Config.Server.TrustedProxies, logger),
		pairings:     opts.Pairings,
		nonces:       nonce.New(nonceTTL, nonceCapacity),
		auditLog:     opts.AuditLog,
		logger:       logger,
		tickInterval: tickInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks do not gate this surface; the connect
			// handshake authenticates every socket before it can do
			// anything.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
	return s, nil
}

// Router returns the HTTP handler serving /health and /ws. Exposed so
// tests can mount it on httptest without binding a real port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	return r
}

// Start binds the configured listen address and serves until Shutdown
// or a listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway listening",
		"addr", s.cfg.Server.ListenAddr,
		"exposure", s.cfg.Server.Exposure,
	)

	var err error
	if s.cfg.Server.TLSCertFile != "" {
		err = s.httpServer.ListenAndServeTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes the listener, all live sessions, and the nonce
// tracker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.close()
	}
	s.nonces.Close()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","time":%q}`, time.Now().UTC().Format(time.RFC3339))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(s, conn, r)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	sess.run()
}

// record appends an audit entry when the audit log is enabled.
func (s *Server) record(ctx context.Context, action audit.Action, deviceID string, detail map[string]any) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.Record(ctx, action, deviceID, detail)
}
