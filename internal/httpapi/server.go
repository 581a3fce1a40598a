// Package httpapi serves the plugin ingress: plugins POST encoded envelope
// lists with a plugin token, and each body goes through the identity
// validator and on to the transport before the request is answered.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/auth"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/internal/relay"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

// DefaultMaxBodyBytes bounds a published message.
const DefaultMaxBodyBytes = 4 << 20

// Config holds server configuration
type Config struct {
	Addr      string
	SecretKey string
	TokenTTL  time.Duration

	// NoAuth takes the plugin identity from DevIdentityHeader instead of a
	// token. Admin endpoints still require a token.
	NoAuth bool

	MaxBodyBytes int64
	Format       envelope.IdentityFormat

	// Ingress settles published messages. Without it the messages endpoint
	// is not served.
	Ingress *relay.Handler

	// Nodes are reported by the health endpoint.
	Nodes []HealthSource

	// Registry, when set, is served at /metrics.
	Registry *prometheus.Registry

	Logger   *zap.Logger
	Recorder *metrics.Recorder
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Format.IDBase == 0 {
		c.Format = envelope.DefaultIdentityFormat()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate validates the configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.SecretKey == "" && !c.NoAuth {
		return errors.New("httpapi: SecretKey is required unless NoAuth is set")
	}
	return c.Format.Validate()
}

// Server represents the HTTP API server
type Server struct {
	cfg        Config
	jwtAuth    *auth.JWTAuth
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
	logger     *zap.Logger
}

// NewServer creates a new HTTP API server
func NewServer(cfg Config) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	secretKey := cfg.SecretKey
	if secretKey == "" {
		// Without a configured key no admin token can be presented.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		secretKey = hex.EncodeToString(buf)
	}

	logger := cfg.Logger.With(zap.String("component", "httpapi"))
	jwtAuth := auth.NewJWTAuth(secretKey, cfg.TokenTTL)

	s := &Server{
		cfg:        cfg,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(cfg.Ingress, jwtAuth, cfg.Format, cfg.MaxBodyBytes, cfg.Nodes, logger),
		middleware: NewMiddleware(jwtAuth, cfg.NoAuth, logger, cfg.Recorder),
		logger:     logger,
	}

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop. It returns nil after a graceful stop.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP API listening", zap.String("addr", ln.Addr().String()), zap.Bool("no_auth", s.cfg.NoAuth))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(route string, handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(route,
				s.middleware.CORS(handler)))
	}

	if s.cfg.Ingress != nil {
		mux.Handle("/api/v1/messages", withMiddleware("messages",
			allow(http.MethodPost, s.middleware.AuthRequired(s.handlers.PublishMessage, auth.RolePlugin))))
	}

	mux.Handle("/api/v1/admin/tokens", withMiddleware("admin_tokens",
		allow(http.MethodPost, s.middleware.AdminRequired(s.handlers.IssueToken))))

	mux.Handle("/api/v1/health", withMiddleware("health",
		allow(http.MethodGet, s.handlers.Health)))

	if s.cfg.Registry != nil {
		mux.Handle("/metrics", metrics.Handler(s.cfg.Registry))
	}

	mux.Handle("/", withMiddleware("root", s.handleRoot))

	return mux
}

// allow rejects requests with any method other than method.
func allow(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	endpoints := map[string]string{
		"tokens": "POST /api/v1/admin/tokens",
		"health": "GET /api/v1/health",
	}
	if s.cfg.Ingress != nil {
		endpoints["publish"] = "POST /api/v1/messages"
	}
	if s.cfg.Registry != nil {
		endpoints["metrics"] = "GET /metrics"
	}

	writeJSON(w, map[string]interface{}{
		"service":        "waggle-router HTTP API",
		"endpoints":      endpoints,
		"authentication": "Bearer JWT token required for publish and admin endpoints",
	}, http.StatusOK)
}
