package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/auth"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
)

// ContextKey type for context keys to avoid collisions
type ContextKey string

const (
	// ClaimsKey is the context key for JWT claims
	ClaimsKey ContextKey = "jwt_claims"
)

// DevIdentityHeader carries the plugin credential when authentication is
// disabled.
const DevIdentityHeader = "X-Waggle-Identity"

// Middleware provides HTTP middleware functions
type Middleware struct {
	jwtAuth  *auth.JWTAuth
	noAuth   bool // Development mode: identity from DevIdentityHeader
	logger   *zap.Logger
	recorder *metrics.Recorder
}

// NewMiddleware creates a new middleware instance
func NewMiddleware(jwtAuth *auth.JWTAuth, noAuth bool, logger *zap.Logger, recorder *metrics.Recorder) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		jwtAuth:  jwtAuth,
		noAuth:   noAuth,
		logger:   logger,
		recorder: recorder,
	}
}

// AuthRequired middleware requires a valid JWT with one of roles.
func (m *Middleware) AuthRequired(next http.HandlerFunc, roles ...auth.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.noAuth {
			claims := &auth.Claims{Role: auth.RolePlugin}
			claims.Subject = r.Header.Get(DevIdentityHeader)
			next(w, r.WithContext(context.WithValue(r.Context(), ClaimsKey, claims)))
			return
		}
		m.authorize(w, r, next, roles)
	}
}

// AdminRequired middleware requires admin privileges
// Note: Admin endpoints are NEVER bypassed, even in no-auth mode
func (m *Middleware) AdminRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.authorize(w, r, next, []auth.Role{auth.RoleAdmin})
	}
}

func (m *Middleware) authorize(w http.ResponseWriter, r *http.Request, next http.HandlerFunc, roles []auth.Role) {
	token := r.Header.Get("Authorization")
	if token == "" {
		writeError(w, "Authorization header required", http.StatusUnauthorized)
		return
	}

	claims, err := m.jwtAuth.Authorize(token, roles...)
	switch {
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, "Role not permitted for this endpoint", http.StatusForbidden)
		return
	case err != nil:
		writeError(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
		return
	}

	next(w, r.WithContext(context.WithValue(r.Context(), ClaimsKey, claims)))
}

// CORS middleware adds CORS headers for browser compatibility
func (m *Middleware) CORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Logging middleware logs each request and counts it under route.
func (m *Middleware) Logging(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		m.recorder.HTTPRequest(route, rec.status)
		m.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	}
}

// Recovery middleware recovers from panics and returns 500 error
func (m *Middleware) Recovery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.Error("Panic in HTTP handler", zap.Any("panic", err), zap.String("path", r.URL.Path))
				writeError(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// GetClaims extracts the JWT claims from the request context
func GetClaims(r *http.Request) *auth.Claims {
	if claims, ok := r.Context().Value(ClaimsKey).(*auth.Claims); ok {
		return claims
	}
	return nil
}

// writeError writes an error response as JSON
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
