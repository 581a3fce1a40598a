package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/waggle-router/internal/relay"
)

// Request/Response types for the HTTP API

// PublishResponse is returned when a message was forwarded.
type PublishResponse struct {
	MessageID string    `json:"messageId"`
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenRequest asks for a token for subject acting as role.
type TokenRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// TokenResponse carries an issued token.
type TokenResponse struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy bool           `json:"healthy"`
	Nodes   []relay.Health `json:"nodes"`
	Message string         `json:"message,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
