package httpclient

import (
	"fmt"
	"time"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the router HTTP API (e.g., "http://localhost:8080")
	ServerURL string

	// Token is sent as a bearer token. Plugins use a plugin token, operators
	// an admin token.
	Token string

	// Identity is sent in the X-Waggle-Identity header, for servers running
	// without authentication.
	Identity string

	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxRetries bounds retries of publishes the server could not enqueue
	MaxRetries int

	// RetryDelay is the wait between retries when the server names none
	RetryDelay time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
}

// PublishResponse is returned when a message was forwarded
type PublishResponse struct {
	MessageID string    `json:"messageId"`
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenRequest asks for a token for subject acting as role
type TokenRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// TokenResponse carries an issued token
type TokenResponse struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StageHealth is the health of one router stage
type StageHealth struct {
	Healthy   bool   `json:"healthy"`
	Started   bool   `json:"started"`
	Queue     string `json:"queue"`
	Workers   int    `json:"workers"`
	Forwarded int64  `json:"forwarded"`
	Dropped   int64  `json:"dropped"`
	Requeued  int64  `json:"requeued"`
	Message   string `json:"message,omitempty"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy bool          `json:"healthy"`
	Nodes   []StageHealth `json:"nodes"`
	Message string        `json:"message,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// APIError is returned for responses with an error status.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("API error (%d): %s - %s", e.StatusCode, e.Status, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 503
}
