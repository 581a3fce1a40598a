package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/auth"
	"github.com/rmacdonaldsmith/waggle-router/internal/relay"
	"github.com/rmacdonaldsmith/waggle-router/internal/validator"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// HealthSource reports the health of one relay node.
type HealthSource interface {
	GetHealth() relay.Health
}

// requestDelivery presents one request body to the relay handler. Settling
// it only records the decision.
type requestDelivery struct {
	id       string
	body     []byte
	identity string
	settled  string
}

func (d *requestDelivery) ID() string     { return d.id }
func (d *requestDelivery) Body() []byte   { return d.body }
func (d *requestDelivery) UserID() string { return d.identity }

func (d *requestDelivery) Ack(context.Context) error  { return d.settle("ack") }
func (d *requestDelivery) Nack(context.Context) error { return d.settle("nack") }

func (d *requestDelivery) settle(how string) error {
	if d.settled != "" {
		return transport.ErrAlreadySettled
	}
	d.settled = how
	return nil
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	relay   *relay.Handler
	jwtAuth *auth.JWTAuth
	format  envelope.IdentityFormat
	maxBody int64
	health  []HealthSource
	logger  *zap.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(relayHandler *relay.Handler, jwtAuth *auth.JWTAuth, format envelope.IdentityFormat, maxBody int64, health []HealthSource, logger *zap.Logger) *Handlers {
	return &Handlers{
		relay:   relayHandler,
		jwtAuth: jwtAuth,
		format:  format,
		maxBody: maxBody,
		health:  health,
		logger:  logger,
	}
}

// PublishMessage handles POST /api/v1/messages. The body is an encoded
// envelope list; the sender identity is the token subject.
func (h *Handlers) PublishMessage(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r)
	if claims == nil {
		writeError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, fmt.Sprintf("Message exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	d := &requestDelivery{id: uuid.NewString(), body: body, identity: claims.Subject}
	outcome, err := h.relay.Handle(r.Context(), d)

	switch outcome {
	case relay.OutcomeForwarded:
		writeJSON(w, PublishResponse{
			MessageID: d.id,
			Identity:  d.identity,
			Timestamp: time.Now(),
		}, http.StatusAccepted)
	case relay.OutcomeDropped:
		if errors.Is(err, validator.ErrMissingIdentity) || errors.Is(err, envelope.ErrInvalidIdentity) {
			writeError(w, "Sender identity rejected", http.StatusForbidden)
			return
		}
		writeError(w, "Malformed message: "+err.Error(), http.StatusBadRequest)
	default:
		w.Header().Set("Retry-After", "1")
		writeError(w, "Message could not be forwarded, retry later", http.StatusServiceUnavailable)
	}
}

// IssueToken handles POST /api/v1/admin/tokens
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	role, subject, err := h.validateTokenRequest(req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	token, expiresAt, err := h.jwtAuth.GenerateToken(subject, role)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Issued token",
		zap.String("subject", subject),
		zap.String("role", string(role)),
		zap.String("issued_by", GetClaims(r).Subject))

	writeJSON(w, TokenResponse{
		Token:     token,
		Subject:   subject,
		Role:      string(role),
		ExpiresAt: expiresAt,
	}, http.StatusCreated)
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Healthy: true, Nodes: make([]relay.Health, 0, len(h.health))}
	for _, src := range h.health {
		nh := src.GetHealth()
		resp.Nodes = append(resp.Nodes, nh)
		if !nh.Healthy {
			resp.Healthy = false
			resp.Message = fmt.Sprintf("node on %s is not running", nh.Queue)
		}
	}

	statusCode := http.StatusOK
	if !resp.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, resp, statusCode)
}

// validateTokenRequest checks the subject against what the role
// authenticates and returns its canonical form.
func (h *Handlers) validateTokenRequest(req TokenRequest) (auth.Role, string, error) {
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		return "", "", err
	}
	if req.Subject == "" {
		return "", "", errors.New("subject is required")
	}

	switch role {
	case auth.RolePlugin:
		if _, err := h.format.Parse(req.Subject); err != nil {
			return "", "", err
		}
	case auth.RoleNode:
		id, err := envelope.NormalizeID(req.Subject)
		if err != nil {
			return "", "", err
		}
		return role, id.String(), nil
	}
	return role, req.Subject, nil
}

// validateJSON validates that the request has valid JSON content-type
func validateJSON(r *http.Request) error {
	if r.Header.Get("Content-Type") != "application/json" {
		return errors.New("Content-Type must be application/json")
	}
	return nil
}
