package httpapi

import (
	"bytes"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmacdonaldsmith/waggle-router/internal/auth"
	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/internal/relay"
	"github.com/rmacdonaldsmith/waggle-router/internal/transport/memory"
	"github.com/rmacdonaldsmith/waggle-router/internal/validator"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

const testSecret = "test-secret-key"

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Broker *memory.Broker
	Codec  envelope.Codec
	Server *Server
	Auth   *auth.JWTAuth
}

// NewTestServerSetup creates an ingress wired to a memory broker. mutate
// may adjust the server config before it is built.
func NewTestServerSetup(t *testing.T, mutate func(*Config)) *TestServerSetup {
	t.Helper()

	broker := memory.NewBroker()
	t.Cleanup(func() { _ = broker.Close() })
	c := codec.New(codec.DefaultOptions())

	v, err := validator.New(validator.Config{Codec: c, NodeID: "0000000000000abc", DeviceID: "0000000000000001"})
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	ingress, err := relay.NewHandler(relay.HandlerConfig{
		Processor: v,
		Publisher: broker,
		Retry:     relay.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Failed to create relay handler: %v", err)
	}

	reg := prometheus.NewRegistry()
	cfg := Config{
		SecretKey: testSecret,
		Ingress:   ingress,
		Registry:  reg,
		Recorder:  metrics.NewRecorder(reg),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	return &TestServerSetup{
		Broker: broker,
		Codec:  c,
		Server: server,
		Auth:   auth.NewJWTAuth(testSecret, 0),
	}
}

// GenerateTestToken creates a JWT token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, subject string, role auth.Role) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(subject, role)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// Do sends one request through the server's routes.
func (setup *TestServerSetup) Do(method, path, token, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	setup.Server.Handler().ServeHTTP(rec, req)
	return rec
}

// EncodeMessage builds a one-envelope message carrying units.
func (setup *TestServerSetup) EncodeMessage(t *testing.T, units ...envelope.Unit) []byte {
	t.Helper()
	body, err := setup.Codec.EncodeUnits(units)
	if err != nil {
		t.Fatalf("Failed to encode units: %v", err)
	}
	data, err := setup.Codec.EncodeEnvelopes([]envelope.Envelope{{ReceiverSubID: "0000000000000007", Body: body}})
	if err != nil {
		t.Fatalf("Failed to encode envelopes: %v", err)
	}
	return data
}
