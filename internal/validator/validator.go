// Package validator implements the ingress identity validator. It rewrites
// the provenance of every unit in a plugin's message from the identity the
// transport authenticated, and the sender of every envelope from the
// validator's own configured node and device.
package validator

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

const component = "validator"

// ErrMissingIdentity is returned when the transport supplied no sender identity.
var ErrMissingIdentity = errors.New("missing authenticated identity")

// Rejection reasons used in logs and metrics.
const (
	ReasonMissingIdentity = "missing_identity"
	ReasonInvalidIdentity = "invalid_identity"
	ReasonDecode          = "decode"
	ReasonEncode          = "encode"
)

// Config holds validator settings.
type Config struct {
	Codec envelope.Codec

	// NodeID and DeviceID are stamped as the sender of every envelope.
	// Empty or all-zero values are stamped as envelope.ZeroID.
	NodeID   envelope.ID
	DeviceID envelope.ID

	// Format reads transport credentials.
	Format envelope.IdentityFormat

	// Destination of every stamped payload. Defaults to routing.Beehive.
	Destination string

	// CacheSize and CacheTTL bound the memo of parsed credentials.
	CacheSize int
	CacheTTL  time.Duration

	// ExcerptSize bounds the payload excerpt in rejection logs.
	ExcerptSize int

	Logger   *zap.Logger
	Recorder *metrics.Recorder
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	if c.Format.IDBase == 0 {
		c.Format = envelope.DefaultIdentityFormat()
	}
	if c.Destination == "" {
		c.Destination = routing.Beehive
	}
	if c.NodeID.IsZero() {
		c.NodeID = envelope.ZeroID
	}
	if c.DeviceID.IsZero() {
		c.DeviceID = envelope.ZeroID
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.ExcerptSize <= 0 {
		c.ExcerptSize = faults.DefaultExcerptSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Codec == nil {
		return errors.New("validator: Codec is required")
	}
	if err := c.Format.Validate(); err != nil {
		return fmt.Errorf("validator: %w", err)
	}
	return nil
}

// Validator stamps authenticated provenance onto ingress messages.
// It is safe for concurrent use.
type Validator struct {
	cfg        Config
	logger     *zap.Logger
	identities *expirable.LRU[string, envelope.PluginIdentity]
}

// Ensure Validator implements routing.Processor
var _ routing.Processor = (*Validator)(nil)

// New creates a validator.
func New(cfg Config) (*Validator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{
		cfg:        cfg,
		logger:     cfg.Logger.With(zap.String("component", component)),
		identities: expirable.NewLRU[string, envelope.PluginIdentity](cfg.CacheSize, nil, cfg.CacheTTL),
	}, nil
}

// Destination returns where stamped payloads are sent.
func (v *Validator) Destination() string {
	return v.cfg.Destination
}

// Process stamps one message from the plugin authenticated as identity.
//
// On success it yields exactly one route to the configured destination. A
// missing or invalid identity, or a malformed payload, yields a single
// poison error and no route. The sequence may be consumed once.
func (v *Validator) Process(identity string, data []byte) iter.Seq2[routing.Route, error] {
	var consumed atomic.Bool
	return func(yield func(routing.Route, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(routing.Route{}, routing.ErrConsumed)
			return
		}
		payload, err := v.stamp(identity, data)
		if err != nil {
			yield(routing.Route{}, err)
			return
		}
		yield(routing.Route{Destination: v.cfg.Destination, Payload: payload}, nil)
	}
}

// ParseIdentity parses a credential with the configured format, consulting
// the memo first.
func (v *Validator) ParseIdentity(credential string) (envelope.PluginIdentity, error) {
	if id, ok := v.identities.Get(credential); ok {
		return id, nil
	}
	id, err := v.cfg.Format.Parse(credential)
	if err != nil {
		return envelope.PluginIdentity{}, err
	}
	v.identities.Add(credential, id)
	return id, nil
}

func (v *Validator) stamp(identity string, data []byte) ([]byte, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, v.reject(ReasonMissingIdentity, identity, data, ErrMissingIdentity)
	}
	id, err := v.ParseIdentity(identity)
	if err != nil {
		return nil, v.reject(ReasonInvalidIdentity, identity, data, err)
	}

	envelopes, err := v.cfg.Codec.DecodeEnvelopes(data)
	if err != nil {
		return nil, v.reject(ReasonDecode, identity, data, err)
	}

	for i := range envelopes {
		envelopes[i].SenderID = v.cfg.NodeID
		envelopes[i].SenderSubID = v.cfg.DeviceID
		// An empty body carries no units and stays empty.
		if len(envelopes[i].Body) == 0 {
			continue
		}
		units, err := v.cfg.Codec.DecodeUnits(envelopes[i].Body)
		if err != nil {
			return nil, v.reject(ReasonDecode, identity, data, fmt.Errorf("envelope %d body: %w", i, err))
		}
		for j := range units {
			units[j] = units[j].Stamp(id)
		}
		body, err := v.cfg.Codec.EncodeUnits(units)
		if err != nil {
			return nil, v.reject(ReasonEncode, identity, data, fmt.Errorf("envelope %d body: %w", i, err))
		}
		envelopes[i].Body = body
	}

	payload, err := v.cfg.Codec.EncodeEnvelopes(envelopes)
	if err != nil {
		return nil, v.reject(ReasonEncode, identity, data, err)
	}
	return payload, nil
}

func (v *Validator) reject(reason, identity string, data []byte, err error) error {
	v.logger.Warn("rejecting message",
		zap.Bool("security", true),
		zap.String("reason", reason),
		zap.String("identity", identity),
		zap.Int("size", len(data)),
		zap.String("digest", faults.Digest(data)),
		zap.String("excerpt", faults.Excerpt(data, v.cfg.ExcerptSize)),
		zap.Error(err),
	)
	v.cfg.Recorder.Rejected(reason)
	return faults.Poison(component, reason, err)
}
