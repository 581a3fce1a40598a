package peerlink

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/auth"
	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// DefaultMaxMessageSize admits the largest codec frame plus headroom.
const DefaultMaxMessageSize = codec.MaxFrameSize + 1<<10

// Config holds configuration for the uplink server
type Config struct {
	ListenAddress string

	// Destination is the only destination pushes may name. Defaults to
	// routing.Beehive.
	Destination string

	// Queue receives every pushed payload. Defaults to Destination.
	Queue string

	MaxMessageSize int

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// Codec, when set, is used to check that every pushed envelope names
	// the authenticated node as its sender.
	Codec envelope.Codec

	Publisher transport.Publisher
	Auth      *auth.JWTAuth
	Logger    *zap.Logger
	Recorder  *metrics.Recorder
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Destination == "" {
		c.Destination = routing.Beehive
	}
	if c.Queue == "" {
		c.Queue = c.Destination
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Publisher == nil {
		return errors.New("uplink server: Publisher is required")
	}
	if c.Auth == nil {
		return errors.New("uplink server: Auth is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("uplink server: TLSCertFile and TLSKeyFile must be set together")
	}
	return nil
}

// ClientConfig holds configuration for the uplink client
type ClientConfig struct {
	// Target is the beehive uplink address, e.g. "beehive:9090".
	Target string

	// Token is a node token issued by the beehive.
	Token string

	// Insecure disables TLS. CAFile pins the server's CA otherwise; the
	// system roots are used when it is empty.
	Insecure   bool
	CAFile     string
	ServerName string

	// Timeout bounds one push.
	Timeout time.Duration

	MaxMessageSize int
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *ClientConfig) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
}

// Validate checks if the configuration is valid
func (c *ClientConfig) Validate() error {
	if c.Target == "" {
		return errors.New("uplink client: Target is required")
	}
	if c.Token == "" {
		return errors.New("uplink client: Token is required")
	}
	return nil
}
