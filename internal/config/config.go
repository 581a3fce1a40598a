// Package config loads the router's YAML configuration and applies the
// WAGGLE_* environment overrides on top of it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/internal/logging"
	"github.com/rmacdonaldsmith/waggle-router/internal/relay"
	"github.com/rmacdonaldsmith/waggle-router/internal/transport/kafka"
	"github.com/rmacdonaldsmith/waggle-router/internal/transport/natsjs"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

// Environment variables read by Load.
const (
	EnvNodeID       = "WAGGLE_NODE_ID"
	EnvDeviceID     = "WAGGLE_DEVICE_ID"
	EnvRouterMode   = "WAGGLE_ROUTER_MODE"
	EnvTransport    = "WAGGLE_TRANSPORT"
	EnvKafkaBrokers = "WAGGLE_KAFKA_BROKERS"
	EnvNATSURL      = "WAGGLE_NATS_URL"
	EnvSecretKey    = "WAGGLE_SECRET_KEY"
	EnvLogLevel     = "WAGGLE_LOG_LEVEL"
	EnvUplinkToken  = "WAGGLE_UPLINK_TOKEN"
)

// DefaultIngressQueue is consumed by validator stages without a queue.
const DefaultIngressQueue = "ingress"

// DefaultMessagesQueue is where uplinked payloads land and where beehive and
// node routers read by default.
const DefaultMessagesQueue = "messages"

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportKafka  = "kafka"
	TransportNATS   = "nats"
)

// StageKind names what a stage does with its queue.
type StageKind string

const (
	// StageValidator stamps plugin messages with their authenticated identity.
	StageValidator StageKind = "validator"
	// StageRouter routes by a routing.Mode.
	StageRouter StageKind = "router"
	// StageShovel pushes its queue across the uplink.
	StageShovel StageKind = "shovel"
)

// Config is the complete router process configuration.
type Config struct {
	// NodeID and DeviceID identify this process. They are normalised to 16
	// lowercase hex digits.
	NodeID   string `yaml:"node_id"`
	DeviceID string `yaml:"device_id"`

	// Mode is the routing mode of router stages that name none. When no
	// stages are configured, a single router stage runs in this mode.
	Mode string `yaml:"mode"`

	Identity  IdentityConfig  `yaml:"identity"`
	Codec     CodecConfig     `yaml:"codec"`
	Transport TransportConfig `yaml:"transport"`
	Stages    []StageConfig   `yaml:"stages"`
	Retry     RetryConfig     `yaml:"retry"`
	Table     TableConfig     `yaml:"table"`
	HTTP      HTTPConfig      `yaml:"http"`
	Uplink    UplinkConfig    `yaml:"uplink"`
	Log       logging.Config  `yaml:"log"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IdentityConfig describes the plugin credential grammar.
type IdentityConfig struct {
	// IDBase is 10 or 16.
	IDBase int `yaml:"id_base"`

	// MinorOptional accepts plugin-<id>-<major>-<instance> credentials.
	MinorOptional bool `yaml:"minor_optional"`
}

// Format returns the envelope.IdentityFormat described by c.
func (c IdentityConfig) Format() envelope.IdentityFormat {
	return envelope.IdentityFormat{IDBase: c.IDBase, MinorRequired: !c.MinorOptional}
}

// CodecConfig configures frame compression.
type CodecConfig struct {
	// Compression is none, lz4 or zstd.
	Compression string `yaml:"compression"`
	Threshold   int    `yaml:"threshold"`
}

// Options returns the codec options described by c.
func (c CodecConfig) Options() (codec.Options, error) {
	compression, err := codec.ParseCompression(c.Compression)
	if err != nil {
		return codec.Options{}, err
	}
	return codec.Options{Compression: compression, Threshold: c.Threshold}, nil
}

// TransportConfig selects and configures the message transport.
type TransportConfig struct {
	// Kind is memory, kafka or nats.
	Kind  string      `yaml:"kind"`
	Kafka KafkaConfig `yaml:"kafka"`
	NATS  NATSConfig  `yaml:"nats"`
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	GroupID         string        `yaml:"group_id"`
	ClientID        string        `yaml:"client_id"`
	InitialOffset   string        `yaml:"initial_offset"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay"`
	TLS             bool          `yaml:"tls"`
	TLSCAPath       string        `yaml:"tls_ca"`
	TLSCertPath     string        `yaml:"tls_cert"`
	TLSKeyPath      string        `yaml:"tls_key"`
	SASLMechanism   string        `yaml:"sasl_mechanism"`
	SASLUsername    string        `yaml:"sasl_username"`
	SASLPassword    string        `yaml:"sasl_password"`
}

// Transport returns the kafka package configuration.
func (c KafkaConfig) Transport() kafka.Config {
	return kafka.Config{
		Brokers:         c.Brokers,
		GroupID:         c.GroupID,
		ClientID:        c.ClientID,
		InitialOffset:   c.InitialOffset,
		RedeliveryDelay: c.RedeliveryDelay,
		TLS:             c.TLS,
		TLSCAPath:       c.TLSCAPath,
		TLSCertPath:     c.TLSCertPath,
		TLSKeyPath:      c.TLSKeyPath,
		SASLMechanism:   c.SASLMechanism,
		SASLUsername:    c.SASLUsername,
		SASLPassword:    c.SASLPassword,
	}
}

// NATSConfig configures the NATS JetStream transport.
type NATSConfig struct {
	URL             string        `yaml:"url"`
	Name            string        `yaml:"name"`
	Stream          string        `yaml:"stream"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	AckWait         time.Duration `yaml:"ack_wait"`
	MaxDeliver      int           `yaml:"max_deliver"`
	NakDelay        time.Duration `yaml:"nak_delay"`
	CredentialsFile string        `yaml:"credentials_file"`
}

// Transport returns the natsjs package configuration.
func (c NATSConfig) Transport() natsjs.Config {
	return natsjs.Config{
		URL:             c.URL,
		Name:            c.Name,
		Stream:          c.Stream,
		SubjectPrefix:   c.SubjectPrefix,
		AckWait:         c.AckWait,
		MaxDeliver:      c.MaxDeliver,
		NakDelay:        c.NakDelay,
		CredentialsFile: c.CredentialsFile,
	}
}

// StageConfig is one consumer stage of the process.
type StageConfig struct {
	Kind StageKind `yaml:"kind"`

	// Mode is the routing mode of a router stage.
	Mode string `yaml:"mode"`

	// Queue is consumed by the stage.
	Queue string `yaml:"queue"`

	// Destination is where a validator publishes stamped messages, or the
	// destination a shovel names on every push.
	Destination string `yaml:"destination"`

	Workers int `yaml:"workers"`
}

// RetryConfig bounds publish retries.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Relay returns the relay package configuration.
func (c RetryConfig) Relay() relay.RetryConfig {
	return relay.RetryConfig{MaxAttempts: c.MaxAttempts, InitialDelay: c.InitialDelay, MaxDelay: c.MaxDelay}
}

// TableConfig locates the admission table used in table mode.
type TableConfig struct {
	Path            string        `yaml:"path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// HTTPConfig configures the plugin ingress and admin API.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	SecretKey string        `yaml:"secret_key"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// NoAuth trusts the identity header instead of tokens. Development only.
	NoAuth bool `yaml:"no_auth"`

	// Ingress serves POST /api/v1/messages with the validator stage settings.
	Ingress      bool  `yaml:"ingress"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// UplinkConfig configures both ends of the uplink. Listen enables the
// server; Target is used by shovel stages.
type UplinkConfig struct {
	Listen      string `yaml:"listen"`
	Destination string `yaml:"destination"`
	Queue       string `yaml:"queue"`
	CheckSender bool   `yaml:"check_sender"`
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`

	Target     string        `yaml:"target"`
	Token      string        `yaml:"token"`
	Insecure   bool          `yaml:"insecure"`
	CAFile     string        `yaml:"ca_file"`
	ServerName string        `yaml:"server_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Load reads the YAML file at path, if any, applies environment overrides
// and defaults, normalises node ids and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(bytes.NewReader(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML without applying the environment.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the WAGGLE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvNodeID); ok {
		c.NodeID = v
	}
	if v, ok := get(EnvDeviceID); ok {
		c.DeviceID = v
	}
	if v, ok := get(EnvRouterMode); ok {
		c.Mode = v
	}
	if v, ok := get(EnvTransport); ok {
		c.Transport.Kind = v
	}
	if v, ok := get(EnvKafkaBrokers); ok {
		c.Transport.Kafka.Brokers = splitAndTrim(v)
	}
	if v, ok := get(EnvNATSURL); ok {
		c.Transport.NATS.URL = v
	}
	if v, ok := get(EnvSecretKey); ok {
		c.HTTP.SecretKey = v
	}
	if v, ok := get(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := get(EnvUplinkToken); ok {
		c.Uplink.Token = v
	}
}

// Normalize rewrites NodeID and DeviceID to their canonical form. Empty ids
// become the zero id.
func (c *Config) Normalize() error {
	node, err := normalizeID(c.NodeID)
	if err != nil {
		return fmt.Errorf("node_id: %w", err)
	}
	device, err := normalizeID(c.DeviceID)
	if err != nil {
		return fmt.Errorf("device_id: %w", err)
	}
	c.NodeID, c.DeviceID = node.String(), device.String()
	return nil
}

func normalizeID(s string) (envelope.ID, error) {
	if s == "" {
		return envelope.ZeroID, nil
	}
	return envelope.NormalizeID(s)
}

// Node returns the configured node id.
func (c *Config) Node() envelope.ID { return envelope.ID(c.NodeID) }

// Device returns the configured device id.
func (c *Config) Device() envelope.ID { return envelope.ID(c.DeviceID) }

// SetDefaults fills unset fields. Run Normalize first so that per-stage
// queue defaults see the canonical ids.
func (c *Config) SetDefaults() {
	if c.NodeID == "" {
		c.NodeID = envelope.ZeroID.String()
	}
	if c.DeviceID == "" {
		c.DeviceID = envelope.ZeroID.String()
	}
	if c.Identity.IDBase == 0 {
		c.Identity.IDBase = 10
	}
	if c.Codec.Threshold <= 0 {
		c.Codec.Threshold = codec.DefaultOptions().Threshold
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportMemory
	}
	if len(c.Stages) == 0 && c.Mode != "" {
		c.Stages = []StageConfig{{Kind: StageRouter}}
	}
	for i := range c.Stages {
		c.setStageDefaults(&c.Stages[i])
	}
	if c.Table.RefreshInterval <= 0 {
		c.Table.RefreshInterval = 30 * time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.TokenTTL <= 0 {
		c.HTTP.TokenTTL = 24 * time.Hour
	}
	if c.Uplink.Destination == "" {
		c.Uplink.Destination = routing.Beehive
	}
	if c.Uplink.Queue == "" {
		c.Uplink.Queue = DefaultMessagesQueue
	}
	if c.Uplink.Timeout <= 0 {
		c.Uplink.Timeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	c.Log.SetDefaults()
}

func (c *Config) setStageDefaults(s *StageConfig) {
	if s.Workers <= 0 {
		s.Workers = 1
	}
	switch s.Kind {
	case StageValidator:
		if s.Queue == "" {
			s.Queue = DefaultIngressQueue
		}
		if s.Destination == "" {
			s.Destination = routing.Beehive
		}
	case StageRouter:
		if s.Mode == "" {
			s.Mode = c.Mode
		}
		if s.Queue == "" {
			s.Queue = defaultRouterQueue(routing.Mode(strings.ToLower(s.Mode)), c.Device())
		}
	case StageShovel:
		if s.Queue == "" {
			s.Queue = routing.Beehive
		}
		if s.Destination == "" {
			s.Destination = s.Queue
		}
	}
}

// defaultRouterQueue follows the hop structure: beehive and node routers
// read the uplinked messages queue, plugin routers read their device queue.
func defaultRouterQueue(mode routing.Mode, device envelope.ID) string {
	if mode == routing.ModePlugin {
		return routing.ToDevice(device)
	}
	return DefaultMessagesQueue
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := envelope.NormalizeID(c.NodeID); err != nil {
		return fmt.Errorf("node_id: %w", err)
	}
	if _, err := envelope.NormalizeID(c.DeviceID); err != nil {
		return fmt.Errorf("device_id: %w", err)
	}
	if err := c.Identity.Format().Validate(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if _, err := c.Codec.Options(); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	if err := c.validateTransport(); err != nil {
		return err
	}
	retry := c.Retry.Relay()
	retry.SetDefaults()
	if err := retry.Validate(); err != nil {
		return err
	}

	if len(c.Stages) == 0 && !c.HTTP.Enabled && c.Uplink.Listen == "" {
		return errors.New("nothing to run: configure stages, http or uplink.listen")
	}
	for i, s := range c.Stages {
		if err := c.validateStage(s); err != nil {
			return fmt.Errorf("stages[%d]: %w", i, err)
		}
	}

	if c.HTTP.Enabled && !c.HTTP.NoAuth && c.HTTP.SecretKey == "" {
		return fmt.Errorf("http: secret_key (or %s) is required unless no_auth is set", EnvSecretKey)
	}
	if c.Uplink.Listen != "" && c.HTTP.SecretKey == "" {
		return fmt.Errorf("uplink: secret_key (or %s) is required to authenticate nodes", EnvSecretKey)
	}
	if (c.Uplink.TLSCertFile == "") != (c.Uplink.TLSKeyFile == "") {
		return errors.New("uplink: tls_cert and tls_key must be set together")
	}

	return c.Log.Validate()
}

func (c *Config) validateTransport() error {
	switch strings.ToLower(c.Transport.Kind) {
	case TransportMemory:
		return nil
	case TransportKafka:
		kc := c.Transport.Kafka.Transport()
		kc.SetDefaults()
		return kc.Validate()
	case TransportNATS:
		nc := c.Transport.NATS.Transport()
		nc.SetDefaults()
		return nc.Validate()
	default:
		return fmt.Errorf("transport: unknown kind %q", c.Transport.Kind)
	}
}

func (c *Config) validateStage(s StageConfig) error {
	if s.Queue == "" {
		return errors.New("queue is required")
	}
	switch s.Kind {
	case StageValidator:
		return nil
	case StageRouter:
		mode, err := routing.ParseMode(s.Mode)
		if err != nil {
			return err
		}
		if mode == routing.ModeTable && c.Table.Path == "" {
			return errors.New("table mode requires table.path")
		}
		return nil
	case StageShovel:
		if c.Uplink.Target == "" || c.Uplink.Token == "" {
			return fmt.Errorf("shovel requires uplink.target and uplink.token (or %s)", EnvUplinkToken)
		}
		return nil
	default:
		return fmt.Errorf("unknown stage kind %q", s.Kind)
	}
}

// HasStage reports whether any stage is of kind k.
func (c *Config) HasStage(k StageKind) bool {
	for _, s := range c.Stages {
		if s.Kind == k {
			return true
		}
	}
	return false
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
