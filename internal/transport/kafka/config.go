package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// Config configures the Kafka transport. Destinations map one-to-one to
// topics; the consumer group id is shared by every router worker of one
// stage so partitions are balanced across them.
type Config struct {
	Brokers  []string
	GroupID  string
	ClientID string

	// InitialOffset is "newest" or "oldest" and applies to groups without
	// committed offsets.
	InitialOffset string

	// RedeliveryDelay is how long a consumer waits before rejoining the
	// group after a nack.
	RedeliveryDelay time.Duration

	TLS         bool
	TLSCAPath   string
	TLSCertPath string
	TLSKeyPath  string

	// SASLMechanism is "", "PLAIN", "SCRAM-SHA-256" or "SCRAM-SHA-512".
	SASLMechanism string
	SASLUsername  string
	SASLPassword  string
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	if c.GroupID == "" {
		c.GroupID = "waggle-router"
	}
	if c.ClientID == "" {
		c.ClientID = "waggle-router"
	}
	if c.InitialOffset == "" {
		c.InitialOffset = "oldest"
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = time.Second
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: brokers required")
	}
	switch strings.ToLower(c.InitialOffset) {
	case "", "newest", "oldest":
	default:
		return fmt.Errorf("kafka: unknown initial offset %q", c.InitialOffset)
	}
	switch c.SASLMechanism {
	case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
	default:
		return fmt.Errorf("kafka: unsupported SASL mechanism %q", c.SASLMechanism)
	}
	if c.SASLMechanism == "PLAIN" && !c.TLS {
		return errors.New("kafka: SASL PLAIN requires TLS")
	}
	return nil
}

// saramaConfig builds the sarama configuration for both producer and consumers.
func saramaConfig(c Config) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = c.ClientID
	cfg.Version = sarama.V3_6_0_0

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 3
	cfg.Net.MaxOpenRequests = 1

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	if strings.EqualFold(c.InitialOffset, "newest") {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	if c.TLS {
		tlsConfig, err := buildTLSConfig(c)
		if err != nil {
			return nil, err
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tlsConfig
	}

	if c.SASLMechanism != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = c.SASLUsername
		cfg.Net.SASL.Password = c.SASLPassword
		switch c.SASLMechanism {
		case "PLAIN":
			cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
			}
		case "SCRAM-SHA-512":
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	return cfg, nil
}

func buildTLSConfig(c Config) (*tls.Config, error) {
	var pool *x509.CertPool
	if c.TLSCAPath != "" {
		pool = x509.NewCertPool()
		ca, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("kafka: read ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(ca) {
			return nil, errors.New("kafka: invalid ca cert")
		}
	} else {
		var err error
		pool, err = x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("kafka: load system ca: %w", err)
		}
	}

	var certs []tls.Certificate
	if c.TLSCertPath != "" && c.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("kafka: load client cert: %w", err)
		}
		certs = append(certs, cert)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: certs,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
