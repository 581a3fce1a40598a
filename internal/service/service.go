// Package service assembles a router process from its configuration: the
// transport, one relay node per configured stage, the optional HTTP ingress
// and admin API, and both ends of the uplink.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/auth"
	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/internal/config"
	"github.com/rmacdonaldsmith/waggle-router/internal/httpapi"
	"github.com/rmacdonaldsmith/waggle-router/internal/logging"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/internal/peerlink"
	"github.com/rmacdonaldsmith/waggle-router/internal/relay"
	"github.com/rmacdonaldsmith/waggle-router/internal/router"
	policies "github.com/rmacdonaldsmith/waggle-router/internal/routing"
	"github.com/rmacdonaldsmith/waggle-router/internal/transport/kafka"
	"github.com/rmacdonaldsmith/waggle-router/internal/transport/memory"
	"github.com/rmacdonaldsmith/waggle-router/internal/transport/natsjs"
	"github.com/rmacdonaldsmith/waggle-router/internal/validator"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// ErrClosed is returned when starting a closed service.
var ErrClosed = errors.New("service is closed")

// Deps overrides what New would otherwise build from the configuration.
// Every field is optional.
type Deps struct {
	// Broker replaces the configured transport. The caller keeps ownership.
	Broker transport.Broker

	Logger   *zap.Logger
	Registry *prometheus.Registry

	// HTTPListener and UplinkListener replace the configured addresses.
	HTTPListener   net.Listener
	UplinkListener net.Listener
}

// Health is the health of every stage.
type Health struct {
	Healthy bool           `json:"healthy"`
	Stages  []relay.Health `json:"stages"`
	Message string         `json:"message,omitempty"`
}

// Service is one router process.
type Service struct {
	mu  sync.Mutex
	cfg *config.Config

	logger   *zap.Logger
	registry *prometheus.Registry
	recorder *metrics.Recorder
	codec    envelope.Codec

	broker     transport.Broker
	ownsBroker bool
	logCloser  io.Closer
	tableStore *policies.TableStore
	table      *policies.Table
	uplink     *peerlink.Publisher
	uplinkSrv  *peerlink.Server
	httpSrv    *httpapi.Server
	nodes      []*relay.Node
	httpLn     net.Listener
	uplinkLn   net.Listener
	errs       chan error
	started    bool
	closed     bool
}

// New builds a service from cfg. cfg must have been loaded or validated.
// Nothing consumes until Start.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		logger:   deps.Logger,
		registry: deps.Registry,
		broker:   deps.Broker,
		httpLn:   deps.HTTPListener,
		uplinkLn: deps.UplinkListener,
		errs:     make(chan error, 2),
	}
	if err := s.build(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	cfg := s.cfg
	var err error
	if s.logger == nil {
		s.logger, s.logCloser, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}
	s.logger = s.logger.With(zap.String("node_id", cfg.NodeID), zap.String("device_id", cfg.DeviceID))

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.recorder = metrics.NewRecorder(s.registry)

	opts, err := cfg.Codec.Options()
	if err != nil {
		return err
	}
	s.codec = codec.New(opts)

	if s.broker == nil {
		if s.broker, err = openBroker(ctx, cfg, s.logger); err != nil {
			return err
		}
		s.ownsBroker = true
	}

	if cfg.Table.Path != "" {
		if s.tableStore, err = policies.OpenTableStore(cfg.Table.Path); err != nil {
			return err
		}
		s.table = policies.NewTable(s.tableStore)
	}

	if cfg.HasStage(config.StageShovel) {
		s.uplink, err = peerlink.Dial(peerlink.ClientConfig{
			Target:     cfg.Uplink.Target,
			Token:      cfg.Uplink.Token,
			Insecure:   cfg.Uplink.Insecure,
			CAFile:     cfg.Uplink.CAFile,
			ServerName: cfg.Uplink.ServerName,
			Timeout:    cfg.Uplink.Timeout,
		}, s.logger, s.recorder)
		if err != nil {
			return err
		}
	}

	for i, stage := range cfg.Stages {
		node, err := s.buildStage(stage)
		if err != nil {
			return fmt.Errorf("stage %d (%s %s): %w", i, stage.Kind, stage.Queue, err)
		}
		s.nodes = append(s.nodes, node)
	}

	if cfg.Uplink.Listen != "" || s.uplinkLn != nil {
		if err := s.buildUplinkServer(); err != nil {
			return err
		}
	}

	if cfg.HTTP.Enabled || s.httpLn != nil {
		if err := s.buildHTTPServer(); err != nil {
			return err
		}
	}

	return nil
}

func openBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transport.Broker, error) {
	switch strings.ToLower(cfg.Transport.Kind) {
	case "", config.TransportMemory:
		return memory.NewBroker(), nil
	case config.TransportKafka:
		b, err := kafka.New(cfg.Transport.Kafka.Transport(), logger.Named("kafka"))
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.TransportNATS:
		b, err := natsjs.Connect(ctx, cfg.Transport.NATS.Transport(), logger.Named("nats"))
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

func (s *Service) newValidator(destination string) (*validator.Validator, error) {
	return validator.New(validator.Config{
		Codec:       s.codec,
		NodeID:      s.cfg.Node(),
		DeviceID:    s.cfg.Device(),
		Format:      s.cfg.Identity.Format(),
		Destination: destination,
		Logger:      s.logger,
		Recorder:    s.recorder,
	})
}

func (s *Service) buildStage(stage config.StageConfig) (*relay.Node, error) {
	nodeCfg := relay.Config{
		Queue:    stage.Queue,
		Workers:  stage.Workers,
		Broker:   s.broker,
		Retry:    s.cfg.Retry.Relay(),
		Logger:   s.logger.With(zap.String("stage", string(stage.Kind))),
		Recorder: s.recorder,
	}

	switch stage.Kind {
	case config.StageValidator:
		v, err := s.newValidator(stage.Destination)
		if err != nil {
			return nil, err
		}
		nodeCfg.Processor = v

	case config.StageRouter:
		mode, err := routing.ParseMode(stage.Mode)
		if err != nil {
			return nil, err
		}
		policy, err := policies.New(mode, s.table)
		if err != nil {
			return nil, err
		}
		r, err := router.New(router.Config{Codec: s.codec, Policy: policy, Logger: s.logger, Recorder: s.recorder})
		if err != nil {
			return nil, err
		}
		nodeCfg.Processor = r
		if mode == routing.ModeTable {
			nodeCfg.Table = s.table
			nodeCfg.RefreshInterval = s.cfg.Table.RefreshInterval
		}

	case config.StageShovel:
		return peerlink.NewShovel(peerlink.ShovelConfig{
			Queue:       stage.Queue,
			Destination: stage.Destination,
			Broker:      s.broker,
			Uplink:      s.uplink,
			Workers:     stage.Workers,
			Retry:       s.cfg.Retry.Relay(),
			Logger:      s.logger,
			Recorder:    s.recorder,
		})

	default:
		return nil, fmt.Errorf("unknown stage kind %q", stage.Kind)
	}

	return relay.NewNode(nodeCfg)
}

func (s *Service) buildUplinkServer() error {
	uc := peerlink.Config{
		ListenAddress: s.cfg.Uplink.Listen,
		Destination:   s.cfg.Uplink.Destination,
		Queue:         s.cfg.Uplink.Queue,
		TLSCertFile:   s.cfg.Uplink.TLSCertFile,
		TLSKeyFile:    s.cfg.Uplink.TLSKeyFile,
		Publisher:     s.broker,
		Auth:          auth.NewJWTAuth(s.cfg.HTTP.SecretKey, s.cfg.HTTP.TokenTTL),
		Logger:        s.logger,
		Recorder:      s.recorder,
	}
	if s.cfg.Uplink.CheckSender {
		uc.Codec = s.codec
	}
	srv, err := peerlink.NewServer(uc)
	if err != nil {
		return err
	}
	s.uplinkSrv = srv
	return nil
}

func (s *Service) buildHTTPServer() error {
	hc := httpapi.Config{
		Addr:         s.cfg.HTTP.Addr,
		SecretKey:    s.cfg.HTTP.SecretKey,
		TokenTTL:     s.cfg.HTTP.TokenTTL,
		NoAuth:       s.cfg.HTTP.NoAuth,
		MaxBodyBytes: s.cfg.HTTP.MaxBodyBytes,
		Format:       s.cfg.Identity.Format(),
		Registry:     s.registry,
		Logger:       s.logger,
		Recorder:     s.recorder,
	}
	for _, n := range s.nodes {
		hc.Nodes = append(hc.Nodes, n)
	}

	if s.cfg.HTTP.Ingress {
		destination := routing.Beehive
		for _, stage := range s.cfg.Stages {
			if stage.Kind == config.StageValidator {
				destination = stage.Destination
				break
			}
		}
		v, err := s.newValidator(destination)
		if err != nil {
			return err
		}
		hc.Ingress, err = relay.NewHandler(relay.HandlerConfig{
			Processor: v,
			Publisher: s.broker,
			Retry:     s.cfg.Retry.Relay(),
			Logger:    s.logger.With(zap.String("stage", "http_ingress")),
			Recorder:  s.recorder,
		})
		if err != nil {
			return err
		}
	}

	srv, err := httpapi.NewServer(hc)
	if err != nil {
		return err
	}
	s.httpSrv = srv
	return nil
}

// Start starts the servers and every stage. Errors from servers that stop
// unexpectedly are reported on Errors. If any part fails to start, the
// parts already running are stopped before the error is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	var (
		uplinkServing bool
		running       []*relay.Node
	)
	rollback := func(cause error) error {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout())
		defer cancel()
		errs := []error{cause}
		if uplinkServing {
			s.uplinkSrv.Stop()
		}
		for _, n := range running {
			errs = append(errs, n.Stop(stopCtx))
		}
		s.logger.Error("Service failed to start", zap.Error(cause), zap.Int("stages_rolled_back", len(running)))
		return errors.Join(errs...)
	}

	if s.uplinkSrv != nil {
		ln := s.uplinkLn
		if ln == nil {
			var err error
			if ln, err = net.Listen("tcp", s.cfg.Uplink.Listen); err != nil {
				return fmt.Errorf("uplink listen on %s: %w", s.cfg.Uplink.Listen, err)
			}
		}
		go s.serve("uplink", func() error { return s.uplinkSrv.Serve(ln) })
		uplinkServing = true
	}

	for _, n := range s.nodes {
		if err := n.Start(ctx); err != nil {
			return rollback(err)
		}
		running = append(running, n)
	}

	if s.httpSrv != nil {
		ln := s.httpLn
		if ln == nil {
			var err error
			if ln, err = net.Listen("tcp", s.cfg.HTTP.Addr); err != nil {
				return rollback(fmt.Errorf("http listen on %s: %w", s.cfg.HTTP.Addr, err))
			}
		}
		go s.serve("http", func() error { return s.httpSrv.Serve(ln) })
	}

	s.started = true
	s.logger.Info("Service started",
		zap.Int("stages", len(s.nodes)),
		zap.String("transport", s.cfg.Transport.Kind),
		zap.Bool("http", s.httpSrv != nil),
		zap.Bool("uplink_server", s.uplinkSrv != nil))
	return nil
}

func (s *Service) serve(name string, serve func() error) {
	if err := serve(); err != nil {
		s.logger.Error("Server stopped", zap.String("server", name), zap.Error(err))
		select {
		case s.errs <- fmt.Errorf("%s: %w", name, err):
		default:
		}
	}
}

// Errors reports servers that stopped with an error.
func (s *Service) Errors() <-chan error {
	return s.errs
}

// Stop stops accepting work, then stops every stage. In-flight messages
// are returned for redelivery.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	var errs []error
	if s.httpSrv != nil {
		errs = append(errs, s.httpSrv.Stop(ctx))
	}
	if s.uplinkSrv != nil {
		s.uplinkSrv.Stop()
	}
	for _, n := range s.nodes {
		errs = append(errs, n.Stop(ctx))
	}

	s.logger.Info("Service stopped")
	return errors.Join(errs...)
}

// Close stops the service and releases every resource it opened.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	stopErr := s.Stop(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stopErr
	}
	s.closed = true

	errs := []error{stopErr}
	for _, n := range s.nodes {
		errs = append(errs, n.Close())
	}
	if s.uplink != nil {
		errs = append(errs, s.uplink.Close())
	}
	if s.tableStore != nil {
		errs = append(errs, s.tableStore.Close())
	}
	if s.ownsBroker && s.broker != nil {
		errs = append(errs, s.broker.Close())
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	if s.logCloser != nil {
		errs = append(errs, s.logCloser.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) shutdownTimeout() time.Duration {
	if s.cfg != nil && s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 30 * time.Second
}

// GetHealth returns the health of every stage.
func (s *Service) GetHealth() Health {
	h := Health{Healthy: true}
	var unhealthy []string
	for _, n := range s.nodes {
		nh := n.GetHealth()
		h.Stages = append(h.Stages, nh)
		if !nh.Healthy {
			h.Healthy = false
			unhealthy = append(unhealthy, nh.Queue)
		}
	}
	if len(unhealthy) > 0 {
		h.Message = "unhealthy stages: " + strings.Join(unhealthy, ", ")
	}
	return h
}

// Logger returns the service logger.
func (s *Service) Logger() *zap.Logger { return s.logger }

// Handler returns the HTTP API routes, or nil when HTTP is disabled.
func (s *Service) Handler() http.Handler {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Handler()
}
