package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

var (
	// ErrEmptyQueue is returned when no input queue is configured.
	ErrEmptyQueue = errors.New("input queue cannot be empty")
	// ErrNodeClosed is returned when starting a closed node.
	ErrNodeClosed = errors.New("node is closed")
)

// Refresher reloads a routing table. *routing.Table from internal/routing
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

// Config represents configuration for a Node.
type Config struct {
	// Queue is the input queue consumed by the node.
	Queue string

	// Workers is the number of concurrent consumers on Queue.
	Workers int

	// Processor derives routes from each consumed message.
	Processor routing.Processor

	// Broker consumes Queue and publishes derived payloads. The caller owns it.
	Broker transport.Broker

	// Publisher, when set, publishes derived payloads instead of Broker.
	Publisher transport.Publisher

	// Table, when set, is refreshed on Start and every RefreshInterval.
	Table           Refresher
	RefreshInterval time.Duration

	// RestartDelay is the pause before a worker resumes after its consumer
	// failed.
	RestartDelay time.Duration

	Retry       RetryConfig
	ExcerptSize int
	Logger      *zap.Logger
	Recorder    *metrics.Recorder
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate validates the configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.Queue == "" {
		return ErrEmptyQueue
	}
	if c.Processor == nil {
		return errors.New("relay: Processor is required")
	}
	if c.Broker == nil {
		return errors.New("relay: Broker is required")
	}
	return nil
}

// Health reports a node's state and what it has done so far.
type Health struct {
	Healthy   bool   `json:"healthy"`
	Started   bool   `json:"started"`
	Queue     string `json:"queue"`
	Workers   int    `json:"workers"`
	Halted    int    `json:"halted,omitempty"`
	Forwarded int64  `json:"forwarded"`
	Dropped   int64  `json:"dropped"`
	Requeued  int64  `json:"requeued"`
	Message   string `json:"message,omitempty"`
}

// Node consumes one queue with a pool of workers and relays every message
// through its processor.
type Node struct {
	mu      sync.Mutex
	cfg     Config
	handler *Handler
	logger  *zap.Logger

	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	forwarded atomic.Int64
	dropped   atomic.Int64
	requeued  atomic.Int64
	halted    atomic.Int32
	lastErr   atomic.Pointer[string]
}

// NewNode creates a node. Call Start to begin consuming.
func NewNode(cfg Config) (*Node, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = cfg.Broker
	}
	handler, err := NewHandler(HandlerConfig{
		Processor:   cfg.Processor,
		Publisher:   publisher,
		Retry:       cfg.Retry,
		ExcerptSize: cfg.ExcerptSize,
		Logger:      cfg.Logger,
		Recorder:    cfg.Recorder,
	})
	if err != nil {
		return nil, err
	}

	return &Node{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.With(zap.String("component", component), zap.String("queue", cfg.Queue)),
	}, nil
}

// Start refreshes the routing table, if any, and launches the workers.
// The workers run until ctx is done or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if n.cfg.Table != nil {
		// A failed first load leaves the table empty, which admits nothing.
		n.refresh(runCtx)
		n.wg.Add(1)
		go n.refreshLoop(runCtx)
	}

	n.halted.Store(0)
	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(1)
		go n.work(runCtx, i)
	}

	n.started = true
	n.logger.Info("Node started", zap.Int("workers", n.cfg.Workers))
	return nil
}

// Stop cancels the workers and waits for them until ctx is done. Messages
// in flight are returned for redelivery.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.cancel()
	n.started = false
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Node stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop node: %w", ctx.Err())
	}
}

// Close stops the node and marks it permanently closed. It does not close
// the broker.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return n.Stop(ctx)
}

// GetHealth returns the node's health.
func (n *Node) GetHealth() Health {
	n.mu.Lock()
	started, closed := n.started, n.closed
	n.mu.Unlock()

	halted := int(n.halted.Load())
	h := Health{
		Healthy:   started && !closed && halted == 0,
		Started:   started,
		Queue:     n.cfg.Queue,
		Workers:   n.cfg.Workers,
		Halted:    halted,
		Forwarded: n.forwarded.Load(),
		Dropped:   n.dropped.Load(),
		Requeued:  n.requeued.Load(),
	}
	if msg := n.lastErr.Load(); msg != nil {
		h.Message = *msg
	}
	if closed {
		h.Message = "closed"
	}
	return h
}

// work consumes the queue until ctx is done. A fatal processing error
// returns the message and stops this worker for good.
func (n *Node) work(ctx context.Context, id int) {
	defer n.wg.Done()
	logger := n.logger.With(zap.Int("worker", id))

	ctx, halt := context.WithCancel(ctx)
	defer halt()
	var fatal atomic.Pointer[error]

	handle := func(ctx context.Context, d transport.Delivery) {
		outcome, err := n.handler.Handle(ctx, d)
		switch outcome {
		case OutcomeForwarded:
			n.forwarded.Add(1)
		case OutcomeDropped:
			n.dropped.Add(1)
		case OutcomeRequeued:
			n.requeued.Add(1)
		}
		if faults.IsFatal(err) && fatal.CompareAndSwap(nil, &err) {
			halt()
		}
	}

	for {
		err := n.cfg.Broker.Consume(ctx, n.cfg.Queue, handle)
		if cause := fatal.Load(); cause != nil {
			msg := fmt.Sprintf("worker %d halted: %v", id, *cause)
			n.lastErr.Store(&msg)
			n.halted.Add(1)
			logger.Error("Fatal processing error, worker halted", zap.Error(*cause))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, transport.ErrClosed) {
			logger.Info("Transport closed, worker exiting")
			return
		}

		msg := fmt.Sprintf("consumer failed: %v", err)
		n.lastErr.Store(&msg)
		logger.Error("Consumer failed, restarting", zap.Error(err), zap.Duration("delay", n.cfg.RestartDelay))

		timer := time.NewTimer(n.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (n *Node) refreshLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.refresh(ctx)
		}
	}
}

func (n *Node) refresh(ctx context.Context) {
	count, err := n.cfg.Table.Refresh(ctx)
	if err != nil {
		if ctx.Err() == nil {
			n.logger.Warn("Failed to refresh routing table, keeping previous snapshot", zap.Error(err))
		}
		return
	}
	n.cfg.Recorder.SetAdmittedNodes(count)
	n.logger.Debug("Routing table refreshed", zap.Int("admitted", count))
}
