package peerlink

import (
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/internal/relay"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// Forward is a processor that routes every message, unchanged, to one
// destination.
type Forward struct {
	Destination string
}

// Ensure Forward implements routing.Processor
var _ routing.Processor = Forward{}

// Process yields data as a single route. The sequence may be consumed once.
func (f Forward) Process(_ string, data []byte) iter.Seq2[routing.Route, error] {
	var consumed atomic.Bool
	return func(yield func(routing.Route, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(routing.Route{}, routing.ErrConsumed)
			return
		}
		yield(routing.Route{Destination: f.Destination, Payload: data}, nil)
	}
}

// ShovelConfig configures a shovel.
type ShovelConfig struct {
	// Queue is the local queue drained across the uplink.
	Queue string

	// Destination is named on every push. Defaults to Queue.
	Destination string

	// Broker is the local broker Queue is consumed from.
	Broker transport.Broker

	// Uplink pushes to the beehive.
	Uplink transport.Publisher

	Workers  int
	Retry    relay.RetryConfig
	Logger   *zap.Logger
	Recorder *metrics.Recorder
}

// NewShovel creates a relay node that moves every message on a local queue,
// by default to-beehive, across the uplink. Messages are acknowledged locally
// only once the far side has enqueued them; a payload it refuses is dropped.
func NewShovel(cfg ShovelConfig) (*relay.Node, error) {
	if cfg.Uplink == nil {
		return nil, errors.New("shovel: Uplink is required")
	}
	if cfg.Queue == "" {
		cfg.Queue = routing.Beehive
	}
	if cfg.Destination == "" {
		cfg.Destination = cfg.Queue
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return relay.NewNode(relay.Config{
		Queue:        cfg.Queue,
		Workers:      cfg.Workers,
		Processor:    Forward{Destination: cfg.Destination},
		Broker:       cfg.Broker,
		Publisher:    cfg.Uplink,
		RestartDelay: time.Second,
		Retry:        cfg.Retry,
		Logger:       cfg.Logger.Named("shovel"),
		Recorder:     cfg.Recorder,
	})
}
