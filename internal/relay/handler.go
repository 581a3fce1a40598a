// Package relay connects a routing.Processor to a transport.
//
// A Handler settles one delivery: it derives every route from the message,
// publishes each derived payload, and acknowledges the original only after
// all of them were accepted. Poison messages are acknowledged and dropped.
// Anything else that goes wrong returns the message for redelivery, and a
// fatal error also halts the Node worker that handled it.
//
// A Node runs a pool of Handlers against one queue and, in table mode, keeps
// the admission table fresh.
package relay

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

const component = "relay"

// Outcome is the disposition of one delivery.
type Outcome int

const (
	// OutcomeForwarded means every derived payload was published and the
	// delivery was acknowledged.
	OutcomeForwarded Outcome = iota
	// OutcomeDropped means the delivery was poison and was acknowledged
	// without publishing anything.
	OutcomeDropped
	// OutcomeRequeued means the delivery was returned for redelivery.
	OutcomeRequeued
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeDropped:
		return "dropped"
	case OutcomeRequeued:
		return "requeued"
	default:
		return "unknown"
	}
}

// HandlerConfig holds a Handler's collaborators.
type HandlerConfig struct {
	Processor   routing.Processor
	Publisher   transport.Publisher
	Retry       RetryConfig
	ExcerptSize int
	Logger      *zap.Logger
	Recorder    *metrics.Recorder
}

// SetDefaults fills unset fields.
func (c *HandlerConfig) SetDefaults() {
	c.Retry.SetDefaults()
	if c.ExcerptSize <= 0 {
		c.ExcerptSize = faults.DefaultExcerptSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate checks that required collaborators are set.
func (c HandlerConfig) Validate() error {
	if c.Processor == nil {
		return errors.New("relay: Processor is required")
	}
	if c.Publisher == nil {
		return errors.New("relay: Publisher is required")
	}
	return c.Retry.Validate()
}

// Handler settles deliveries with ack-after-publish semantics.
// It is safe for concurrent use.
type Handler struct {
	processor   routing.Processor
	publisher   transport.Publisher
	retry       RetryConfig
	excerptSize int
	logger      *zap.Logger
	recorder    *metrics.Recorder
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{
		processor:   cfg.Processor,
		publisher:   cfg.Publisher,
		retry:       cfg.Retry,
		excerptSize: cfg.ExcerptSize,
		logger:      cfg.Logger.With(zap.String("component", component)),
		recorder:    cfg.Recorder,
	}, nil
}

// Handle processes and settles d. The returned error explains a drop or a
// requeue; it is nil when the delivery was forwarded.
//
// All routes are derived before anything is published, so a message that
// turns out to be poison halfway through publishes nothing. A publisher that
// rejects a payload as poison drops the message, even when earlier routes
// were already published.
func (h *Handler) Handle(ctx context.Context, d transport.Delivery) (Outcome, error) {
	start := time.Now()
	logger := h.logger.With(zap.String("message_id", d.ID()))

	routes, err := collect(h.processor.Process(d.UserID(), d.Body()))
	if err != nil {
		if faults.IsPoison(err) {
			return h.drop(ctx, d, logger, start, err)
		}
		return h.requeue(ctx, d, logger, start, err)
	}

	for _, route := range routes {
		if err := h.publish(ctx, route.Destination, route.Payload); err != nil {
			h.recorder.PublishFailed(route.Destination)
			if faults.IsPoison(err) {
				// The far side refused the payload itself; resending cannot help.
				return h.drop(ctx, d, logger, start, err)
			}
			return h.requeue(ctx, d, logger, start,
				faults.Transient(component, "publish", err))
		}
		h.recorder.RoutePublished(route.Destination)
	}

	if err := d.Ack(settleContext(ctx)); err != nil {
		// Every payload is out; a redelivery only produces duplicates.
		logger.Warn("Failed to acknowledge forwarded message", zap.Error(err))
		h.recorder.ObserveMessage(OutcomeForwarded.String(), time.Since(start))
		return OutcomeForwarded, faults.Transient(component, "ack", err)
	}

	logger.Debug("Forwarded message", zap.Int("routes", len(routes)))
	h.recorder.ObserveMessage(OutcomeForwarded.String(), time.Since(start))
	return OutcomeForwarded, nil
}

// HandlerFunc adapts the handler to transport.Consumer.
func (h *Handler) HandlerFunc() transport.HandlerFunc {
	return func(ctx context.Context, d transport.Delivery) {
		_, _ = h.Handle(ctx, d)
	}
}

func (h *Handler) drop(ctx context.Context, d transport.Delivery, logger *zap.Logger, start time.Time, cause error) (Outcome, error) {
	body := d.Body()
	logger.Warn("Dropping poison message",
		zap.Int("size", len(body)),
		zap.String("digest", faults.Digest(body)),
		zap.String("excerpt", faults.Excerpt(body, h.excerptSize)),
		zap.Error(cause))

	if err := d.Ack(settleContext(ctx)); err != nil {
		logger.Warn("Failed to acknowledge poison message", zap.Error(err))
	}
	h.recorder.ObserveMessage(OutcomeDropped.String(), time.Since(start))
	return OutcomeDropped, cause
}

func (h *Handler) requeue(ctx context.Context, d transport.Delivery, logger *zap.Logger, start time.Time, cause error) (Outcome, error) {
	if ctx.Err() != nil {
		logger.Info("Returning message after cancellation", zap.Error(cause))
	} else {
		logger.Error("Returning message for redelivery", zap.Error(cause))
	}

	if err := d.Nack(settleContext(ctx)); err != nil {
		logger.Warn("Failed to return message", zap.Error(err))
	}
	h.recorder.ObserveMessage(OutcomeRequeued.String(), time.Since(start))
	return OutcomeRequeued, cause
}

// collect drains routes. It stops at the first error.
func collect(routes iter.Seq2[routing.Route, error]) ([]routing.Route, error) {
	var out []routing.Route
	for r, err := range routes {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// settleContext keeps settlement possible after the processing context was
// cancelled, so that a cancelled delivery is still returned promptly.
func settleContext(ctx context.Context) context.Context {
	if ctx.Err() == nil {
		return ctx
	}
	return context.WithoutCancel(ctx)
}

