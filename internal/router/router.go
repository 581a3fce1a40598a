// Package router implements the content router: it decodes one consumed
// message, asks the routing policy where each envelope (or unit) goes,
// groups by destination and re-encodes one payload per destination.
package router

import (
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/internal/ordered"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

const component = "router"

// ErrConsumed is yielded when a route sequence is iterated a second time.
var ErrConsumed = routing.ErrConsumed

// Config holds the router's collaborators.
type Config struct {
	Codec    envelope.Codec
	Policy   routing.Policy
	Logger   *zap.Logger
	Recorder *metrics.Recorder
}

// Validate checks that required collaborators are set.
func (c Config) Validate() error {
	if c.Codec == nil {
		return errors.New("router: Codec is required")
	}
	if c.Policy == nil {
		return errors.New("router: Policy is required")
	}
	return nil
}

// Router routes messages with one fixed policy.
// It holds no per-message state and is safe for concurrent use.
type Router struct {
	codec    envelope.Codec
	policy   routing.Policy
	logger   *zap.Logger
	recorder *metrics.Recorder
}

// Ensure Router implements routing.Processor
var _ routing.Processor = (*Router)(nil)

// New creates a router.
func New(cfg Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		codec:    cfg.Codec,
		policy:   cfg.Policy,
		logger:   logger.With(zap.String("component", component), zap.String("mode", string(cfg.Policy.Mode()))),
		recorder: cfg.Recorder,
	}, nil
}

// Mode returns the routing mode of the router's policy.
func (r *Router) Mode() routing.Mode {
	return r.policy.Mode()
}

// RouteMessage returns the routes derived from one consumed message.
//
// Destinations are yielded in first-seen order; within a destination the
// input order is kept. Nothing is deduplicated. A malformed message yields
// a single poison error and nothing else. The sequence may be consumed
// once; later iterations yield ErrConsumed.
func (r *Router) RouteMessage(data []byte) iter.Seq2[routing.Route, error] {
	var consumed atomic.Bool
	return func(yield func(routing.Route, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(routing.Route{}, ErrConsumed)
			return
		}

		groups, err := r.group(data)
		if err != nil {
			yield(routing.Route{}, err)
			return
		}

		for destination, envelopes := range groups.All() {
			payload, err := r.codec.EncodeEnvelopes(envelopes)
			if err != nil {
				yield(routing.Route{}, faults.Poison(component, "encode",
					fmt.Errorf("destination %s: %w", destination, err)))
				return
			}
			if !yield(routing.Route{Destination: destination, Payload: payload}, nil) {
				return
			}
		}
	}
}

// Process implements routing.Processor. Routers ignore the sender identity.
func (r *Router) Process(_ string, data []byte) iter.Seq2[routing.Route, error] {
	return r.RouteMessage(data)
}

func (r *Router) group(data []byte) (*ordered.Multimap[string, envelope.Envelope], error) {
	envelopes, err := r.codec.DecodeEnvelopes(data)
	if err != nil {
		return nil, faults.Poison(component, "decode", err)
	}

	policy := r.policy
	if s, ok := policy.(routing.Snapshotter); ok {
		policy = s.Snapshot()
	}

	groups := ordered.NewMultimap[string, envelope.Envelope]()
	switch policy.Scope() {
	case routing.ScopeEnvelope:
		for i := range envelopes {
			ctx := routing.Context{Envelope: &envelopes[i]}
			if !policy.IsRoutable(ctx) {
				r.dropped(ctx)
				continue
			}
			groups.Append(policy.RouteFor(ctx), envelopes[i])
		}

	case routing.ScopeUnit:
		for i := range envelopes {
			units, err := r.codec.DecodeUnits(envelopes[i].Body)
			if err != nil {
				return nil, faults.Poison(component, "decode", fmt.Errorf("envelope %d body: %w", i, err))
			}
			for j := range units {
				ctx := routing.Context{Envelope: &envelopes[i], Unit: &units[j]}
				if !policy.IsRoutable(ctx) {
					r.dropped(ctx)
					continue
				}
				body, err := r.codec.EncodeUnits(units[j : j+1])
				if err != nil {
					return nil, faults.Poison(component, "encode", fmt.Errorf("envelope %d unit %d: %w", i, j, err))
				}
				groups.Append(policy.RouteFor(ctx), envelopes[i].WithBody(body))
			}
		}

	default:
		return nil, faults.Fatal(component, "route", fmt.Errorf("unsupported policy scope %s", policy.Scope()))
	}
	return groups, nil
}

func (r *Router) dropped(ctx routing.Context) {
	fields := []zap.Field{
		zap.String("receiver_id", ctx.Envelope.ReceiverID.String()),
		zap.String("receiver_sub_id", ctx.Envelope.ReceiverSubID.String()),
	}
	if ctx.Unit != nil {
		fields = append(fields, zap.Stringer("plugin", ctx.Unit.Identity()))
	}
	r.logger.Info("dropping unroutable item", fields...)
	r.recorder.UnitDropped(string(r.policy.Mode()))
}
