// Package transport defines the contract between the routing core and a
// durable message transport.
//
// This package defines the core abstractions for the transport boundary:
//   - Delivery: one consumed message with its authenticated sender and its
//     acknowledgement handles
//   - Publisher: durably accepts a payload for a named destination
//   - Consumer: feeds deliveries from a named queue to a handler
//
// Destinations and queues share one namespace: a payload published to
// "to-device-D1" is consumed from queue "to-device-D1". Adapters create
// destinations on first use.
//
// Acknowledgement discipline:
//   - A handler settles every delivery exactly once, with Ack or Nack.
//   - Ack is called only after every payload derived from the delivery was
//     accepted by Publish.
//   - Nack (or returning without settling) leaves the message for
//     redelivery. Redelivery re-runs routing, so downstream consumers see
//     duplicates; delivery is at-least-once.
//
// Example usage:
//
//	err := broker.Consume(ctx, "messages", func(ctx context.Context, d transport.Delivery) {
//		if err := forward(ctx, d.Body()); err != nil {
//			_ = d.Nack(ctx)
//			return
//		}
//		_ = d.Ack(ctx)
//	})
package transport
