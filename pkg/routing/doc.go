// Package routing defines how consumed messages are mapped to destinations.
//
// This package defines the core abstractions for routing:
//   - Mode: the process-wide addressing domain (beehive, node, plugin, table)
//   - Policy: a pure mapping from one addressed item to a destination name
//   - Route: one (destination, payload) pair handed back to the transport
//   - Processor: anything that turns one consumed message into routes
//
// A Policy is evaluated either once per Envelope (ScopeEnvelope) or once per
// Unit inside each Envelope (ScopeUnit). Policies hold no mutable state and
// perform no I/O. A policy backed by an external store implements
// Snapshotter; callers take one snapshot per processed message so the whole
// message sees one consistent answer.
//
// Destination grammar:
//
//	to-node-<receiver_sub_id>                                  beehive -> node
//	to-device-<receiver_sub_id>                                node -> device
//	to-plugin-<plugin_id>-<plugin_major_version>-<plugin_instance>  node -> plugin
//	to-beehive                                                 device -> beehive
//
// Example usage:
//
//	for route, err := range processor.Process(identity, data) {
//		if err != nil {
//			return err // disposition decided by the error class
//		}
//		if err := publisher.Publish(ctx, route.Destination, route.Payload); err != nil {
//			return err // leave the message unacknowledged
//		}
//	}
//	return delivery.Ack(ctx)
package routing
