// Package peerlink defines the node-to-beehive uplink service.
//
// A node forwards the payloads on its local to-beehive queue to the beehive
// over gRPC. The service has a single unary method:
//
//	service waggle.peerlink.v1.Uplink {
//	  rpc Push(google.protobuf.BytesValue) returns (google.protobuf.Empty);
//	}
//
// The request carries one encoded envelope list. A successful reply means
// the beehive durably enqueued the payload, so the node may acknowledge its
// local copy. Calls carry the node's token in the "authorization" metadata
// key and the intended queue in the "waggle-destination" key.
//
// Status codes:
//   - Unauthenticated: missing or invalid token
//   - PermissionDenied: the token is not a node token
//   - InvalidArgument: the payload was refused; resending cannot succeed
//   - Unavailable: the beehive could not enqueue; retry later
//
// Example usage:
//
//	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
//	if err != nil {
//		return err
//	}
//	client := peerlink.NewUplinkClient(conn)
//	_, err = client.Push(ctx, wrapperspb.Bytes(payload))
package peerlink
