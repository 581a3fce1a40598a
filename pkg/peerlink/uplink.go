package peerlink

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "waggle.peerlink.v1.Uplink"

	// PushMethod is the full method name of Push.
	PushMethod = "/" + ServiceName + "/Push"

	// AuthorizationKey is the metadata key carrying the bearer token.
	AuthorizationKey = "authorization"

	// DestinationKey is the metadata key naming the queue the payload is
	// meant for.
	DestinationKey = "waggle-destination"
)

// UplinkServer is the server API for the Uplink service.
type UplinkServer interface {
	Push(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// RegisterUplinkServer registers srv with s.
func RegisterUplinkServer(s grpc.ServiceRegistrar, srv UplinkServer) {
	s.RegisterService(&uplinkServiceDesc, srv)
}

func pushHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UplinkServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: PushMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(UplinkServer).Push(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var uplinkServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*UplinkServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Push",
			Handler:    pushHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "waggle/peerlink/v1/uplink.proto",
}

// UplinkClient is the client API for the Uplink service.
type UplinkClient struct {
	cc grpc.ClientConnInterface
}

// NewUplinkClient creates a client over cc.
func NewUplinkClient(cc grpc.ClientConnInterface) *UplinkClient {
	return &UplinkClient{cc: cc}
}

// Push sends one payload.
func (c *UplinkClient) Push(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, PushMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
