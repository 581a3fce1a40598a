// Package peerlink implements both ends of the node-to-beehive uplink: a
// gRPC server that enqueues pushed payloads on the beehive, and a
// transport.Publisher that pushes from a node, used by the shovel that
// drains the node's to-beehive queue.
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rmacdonaldsmith/waggle-router/internal/auth"
	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/peerlink"
)

type nodeKey struct{}

// NodeFromContext returns the node authenticated for the current call.
func NodeFromContext(ctx context.Context) (envelope.ID, bool) {
	id, ok := ctx.Value(nodeKey{}).(envelope.ID)
	return id, ok
}

// Server accepts uplink pushes from nodes.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	recorder *metrics.Recorder
	grpc     *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

// Ensure Server implements peerlink.UplinkServer
var _ peerlink.UplinkServer = (*Server)(nil)

// NewServer creates an uplink server. Call Start or Serve to accept calls.
func NewServer(cfg Config) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("component", "uplink"), zap.String("queue", cfg.Queue)),
		recorder: cfg.Recorder,
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MaxMessageSize),
		grpc.ChainUnaryInterceptor(s.authenticate),
	}
	if cfg.TLSCertFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s.grpc = grpc.NewServer(opts...)
	peerlink.RegisterUplinkServer(s.grpc, s)
	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	if s.cfg.ListenAddress == "" {
		return errors.New("uplink server: ListenAddress is required")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	go func() {
		if err := s.Serve(ln); err != nil {
			s.logger.Error("Uplink server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Serve accepts calls on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Uplink server listening", zap.String("addr", ln.Addr().String()))
	return s.grpc.Serve(ln)
}

// Addr returns the listening address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight pushes and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Push enqueues one payload from an authenticated node.
func (s *Server) Push(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	node, _ := NodeFromContext(ctx)
	payload := in.GetValue()
	logger := s.logger.With(zap.String("node", node.String()))

	if dest := destinationFrom(ctx); dest != "" && dest != s.cfg.Destination {
		s.recorder.UplinkPush("in", "invalid")
		return nil, status.Errorf(codes.InvalidArgument, "destination %q is not served here", dest)
	}

	if s.cfg.Codec != nil {
		if err := s.checkSender(node, payload); err != nil {
			logger.Warn("Refusing uplink payload",
				zap.Bool("security", true),
				zap.Int("size", len(payload)),
				zap.String("digest", faults.Digest(payload)),
				zap.Error(err))
			s.recorder.UplinkPush("in", "invalid")
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	if err := s.cfg.Publisher.Publish(ctx, s.cfg.Queue, payload); err != nil {
		logger.Error("Failed to enqueue uplink payload", zap.Error(err))
		s.recorder.UplinkPush("in", "error")
		return nil, status.Errorf(codes.Unavailable, "enqueue: %v", err)
	}

	s.recorder.UplinkPush("in", "ok")
	return &emptypb.Empty{}, nil
}

func (s *Server) checkSender(node envelope.ID, payload []byte) error {
	envelopes, err := s.cfg.Codec.DecodeEnvelopes(payload)
	if err != nil {
		return err
	}
	for i, e := range envelopes {
		if e.SenderID != node {
			return fmt.Errorf("envelope %d: sender %s is not the authenticated node", i, e.SenderID)
		}
	}
	return nil
}

// authenticate admits calls carrying a valid node token.
func (s *Server) authenticate(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	tokens := md.Get(peerlink.AuthorizationKey)
	if len(tokens) == 0 {
		s.recorder.UplinkPush("in", "unauthenticated")
		return nil, status.Error(codes.Unauthenticated, "authorization metadata required")
	}

	claims, err := s.cfg.Auth.Authorize(tokens[0], auth.RoleNode)
	switch {
	case errors.Is(err, auth.ErrForbidden):
		s.recorder.UplinkPush("in", "forbidden")
		return nil, status.Error(codes.PermissionDenied, "node token required")
	case err != nil:
		s.recorder.UplinkPush("in", "unauthenticated")
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	return handler(context.WithValue(ctx, nodeKey{}, envelope.ID(claims.Subject)), req)
}

func destinationFrom(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(peerlink.DestinationKey); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}
