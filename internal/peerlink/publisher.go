package peerlink

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	"github.com/rmacdonaldsmith/waggle-router/internal/metrics"
	"github.com/rmacdonaldsmith/waggle-router/pkg/peerlink"
	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// tokenCredentials attaches a bearer node token to every call.
type tokenCredentials struct {
	token  string
	secure bool
}

func (c tokenCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	token := c.token
	if !strings.HasPrefix(token, "Bearer ") {
		token = "Bearer " + token
	}
	return map[string]string{peerlink.AuthorizationKey: token}, nil
}

func (c tokenCredentials) RequireTransportSecurity() bool { return c.secure }

// Publisher pushes payloads to a beehive over the uplink. It satisfies
// transport.Publisher, so a relay node can use it in place of its broker.
type Publisher struct {
	conn     *grpc.ClientConn
	client   *peerlink.UplinkClient
	cfg      ClientConfig
	logger   *zap.Logger
	recorder *metrics.Recorder
}

// Ensure Publisher implements transport.Publisher
var _ transport.Publisher = (*Publisher)(nil)

// Dial connects to the beehive described by cfg. The connection is
// established lazily on the first push.
func Dial(cfg ClientConfig, logger *zap.Logger, recorder *metrics.Recorder) (*Publisher, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	creds := insecure.NewCredentials()
	if !cfg.Insecure {
		if cfg.CAFile != "" {
			tlsCreds, err := credentials.NewClientTLSFromFile(cfg.CAFile, cfg.ServerName)
			if err != nil {
				return nil, fmt.Errorf("failed to load CA file: %w", err)
			}
			creds = tlsCreds
		} else {
			creds = credentials.NewClientTLSFromCert(nil, cfg.ServerName)
		}
	}

	conn, err := grpc.NewClient(cfg.Target,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(tokenCredentials{token: cfg.Token, secure: !cfg.Insecure}),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(cfg.MaxMessageSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create uplink client for %s: %w", cfg.Target, err)
	}

	return NewPublisher(conn, cfg, logger, recorder), nil
}

// NewPublisher wraps an existing connection. Close closes conn.
func NewPublisher(conn *grpc.ClientConn, cfg ClientConfig, logger *zap.Logger, recorder *metrics.Recorder) *Publisher {
	cfg.SetDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		conn:     conn,
		client:   peerlink.NewUplinkClient(conn),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "uplink"), zap.String("target", cfg.Target)),
		recorder: recorder,
	}
}

// Publish pushes payload to the beehive, naming destination as the queue it
// is meant for. A payload the beehive refuses is reported as poison.
func (p *Publisher) Publish(ctx context.Context, destination string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, peerlink.DestinationKey, destination)

	_, err := p.client.Push(ctx, wrapperspb.Bytes(payload))
	if err == nil {
		p.recorder.UplinkPush("out", "ok")
		return nil
	}

	switch status.Code(err) {
	case codes.InvalidArgument:
		p.recorder.UplinkPush("out", "invalid")
		return faults.Poison("uplink", "push", err)
	case codes.Unauthenticated, codes.PermissionDenied:
		// A revoked or expired token; the message waits for an operator.
		p.recorder.UplinkPush("out", "unauthenticated")
		p.logger.Error("Beehive refused node credentials", zap.Error(err))
		return faults.Transient("uplink", "push", err)
	default:
		p.recorder.UplinkPush("out", "error")
		return faults.Transient("uplink", "push", err)
	}
}

// Close closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}
