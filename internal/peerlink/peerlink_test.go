package peerlink

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rmacdonaldsmith/waggle-router/internal/auth"
	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/internal/codec/codectest"
	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	"github.com/rmacdonaldsmith/waggle-router/internal/relay"
	"github.com/rmacdonaldsmith/waggle-router/internal/transport/memory"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

const (
	testSecret = "uplink-test-secret"
	testNode   = "0000000000000abc"
)

type uplinkFixture struct {
	server   *Server
	beehive  *memory.Broker
	jwtAuth  *auth.JWTAuth
	listener *bufconn.Listener
}

func newUplinkFixture(t *testing.T, mutate func(*Config)) *uplinkFixture {
	t.Helper()
	f := &uplinkFixture{
		beehive:  memory.NewBroker(),
		jwtAuth:  auth.NewJWTAuth(testSecret, time.Hour),
		listener: bufconn.Listen(1 << 20),
	}
	cfg := Config{Publisher: f.beehive, Auth: f.jwtAuth}
	if mutate != nil {
		mutate(&cfg)
	}

	var err error
	f.server, err = NewServer(cfg)
	require.NoError(t, err)

	go func() { _ = f.server.Serve(f.listener) }()
	t.Cleanup(func() {
		f.server.Stop()
		_ = f.beehive.Close()
	})
	return f
}

func (f *uplinkFixture) token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	token, _, err := f.jwtAuth.GenerateToken(subject, role)
	require.NoError(t, err)
	return token
}

// publisher dials the fixture over bufconn with the given token.
func (f *uplinkFixture) publisher(t *testing.T, token string) *Publisher {
	t.Helper()
	opts := []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return f.listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(tokenCredentials{token: token}))
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)

	p := NewPublisher(conn, ClientConfig{Target: "bufnet", Token: token, Timeout: 5 * time.Second}, nil, nil)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPush_EnqueuesOnBeehive(t *testing.T) {
	f := newUplinkFixture(t, nil)
	p := f.publisher(t, f.token(t, testNode, auth.RoleNode))

	require.NoError(t, p.Publish(context.Background(), routing.Beehive, []byte("payload")))
	assert.Equal(t, [][]byte{[]byte("payload")}, f.beehive.Messages(routing.Beehive))
}

func TestPush_MissingTokenIsTransient(t *testing.T) {
	f := newUplinkFixture(t, nil)
	p := f.publisher(t, "")

	err := p.Publish(context.Background(), routing.Beehive, []byte("x"))
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, codes.Unauthenticated, status.Code(errors.Unwrap(err)))
	assert.Empty(t, f.beehive.Messages(routing.Beehive))
}

func TestPush_ForeignTokenIsUnauthenticated(t *testing.T) {
	f := newUplinkFixture(t, nil)
	other := auth.NewJWTAuth("some-other-secret", time.Hour)
	token, _, err := other.GenerateToken(testNode, auth.RoleNode)
	require.NoError(t, err)

	err = f.publisher(t, token).Publish(context.Background(), routing.Beehive, []byte("x"))
	assert.Equal(t, codes.Unauthenticated, status.Code(errors.Unwrap(err)))
}

func TestPush_PluginTokenIsDenied(t *testing.T) {
	f := newUplinkFixture(t, nil)
	p := f.publisher(t, f.token(t, "plugin-1-0.0-0", auth.RolePlugin))

	err := p.Publish(context.Background(), routing.Beehive, []byte("x"))
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, codes.PermissionDenied, status.Code(errors.Unwrap(err)))
}

func TestPush_WrongDestinationIsPoison(t *testing.T) {
	f := newUplinkFixture(t, nil)
	p := f.publisher(t, f.token(t, testNode, auth.RoleNode))

	err := p.Publish(context.Background(), "to-node-0000000000000001", []byte("x"))
	assert.True(t, faults.IsPoison(err))
	assert.Empty(t, f.beehive.Queues())
}

func TestPush_SenderMustMatchNode(t *testing.T) {
	c := codec.New(codec.DefaultOptions())
	f := newUplinkFixture(t, func(cfg *Config) { cfg.Codec = c })
	p := f.publisher(t, f.token(t, testNode, auth.RoleNode))
	ctx := context.Background()

	own := codectest.MustEncodeEnvelopes(t, c, envelope.Envelope{SenderID: testNode})
	require.NoError(t, p.Publish(ctx, routing.Beehive, own))

	spoofed := codectest.MustEncodeEnvelopes(t, c, envelope.Envelope{SenderID: "0000000000000def"})
	assert.True(t, faults.IsPoison(p.Publish(ctx, routing.Beehive, spoofed)))

	assert.True(t, faults.IsPoison(p.Publish(ctx, routing.Beehive, []byte("not cbor"))))
	assert.Len(t, f.beehive.Messages(routing.Beehive), 1)
}

func TestPush_ClosedBeehiveIsUnavailable(t *testing.T) {
	f := newUplinkFixture(t, nil)
	p := f.publisher(t, f.token(t, testNode, auth.RoleNode))
	require.NoError(t, f.beehive.Close())

	err := p.Publish(context.Background(), routing.Beehive, []byte("x"))
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(err)))
}

func TestForward_SingleUse(t *testing.T) {
	seq := Forward{Destination: "to-beehive"}.Process("", []byte("x"))

	var routes []routing.Route
	for r, err := range seq {
		require.NoError(t, err)
		routes = append(routes, r)
	}
	assert.Equal(t, []routing.Route{{Destination: "to-beehive", Payload: []byte("x")}}, routes)

	for _, err := range seq {
		assert.ErrorIs(t, err, routing.ErrConsumed)
	}
}

func TestShovel_DrainsToBeehive(t *testing.T) {
	f := newUplinkFixture(t, nil)
	uplink := f.publisher(t, f.token(t, testNode, auth.RoleNode))

	local := memory.NewBroker()
	t.Cleanup(func() { _ = local.Close() })

	shovel, err := NewShovel(ShovelConfig{
		Broker: local,
		Uplink: uplink,
		Retry:  relay.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, shovel.Start(context.Background()))
	t.Cleanup(func() { _ = shovel.Close() })

	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, local.Publish(ctx, routing.Beehive, []byte(body)))
	}

	require.Eventually(t, func() bool {
		return len(f.beehive.Messages(routing.Beehive)) == 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return local.Depth(routing.Beehive) == 0 && local.InFlight(routing.Beehive) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), shovel.GetHealth().Forwarded)
}

func TestShovel_DropsRefusedPayload(t *testing.T) {
	c := codec.New(codec.DefaultOptions())
	f := newUplinkFixture(t, func(cfg *Config) { cfg.Codec = c })
	uplink := f.publisher(t, f.token(t, testNode, auth.RoleNode))

	local := memory.NewBroker()
	t.Cleanup(func() { _ = local.Close() })

	shovel, err := NewShovel(ShovelConfig{Broker: local, Uplink: uplink})
	require.NoError(t, err)
	require.NoError(t, shovel.Start(context.Background()))
	t.Cleanup(func() { _ = shovel.Close() })

	require.NoError(t, local.Publish(context.Background(), routing.Beehive, []byte("garbage")))

	require.Eventually(t, func() bool { return shovel.GetHealth().Dropped == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, local.Depth(routing.Beehive))
	assert.Empty(t, f.beehive.Messages(routing.Beehive))
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewServer(Config{Auth: auth.NewJWTAuth("k", time.Hour)})
	assert.Error(t, err)
	_, err = NewServer(Config{Publisher: memory.NewBroker()})
	assert.Error(t, err)
	_, err = NewServer(Config{Publisher: memory.NewBroker(), Auth: auth.NewJWTAuth("k", time.Hour), TLSCertFile: "cert.pem"})
	assert.Error(t, err)

	_, err = Dial(ClientConfig{Token: "t"}, nil, nil)
	assert.Error(t, err)
	_, err = Dial(ClientConfig{Target: "beehive:9090"}, nil, nil)
	assert.Error(t, err)
}

func TestPush_EnqueuesOnConfiguredQueue(t *testing.T) {
	f := newUplinkFixture(t, func(cfg *Config) { cfg.Queue = "messages" })
	p := f.publisher(t, f.token(t, testNode, auth.RoleNode))

	require.NoError(t, p.Publish(context.Background(), routing.Beehive, []byte("payload")))
	assert.Len(t, f.beehive.Messages("messages"), 1)
	assert.Empty(t, f.beehive.Messages(routing.Beehive))
}
