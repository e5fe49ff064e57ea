package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/c360/nodemesh/codec"
	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/payload"
	"github.com/c360/nodemesh/pkg/worker"
)

type inlineExec struct{}

func (inlineExec) Execute(task worker.Task) error {
	task(context.Background())
	return nil
}

type rejectingExec struct{}

func (rejectingExec) Execute(worker.Task) error { return errors.ErrResourceExhausted }

type sent struct {
	channel string
	packet  payload.Value
}

// fakeBackend records subscriptions and publishes and lets tests inject
// inbound packets.
type fakeBackend struct {
	mu         sync.Mutex
	hooks      Hooks
	codec      codec.Codec
	subs       []string
	pubs       []sent
	publishErr error
	closed     bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{codec: codec.NewJSON()}
}

func (b *fakeBackend) Connect(_ context.Context, h Hooks) error {
	b.mu.Lock()
	b.hooks = h
	b.mu.Unlock()
	h.OnConnected()
	return nil
}

func (b *fakeBackend) Subscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	b.subs = append(b.subs, channel)
	h := b.hooks
	b.mu.Unlock()
	h.OnSubscribed(channel)
	return nil
}

func (b *fakeBackend) Publish(_ context.Context, channel string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	p, err := b.codec.Decode(data)
	if err != nil {
		return err
	}
	b.pubs = append(b.pubs, sent{channel: channel, packet: p})
	return nil
}

func (b *fakeBackend) Close(context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subs...)
}

func (b *fakeBackend) publishedOn(channel string) []payload.Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []payload.Value
	for _, s := range b.pubs {
		if s.channel == channel {
			out = append(out, s.packet)
		}
	}
	return out
}

func (b *fakeBackend) reset() {
	b.mu.Lock()
	b.pubs = nil
	b.mu.Unlock()
}

// inject delivers p from sender on channel, stamped with the protocol version
func (b *fakeBackend) inject(t *testing.T, channel, sender string, p payload.Value) {
	t.Helper()
	p = p.With("ver", payload.String(ProtocolVersion)).With("sender", payload.String(sender))
	data, err := b.codec.Encode(p)
	require.NoError(t, err)
	b.injectRaw(channel, data)
}

func (b *fakeBackend) injectRaw(channel string, data []byte) {
	b.mu.Lock()
	h := b.hooks
	b.mu.Unlock()
	h.OnMessage(channel, data, "conn-1")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingRegistry struct {
	mu      sync.Mutex
	packets []Command
}

func (r *recordingRegistry) Receive(cmd Command, _ payload.Value) {
	r.mu.Lock()
	r.packets = append(r.packets, cmd)
	r.mu.Unlock()
}

func (r *recordingRegistry) received() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.packets...)
}

type failures struct {
	mu   sync.Mutex
	errs []error
}

func (f *failures) hook(_ any, err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *failures) all() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

func startTransport(t *testing.T, b *fakeBackend, opts ...Option) *Transport {
	t.Helper()
	tr, err := New("node-a", b, codec.NewJSON(), inlineExec{}, opts...)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr
}

func TestChannels(t *testing.T) {
	c := NewChannels("", "n1")
	assert.Equal(t, "MOL", c.Prefix)
	assert.Equal(t, "MOL.EVENT.n1", c.Event)
	assert.Equal(t, "MOL.DISCOVER", c.DiscoverBroadcast)
	assert.Equal(t, "MOL.PONG.n1", c.Pong)
	assert.Equal(t, "MOL.INFO.n2", c.To(CmdInfo, "n2"))
	assert.Equal(t, "X.HEARTBEAT", Channel("X", CmdHeartbeat, ""))
}

func TestClassify(t *testing.T) {
	c := NewChannels("MOL", "n1")
	tests := []struct {
		channel string
		want    Command
		ok      bool
	}{
		{"MOL.EVENT.n1", CmdEvent, true},
		{"MOL.REQ.n1", CmdRequest, true},
		{"MOL.RES.n1", CmdResponse, true},
		{"MOL.DISCOVER", CmdDiscover, true},
		{"MOL.DISCOVER.n1", CmdDiscover, true},
		{"MOL.HEARTBEAT", CmdHeartbeat, true},
		{"MOL.PONG.n1", CmdPong, true},
		{"MOL.REQ.n2", 0, false},
		{"MOL.BOGUS", 0, false},
		{"OTHER.INFO", 0, false},
		{"MOLINFO", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			cmd, ok := c.Classify(tt.channel)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, cmd)
			}
		})
	}
}

func TestCommandNames(t *testing.T) {
	for _, cmd := range []Command{CmdEvent, CmdRequest, CmdResponse, CmdDiscover, CmdInfo, CmdDisconnect, CmdHeartbeat, CmdPing, CmdPong} {
		parsed, ok := ParseCommand(cmd.String())
		require.True(t, ok)
		assert.Equal(t, cmd, parsed)
	}
	_, ok := ParseCommand("NOPE")
	assert.False(t, ok)
	assert.Equal(t, "UNKNOWN", Command(200).String())
	assert.False(t, CmdRequest.IsControl())
	assert.True(t, CmdPing.IsControl())
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New("", newFakeBackend(), codec.NewJSON(), inlineExec{})
	assert.True(t, errors.IsInvalid(err))
	_, err = New("n", nil, codec.NewJSON(), inlineExec{})
	assert.True(t, errors.IsInvalid(err))
}

func TestStartSubscribesInOrder(t *testing.T) {
	b := newFakeBackend()
	tr := startTransport(t, b)

	assert.Equal(t, StateConnected, tr.State())
	assert.Equal(t, []string{
		"MOL.EVENT.node-a",
		"MOL.REQ.node-a",
		"MOL.RES.node-a",
		"MOL.DISCOVER",
		"MOL.DISCOVER.node-a",
		"MOL.INFO",
		"MOL.INFO.node-a",
		"MOL.DISCONNECT",
		"MOL.HEARTBEAT",
		"MOL.PING",
		"MOL.PING.node-a",
		"MOL.PONG.node-a",
	}, b.subscriptions())

	err := tr.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestAnnouncesOnDiscoverSubscribed(t *testing.T) {
	b := newFakeBackend()
	startTransport(t, b, WithInfoProvider(func() payload.Value {
		return payload.Map(payload.F("services", payload.List(payload.String("math"))))
	}))

	infos := b.publishedOn("MOL.INFO")
	require.Len(t, infos, 1)
	assert.Equal(t, ProtocolVersion, infos[0].Field("ver").Str())
	assert.Equal(t, "node-a", infos[0].Field("sender").Str())
	assert.Equal(t, []string{"math"}, infos[0].Field("services").Strings())

	require.Len(t, b.publishedOn("MOL.DISCOVER"), 1)
}

func TestDiscoverRepliesToSender(t *testing.T) {
	b := newFakeBackend()
	startTransport(t, b, WithDiscoverRate(rate.Every(time.Hour), 2))
	b.reset()

	for i := 0; i < 5; i++ {
		b.inject(t, "MOL.DISCOVER", "node-b", NewPacket())
	}
	replies := b.publishedOn("MOL.INFO.node-b")
	assert.Len(t, replies, 2)
	assert.Equal(t, "node-a", replies[0].Field("sender").Str())
}

func TestControlFromSelfIgnored(t *testing.T) {
	b := newFakeBackend()
	tr := startTransport(t, b)
	b.reset()

	b.inject(t, "MOL.DISCOVER", "node-a", NewPacket())
	b.inject(t, "MOL.INFO", "node-a", NewPacket())

	assert.Empty(t, b.publishedOn("MOL.INFO.node-a"))
	assert.Zero(t, tr.Nodes().Len())
}

func TestNodeLifecycle(t *testing.T) {
	b := newFakeBackend()
	var mu sync.Mutex
	var connected []string
	var gone []bool
	tr := startTransport(t, b,
		WithNodeConnected(func(n NodeInfo) {
			mu.Lock()
			connected = append(connected, n.ID)
			mu.Unlock()
		}),
		WithNodeDisconnected(func(_ NodeInfo, unexpected bool) {
			mu.Lock()
			gone = append(gone, unexpected)
			mu.Unlock()
		}),
	)

	info := payload.Map(
		payload.F("services", payload.List(
			payload.String("math"),
			payload.Map(payload.F("name", payload.String("greeter"))),
		)),
		payload.F("metadata", payload.Map(payload.F("region", payload.String("eu")))),
	)
	b.inject(t, "MOL.INFO", "node-b", info)
	b.inject(t, "MOL.INFO.node-a", "node-b", info)

	n, ok := tr.Nodes().Node("node-b")
	require.True(t, ok)
	assert.True(t, n.Online)
	assert.Equal(t, []string{"math", "greeter"}, n.Services)
	assert.Equal(t, "eu", n.Metadata.Field("region").Str())
	assert.Equal(t, []string{"node-b"}, tr.Nodes().WithService("greeter"))

	b.inject(t, "MOL.HEARTBEAT", "node-b", payload.Map(payload.F("cpu", payload.Number(42))))
	n, _ = tr.Nodes().Node("node-b")
	assert.Equal(t, 42.0, n.CPU)

	b.inject(t, "MOL.DISCONNECT", "node-b", NewPacket())
	_, ok = tr.Nodes().Node("node-b")
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"node-b"}, connected)
	assert.Equal(t, []bool{false}, gone)
}

func TestHeartbeatFromUnknownNodeProbes(t *testing.T) {
	b := newFakeBackend()
	startTransport(t, b)
	b.reset()

	b.inject(t, "MOL.HEARTBEAT", "node-c", payload.Map(payload.F("cpu", payload.Number(1))))
	assert.Len(t, b.publishedOn("MOL.DISCOVER.node-c"), 1)
}

func TestCheckNodesExpiresSilentNodes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newFakeBackend()
	var expired []string
	tr := startTransport(t, b,
		WithClock(clock.Now),
		WithHeartbeat(time.Hour, 15*time.Second),
		WithNodeDisconnected(func(n NodeInfo, unexpected bool) {
			if unexpected {
				expired = append(expired, n.ID)
			}
		}),
	)

	b.inject(t, "MOL.INFO", "node-b", NewPacket())
	b.inject(t, "MOL.INFO", "node-c", NewPacket())

	clock.Advance(10 * time.Second)
	b.inject(t, "MOL.HEARTBEAT", "node-c", NewPacket())

	clock.Advance(10 * time.Second)
	tr.checkNodes()

	assert.Equal(t, []string{"node-b"}, expired)
	nodes := tr.Nodes().Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-c", nodes[0].ID)
}

func TestPingPong(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newFakeBackend()
	tr := startTransport(t, b, WithClock(clock.Now))
	b.inject(t, "MOL.INFO", "node-b", NewPacket())

	p := tr.Ping(context.Background(), "node-b")
	pings := b.publishedOn("MOL.PING.node-b")
	require.Len(t, pings, 1)

	clock.Advance(3 * time.Millisecond)
	b.inject(t, "MOL.PONG.node-a", "node-b", payload.Map(
		payload.F("id", pings[0].Field("id")),
		payload.F("time", pings[0].Field("time")),
		payload.F("arrived", payload.Int(clock.Now().UnixMicro())),
	))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	latency, err := p.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, latency)

	n, _ := tr.Nodes().Node("node-b")
	assert.Equal(t, 3*time.Millisecond, n.Latency)
}

func TestAnswersPing(t *testing.T) {
	b := newFakeBackend()
	startTransport(t, b)

	b.inject(t, "MOL.PING.node-a", "node-b", payload.Map(
		payload.F("id", payload.String("p1")),
		payload.F("time", payload.Int(123)),
	))
	pongs := b.publishedOn("MOL.PONG.node-b")
	require.Len(t, pongs, 1)
	assert.Equal(t, "p1", pongs[0].Field("id").Str())
	v, _ := pongs[0].Field("time").AsInt()
	assert.Equal(t, int64(123), v)
	assert.False(t, pongs[0].Field("arrived").IsNull())
}

func TestPingContextCancelled(t *testing.T) {
	b := newFakeBackend()
	tr := startTransport(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	p := tr.Ping(ctx, "node-b")
	cancel()

	_, err := p.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnansweredPingTimesOut(t *testing.T) {
	b := newFakeBackend()
	tr := startTransport(t, b, WithHeartbeat(time.Hour, 30*time.Millisecond))

	p := tr.Ping(context.Background(), "node-missing")
	require.Len(t, b.publishedOn("MOL.PING.node-missing"), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Await(ctx)
	assert.ErrorIs(t, err, errors.ErrRequestTimeout)

	pending := 0
	tr.pings.Range(func(any, any) bool {
		pending++
		return true
	})
	assert.Zero(t, pending)
}

func TestPingKeepsCallerDeadline(t *testing.T) {
	b := newFakeBackend()
	tr := startTransport(t, b, WithHeartbeat(time.Hour, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Ping(ctx, "node-missing").Await(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecodeFailureReachesHook(t *testing.T) {
	b := newFakeBackend()
	reg := &recordingRegistry{}
	f := &failures{}
	startTransport(t, b, WithRegistry(reg), WithFailureHook(f.hook))

	b.injectRaw("MOL.REQ.node-a", []byte("{not json"))

	errs := f.all()
	require.Len(t, errs, 1)
	assert.True(t, errors.IsDecode(errs[0]))
	assert.Empty(t, reg.received())
}

func TestVersionMismatchDropped(t *testing.T) {
	b := newFakeBackend()
	reg := &recordingRegistry{}
	f := &failures{}
	startTransport(t, b, WithRegistry(reg), WithFailureHook(f.hook))

	data, err := b.codec.Encode(payload.Map(
		payload.F("ver", payload.String("2")),
		payload.F("sender", payload.String("node-b")),
	))
	require.NoError(t, err)
	b.injectRaw("MOL.EVENT.node-a", data)

	errs := f.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errors.ErrVersionMismatch)
	assert.Empty(t, reg.received())
}

func TestApplicationPacketsReachRegistry(t *testing.T) {
	b := newFakeBackend()
	reg := &recordingRegistry{}
	tr := startTransport(t, b)
	tr.SetRegistry(reg)

	b.inject(t, "MOL.REQ.node-a", "node-b", NewPacket())
	b.inject(t, "MOL.RES.node-a", "node-b", NewPacket())
	b.inject(t, "MOL.EVENT.node-a", "node-b", NewPacket())
	b.inject(t, "MOL.EVENT.node-z", "node-b", NewPacket())

	assert.Equal(t, []Command{CmdRequest, CmdResponse, CmdEvent}, reg.received())
}

func TestPublishBeforeStartReportsNotStarted(t *testing.T) {
	f := &failures{}
	tr, err := New("node-a", newFakeBackend(), codec.NewJSON(), inlineExec{}, WithFailureHook(f.hook))
	require.NoError(t, err)

	tr.Publish(CmdEvent, "node-b", NewPacket())

	errs := f.all()
	require.Len(t, errs, 1)
	assert.True(t, errors.IsTransportFailure(errs[0]))
	assert.ErrorIs(t, errs[0], errors.ErrNotStarted)
}

func TestPublishFailureReachesHook(t *testing.T) {
	b := newFakeBackend()
	f := &failures{}
	tr := startTransport(t, b, WithFailureHook(f.hook))

	b.mu.Lock()
	b.publishErr = stderrors.New("wire down")
	b.mu.Unlock()
	tr.Publish(CmdEvent, "node-b", NewPacket())

	errs := f.all()
	require.Len(t, errs, 1)
	var tf *errors.TransportFailure
	require.ErrorAs(t, errs[0], &tf)
	assert.Equal(t, "MOL.EVENT.node-b", tf.Channel)
}

func TestExecutorRejectionReported(t *testing.T) {
	b := newFakeBackend()
	f := &failures{}
	tr, err := New("node-a", b, codec.NewJSON(), rejectingExec{}, WithFailureHook(f.hook))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop(context.Background())

	// the subscribe task itself was refused
	require.NotEmpty(t, f.all())
	assert.ErrorIs(t, f.all()[0], errors.ErrResourceExhausted)
}

func TestReconnectResubscribes(t *testing.T) {
	b := newFakeBackend()
	f := &failures{}
	tr := startTransport(t, b, WithFailureHook(f.hook))

	b.hooks.OnDisconnected(stderrors.New("lost"))
	assert.Equal(t, StateDisconnected, tr.State())
	require.Len(t, f.all(), 1)

	b.hooks.OnConnected()
	assert.Equal(t, StateConnected, tr.State())
	assert.Len(t, b.subscriptions(), 24)
}

func TestStopAnnouncesDisconnect(t *testing.T) {
	b := newFakeBackend()
	reg := &recordingRegistry{}
	tr := startTransport(t, b, WithRegistry(reg))

	require.NoError(t, tr.Stop(context.Background()))
	assert.Len(t, b.publishedOn("MOL.DISCONNECT"), 1)
	assert.True(t, b.closed)
	assert.Equal(t, StateDisconnected, tr.State())

	b.inject(t, "MOL.REQ.node-a", "node-b", NewPacket())
	assert.Empty(t, reg.received())

	assert.ErrorIs(t, tr.Start(context.Background()), errors.ErrAlreadyStopped)
	require.NoError(t, tr.Stop(context.Background()))
}

func TestStopRejectsPendingPings(t *testing.T) {
	b := newFakeBackend()
	tr := startTransport(t, b)

	p := tr.Ping(context.Background(), "node-b")
	require.NoError(t, tr.Stop(context.Background()))

	_, err := p.Await(context.Background())
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestLimiterSet(t *testing.T) {
	s := newLimiterSet(rate.Every(time.Hour), 2)

	assert.True(t, s.allow("node-b"))
	assert.True(t, s.allow("node-b"))
	assert.False(t, s.allow("node-b"))
	assert.True(t, s.allow("node-c"), "buckets are per sender")

	s.remove("node-b")
	assert.True(t, s.allow("node-b"), "a forgotten sender starts with a full bucket")
}

func TestLimiterSet_Bounded(t *testing.T) {
	s := newLimiterSet(rate.Every(time.Hour), 1)
	for i := 0; i < maxLimiters+100; i++ {
		s.allow(fmt.Sprintf("sender-%d", i))
	}
	assert.Equal(t, maxLimiters, s.len())
}
