//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sharedNATS *TestClient

func TestMain(m *testing.M) {
	tc, err := NewSharedTestClient(WithFastStartup())
	if err != nil {
		panic(err)
	}
	sharedNATS = tc
	code := m.Run()
	_ = tc.Terminate()
	if code != 0 {
		panic(code)
	}
}

func TestIntegration_ConnectToRealNATS(t *testing.T) {
	ctx := context.Background()

	client, err := NewClient(sharedNATS.URL)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	assert.True(t, client.IsHealthy())

	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	client := sharedNATS.Client

	received := make(chan string, 1)
	require.NoError(t, client.Subscribe(ctx, "test.subject", func(_ context.Context, data []byte) {
		received <- string(data)
	}))
	require.NoError(t, client.Flush(ctx))
	require.NoError(t, client.Publish(ctx, "test.subject", []byte("hello")))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("message not received")
	}
}

func TestIntegration_Backend(t *testing.T) {
	ctx := context.Background()

	newBackend := func(name string) (*Backend, *recordingHooks) {
		client, err := NewClient(sharedNATS.URL, WithName(name))
		require.NoError(t, err)
		b := NewBackend(client)
		hooks := newRecordingHooks()
		require.NoError(t, b.Connect(ctx, hooks))
		t.Cleanup(func() { _ = b.Close(context.Background()) })
		return b, hooks
	}

	a, hooksA := newBackend("node-a")
	b, _ := newBackend("node-b")
	assert.Equal(t, 1, hooksA.connectedCount())

	require.NoError(t, a.Subscribe(ctx, "MOL.INFO"))
	select {
	case ch := <-hooksA.subscribed:
		assert.Equal(t, "MOL.INFO", ch)
	case <-time.After(time.Second):
		t.Fatal("subscription not confirmed")
	}

	// resubscribing confirms without a second delivery path
	require.NoError(t, a.Subscribe(ctx, "MOL.INFO"))
	<-hooksA.subscribed

	require.NoError(t, b.Publish(ctx, "MOL.INFO", []byte(`{"sender":"node-b"}`)))
	select {
	case msg := <-hooksA.messages:
		assert.Equal(t, `MOL.INFO {"sender":"node-b"}`, msg)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	select {
	case msg := <-hooksA.messages:
		t.Fatalf("duplicate delivery: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIntegration_BackendCloseUnsubscribes(t *testing.T) {
	ctx := context.Background()

	client, err := NewClient(sharedNATS.URL, WithName("node-c"))
	require.NoError(t, err)
	b := NewBackend(client)
	hooks := newRecordingHooks()
	require.NoError(t, b.Connect(ctx, hooks))

	require.NoError(t, b.Subscribe(ctx, "MOL.HEARTBEAT"))
	require.NoError(t, b.Subscribe(ctx, "MOL.INFO.node-c"))
	assert.ElementsMatch(t, []string{"MOL.HEARTBEAT", "MOL.INFO.node-c"}, b.Channels())
	assert.Len(t, client.Subscriptions(), 2)

	require.NoError(t, b.Close(ctx))
	assert.Empty(t, b.Channels())
	assert.Empty(t, client.Subscriptions())
}
