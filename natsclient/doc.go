// Package natsclient provides a NATS client with circuit breaker protection
// and automatic reconnection, plus a transport backend built on it.
//
// The client wraps the standard NATS Go client with a circuit breaker that
// fails fast after a threshold of consecutive connection failures (default 5)
// and half-opens after an exponentially growing backoff. Connection state moves
// through Disconnected, Connecting, Connected and Reconnecting, and callbacks
// fire on loss and recovery.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://a:4222,nats://b:4222",
//	    natsclient.WithName("node-1"),
//	    natsclient.WithSlogLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.ConnectWithRetry(ctx, retry.Persistent()); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.Subscribe(ctx, "MOL.INFO", func(msgCtx context.Context, data []byte) {
//	    // msgCtx carries a 30s timeout per message
//	})
//	err = client.Publish(ctx, "MOL.INFO", data)
//
// # Transport Backend
//
// Backend adapts a Client to transport.Backend. Transport channels are used
// as NATS subjects unchanged. A subscription is confirmed to the transport
// only after a flush round trip, so the server is known to have registered
// it. Disconnect and reconnect notifications from the NATS client are passed
// through as OnDisconnected and OnConnected; NATS restores subscriptions on
// reconnect, so the transport's resubscribe pass only re-confirms them.
//
//	backend := natsclient.NewBackend(client)
//	tr, err := transport.New(nodeID, backend, c, exec)
//
// # Testing
//
// NewTestClient starts a NATS server in a container through testcontainers.
// Tests that need it are built with the integration tag:
//
//	go test -tags integration ./natsclient/...
package natsclient
