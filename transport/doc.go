// Package transport implements the nodemesh node protocol on top of a
// pluggable pub/sub Backend.
//
// Every node owns a fixed set of channels derived from a prefix and its node
// ID:
//
//	MOL.EVENT.<node>     MOL.REQ.<node>     MOL.RES.<node>
//	MOL.DISCOVER         MOL.DISCOVER.<node>
//	MOL.INFO             MOL.INFO.<node>
//	MOL.DISCONNECT       MOL.HEARTBEAT
//	MOL.PING             MOL.PING.<node>    MOL.PONG.<node>
//
// The table is computed once when the Transport starts. Inbound messages
// are classified by looking up the command segment of the channel name,
// decoded on the shared executor, and either handed to the Registry (EVENT,
// REQ, RES) or handled by the Transport itself (DISCOVER, INFO, HEARTBEAT,
// DISCONNECT, PING, PONG).
//
// Packets are payload maps stamped with "ver" (ProtocolVersion) and
// "sender". Packets carrying another version are dropped as decode errors.
// PING and PONG timestamps are Unix microseconds of the pinging node's clock.
//
// Publishing is fire and forget: encoding and sending run on the executor
// and failures reach the hook installed with WithFailureHook.
//
// Basic usage:
//
//	exec := worker.NewExecutor(10, 1000)
//	_ = exec.Start(ctx)
//
//	t, err := transport.New("node-1", backend, codec.NewJSON(), exec,
//		transport.WithRegistry(reg),
//		transport.WithFailureHook(func(_ any, err error) { log.Println(err) }),
//	)
//	if err != nil {
//		return err
//	}
//	if err := t.Start(ctx); err != nil {
//		return err
//	}
//	defer t.Stop(context.Background())
//
//	latency, err := t.Ping(ctx, "node-2").Await(ctx)
package transport
