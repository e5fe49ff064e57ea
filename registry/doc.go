// Package registry is the request/response and event collaborator of a
// nodemesh transport.
//
// A Registry runs local actions for incoming REQ packets and answers on the
// caller's RES channel, completes the promises of outgoing calls when their
// RES packet arrives, and hands EVENT packets to the node's event bus.
//
// Request packets carry {id, action, params, timeout}; responses carry
// {id, success, data} or {id, success: false, error: {name, message, code,
// nodeID, data}}. Failed remote calls reject with *RemoteError.
//
//	reg, _ := registry.New("node-1", exec)
//	_ = reg.AddAction("math.add", func(ctx context.Context, p payload.Value) (payload.Value, error) {
//		a, _ := p.Field("a").AsNumber()
//		b, _ := p.Field("b").AsNumber()
//		return payload.Number(a + b), nil
//	})
//
//	sum, err := reg.Call(ctx, "", "math.add", params, time.Second).Await(ctx)
package registry
