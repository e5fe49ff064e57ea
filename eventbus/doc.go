// Package eventbus implements event listener endpoints and the local
// dispatch policy.
//
// A LocalEndpoint invokes its listener either inline on the delivering
// goroutine or, when asynchronous local invocation is configured, as a task
// on the shared executor. In both modes listener errors and panics are
// logged at warn and never reach the caller of Deliver.
//
// A RemoteEndpoint stands for a listener on another node and forwards the
// event to that node's EVENT channel.
//
// The Bus balances emitted events across endpoints of the same group, one
// pick per group, and delivers broadcasts to every endpoint. Events arriving
// from other nodes go through Receive, which schedules local delivery on the
// executor.
package eventbus
