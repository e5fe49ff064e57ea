package transport

import (
	"context"

	"github.com/c360/nodemesh/payload"
)

// Backend is the pub/sub substrate a Transport runs on. Implementations
// report connection changes and inbound messages through the Hooks passed
// to Connect.
type Backend interface {
	// Connect starts connecting and returns once the attempt is under way.
	// OnConnected is invoked when the connection is usable.
	Connect(ctx context.Context, hooks Hooks) error

	// Subscribe registers interest in channel. OnSubscribed is invoked once
	// the subscription is active.
	Subscribe(ctx context.Context, channel string) error

	// Publish sends data on channel
	Publish(ctx context.Context, channel string, data []byte) error

	// Close releases the connection. No hooks are invoked after Close returns.
	Close(ctx context.Context) error
}

// Hooks receives backend events. The data slice passed to OnMessage is owned
// by the receiver.
type Hooks interface {
	OnConnected()
	OnDisconnected(err error)
	OnMessage(channel string, data []byte, connectionID any)
	OnSubscribed(channel string)
}

// Registry consumes EVENT, REQ and RES packets
type Registry interface {
	Receive(cmd Command, p payload.Value)
}

// hooks adapts a Transport to the Hooks interface without exporting the
// callbacks on Transport itself.
type hooks struct {
	t *Transport
}

func (h hooks) OnConnected() { h.t.connected() }

func (h hooks) OnDisconnected(err error) { h.t.disconnected(err) }

func (h hooks) OnMessage(channel string, data []byte, connectionID any) {
	h.t.receive(channel, data, connectionID)
}

func (h hooks) OnSubscribed(channel string) { h.t.subscribed(channel) }
