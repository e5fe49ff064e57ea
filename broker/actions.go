package broker

import (
	"context"
	"time"

	"github.com/c360/nodemesh/payload"
)

// Node introspection actions registered by RegisterNodeActions
const (
	ActionNodeList     = "$node.list"
	ActionNodeServices = "$node.services"
)

// RegisterNodeActions adds the $node.* introspection actions, callable from
// any node in the mesh
func (b *Broker) RegisterNodeActions() error {
	if err := b.AddAction(ActionNodeList, b.nodeList); err != nil {
		return err
	}
	if err := b.AddAction(ActionNodeServices, b.nodeServices); err != nil {
		return err
	}
	return b.AddAction(ActionNodeHealth, b.nodeHealth)
}

// nodeList describes this node followed by every known remote node
func (b *Broker) nodeList(context.Context, payload.Value) (payload.Value, error) {
	items := []payload.Value{payload.Map(
		payload.F("id", payload.String(b.NodeID())),
		payload.F("local", payload.Bool(true)),
		payload.F("online", payload.Bool(true)),
		payload.F("services", stringList(b.registry.Services())),
	)}
	for _, n := range b.Nodes() {
		items = append(items, payload.Map(
			payload.F("id", payload.String(n.ID)),
			payload.F("local", payload.Bool(false)),
			payload.F("online", payload.Bool(n.Online)),
			payload.F("services", stringList(n.Services)),
			payload.F("cpu", payload.Number(n.CPU)),
			payload.F("latency", payload.Number(float64(n.Latency.Microseconds())/1000)),
			payload.F("lastSeen", payload.String(n.LastSeen.UTC().Format(time.RFC3339Nano))),
		))
	}
	return payload.List(items...), nil
}

func (b *Broker) nodeServices(context.Context, payload.Value) (payload.Value, error) {
	return stringList(b.registry.Services()), nil
}

func stringList(ss []string) payload.Value {
	items := make([]payload.Value, len(ss))
	for i, s := range ss {
		items[i] = payload.String(s)
	}
	return payload.List(items...)
}
