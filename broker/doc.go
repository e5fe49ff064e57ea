// Package broker wires one nodemesh node together.
//
// A Broker builds, from a validated config.Config, the shared worker.Executor,
// the codec pipeline, the backend selected by transporter.type, the node
// transport and the service registry, and connects their callbacks:
//
//	registry  <- transport   EVENT, REQ and RES packets
//	registry  -> transport   INFO contents (actions and event subscriptions)
//	transport -> registry    node connected / disconnected
//
// Brokers created with the same backend.Hub talk to each other in-process:
//
//	hub := backend.NewHub()
//	a, _ := broker.New(cfgA, broker.WithHub(hub))
//	b, _ := broker.New(cfgB, broker.WithHub(hub))
//	_ = a.AddAction("math.add", add)
//	_ = a.Start(ctx)
//	_ = b.Start(ctx)
//	sum, err := b.Call(ctx, "", "math.add", params, 0).Await(ctx)
//
// Health folds transport state, recent backend failures and executor queue
// fill into one health.Status, served as JSON on the metrics endpoint's
// /health. RegisterNodeActions exposes it, with the node list and the local
// services, as the $node.* actions.
//
// Stop announces DISCONNECT, fails calls still pending and drains the
// executor before returning.
package broker
