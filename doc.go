// Package nodemesh is a service mesh runtime: nodes discover each other over a
// shared pub/sub backend, exchange their action and event catalogues, and call
// each other's actions as if they were local.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Broker                   │  Node lifecycle, config,
//	│   (start, stop, health, $node.*)    │  metrics endpoint
//	└─────────────────────────────────────┘
//	           ↓ owns
//	┌─────────────────────────────────────┐
//	│   Registry          Event bus       │  Actions, pending requests,
//	│   (call, route)     (emit, groups)  │  local and remote listeners
//	└─────────────────────────────────────┘
//	           ↓ speaks through
//	┌─────────────────────────────────────┐
//	│            Transport                │  Packets, channels, node table,
//	│   (INFO, HEARTBEAT, REQ, RES, ...)  │  heartbeats, discovery
//	└─────────────────────────────────────┘
//	           ↓ encodes with          ↓ sends over
//	┌──────────────────┐   ┌──────────────────┐
//	│      Codec       │   │     Backend      │
//	│ json | msgpack   │   │ NATS | memory    │
//	│ +deflate +cipher │   │                  │
//	└──────────────────┘   └──────────────────┘
//
// Every callback, inbound packet and listener dispatch runs on a shared
// executor (pkg/worker), so slow handlers never block the backend.
//
// # Packages
//
//   - broker: wires one node together from a config.Config
//   - transport: protocol state machine, channel naming and the node table
//   - registry: action routing, request/response correlation and timeouts
//   - eventbus: event listeners with group balancing and wildcard patterns
//   - codec: serializer, deflate and cipher stages
//   - backend: in-process memory backend for tests and single-process meshes
//   - natsclient: NATS backend with circuit breaker and reconnect handling
//   - payload: the tree value carried by every packet
//   - promise: chainable asynchronous results
//   - config, errors, health, metric: ambient infrastructure
//
// # Quick Start
//
//	cfg := config.Default()
//	cfg.NodeID = "node-1"
//	cfg.Transporter.Type = config.TransporterNATS
//	cfg.Transporter.NATS.URLs = []string{"nats://localhost:4222"}
//
//	b, err := broker.New(cfg)
//	if err != nil {
//		return err
//	}
//	_ = b.AddAction("math.add", add)
//	if err := b.Start(ctx); err != nil {
//		return err
//	}
//	defer b.Stop(ctx)
//
//	sum, err := b.Call(ctx, "", "math.add", params, 0).Await(ctx)
//
// The nodemesh binary in cmd/nodemesh runs a node from a YAML or JSON file:
//
//	./bin/nodemesh --config configs/node.yaml --transporter nats
package nodemesh
