// Package backend provides the in-process pub/sub Hub used to run several
// nodemesh transports inside one process, for tests and single-binary
// deployments.
//
//	hub := backend.NewHub()
//	a, _ := transport.New("node-a", hub.Backend("a"), codec.NewJSON(), exec)
//	b, _ := transport.New("node-b", hub.Backend("b"), codec.NewJSON(), exec)
//
// Each Memory backend delivers hooks from its own goroutine through a
// bounded queue. Publish blocks while a subscriber's queue is full, so hooks
// must hand work off instead of blocking.
package backend
