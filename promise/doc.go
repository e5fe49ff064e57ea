// Package promise provides a single-assignment asynchronous result cell with
// chained continuations, error handlers and the All/Race combinators.
//
// A cell is pending, resolved or rejected. The pending to done transition is
// an atomic compare-and-swap: of any number of concurrent Complete, Fail,
// Resolve or Reject calls exactly one returns true and every observer sees
// the value or error it stored.
//
//	p, r := promise.Pending[int]()
//	go func() { r.Resolve(compute()) }()
//
//	doubled := p.Then(func(v int) (int, error) { return v * 2, nil })
//	label := promise.Then(doubled, func(v int) (string, error) {
//	    return strconv.Itoa(v), nil
//	})
//	safe := label.Catch(func(err error) (string, error) { return "n/a", nil })
//
//	s, err := safe.Await(ctx)
//
// Continuations never block. Callbacks registered on a pending cell fire on
// the goroutine that completes it, or on the cell's Executor when one is
// attached through NewWithExecutor or On. Callbacks registered on a cell that
// is already done run immediately on the registering goroutine.
//
// Every derived cell records the cells it was chained from in a list shared
// with its parent, so deriving costs the same at any depth.
// Catch subscribes its handler to each of them once, so a rejection anywhere
// earlier in the chain reaches a handler attached at the end of it. A panic
// in a Then transform or Catch handler rejects the derived cell with an
// errors.HandlerError instead of escaping.
//
// There are no built-in deadlines. Request timeouts race a cell against
// Timeout, or use WithTimeout. Race with no inputs never completes.
package promise
