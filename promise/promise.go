package promise

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/pkg/worker"
)

// Sentinel errors carried by rejected cells
var (
	// ErrCancelled rejects a cell completed through Cancel
	ErrCancelled = stderrors.New("promise cancelled")

	// ErrTimeout rejects a Timeout cell created without an explicit error
	ErrTimeout = stderrors.New("promise timed out")

	// ErrNilRejection replaces a nil error passed to Reject or Fail
	ErrNilRejection = stderrors.New("promise rejected with nil error")
)

const (
	statePending int32 = iota
	stateSettling
	stateResolved
	stateRejected
)

// Executor schedules continuation callbacks. *worker.Executor satisfies it.
type Executor interface {
	Execute(task worker.Task) error
}

// link is the type-erased view of a cell used for ancestry walks
type link interface {
	subscribe(fn func())
	failure() error
}

// lineage is an immutable list of the cells a cell was chained from, newest
// first. Derived cells share their parent's tail.
type lineage struct {
	cell link
	prev *lineage
}

// chain returns the cells of l ordered oldest first
func (l *lineage) chain() []link {
	n := 0
	for a := l; a != nil; a = a.prev {
		n++
	}
	out := make([]link, n)
	for a := l; a != nil; a = a.prev {
		n--
		out[n] = a.cell
	}
	return out
}

// Promise is a single-assignment asynchronous result
type Promise[T any] struct {
	state atomic.Int32
	value T
	err   error

	mu        sync.Mutex
	fired     bool
	callbacks []func()
	done      chan struct{}

	exec      Executor
	ancestors *lineage
}

// Resolver completes the cell it was created with. Safe for concurrent use.
type Resolver[T any] struct {
	p *Promise[T]
}

func newPromise[T any](exec Executor) *Promise[T] {
	return &Promise[T]{
		done: make(chan struct{}),
		exec: exec,
	}
}

// derive creates a child cell whose ancestry is parent's ancestry plus parent
func derive[U any](exec Executor, parentAncestors *lineage, parent link) *Promise[U] {
	d := newPromise[U](exec)
	d.ancestors = &lineage{cell: parent, prev: parentAncestors}
	return d
}

// Resolved returns a cell already resolved with v
func Resolved[T any](v T) *Promise[T] {
	p := newPromise[T](nil)
	p.settle(v, nil)
	return p
}

// Rejected returns a cell already rejected with err
func Rejected[T any](err error) *Promise[T] {
	p := newPromise[T](nil)
	var zero T
	p.settle(zero, nonNil(err))
	return p
}

// Pending returns an empty cell and the resolver that completes it
func Pending[T any]() (*Promise[T], *Resolver[T]) {
	p := newPromise[T](nil)
	return p, &Resolver[T]{p: p}
}

// New runs init synchronously with the resolver of a fresh cell. A panic in
// init rejects the cell with an errors.HandlerError.
func New[T any](init func(r *Resolver[T])) *Promise[T] {
	return NewWithExecutor(nil, init)
}

// NewWithExecutor is New with continuations fired on exec
func NewWithExecutor[T any](exec Executor, init func(r *Resolver[T])) *Promise[T] {
	p := newPromise[T](exec)
	r := &Resolver[T]{p: p}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.Reject(errors.Recovered("promise.New", rec))
			}
		}()
		init(r)
	}()
	return p
}

// Resolve completes the cell with v. It reports whether this call did so.
func (r *Resolver[T]) Resolve(v T) bool {
	return r.p.settle(v, nil)
}

// Reject completes the cell with err. It reports whether this call did so.
func (r *Resolver[T]) Reject(err error) bool {
	var zero T
	return r.p.settle(zero, nonNil(err))
}

// Promise returns the cell this resolver completes
func (r *Resolver[T]) Promise() *Promise[T] {
	return r.p
}

func nonNil(err error) error {
	if err == nil {
		return ErrNilRejection
	}
	return err
}

// settle performs the single pending to done transition
func (p *Promise[T]) settle(v T, err error) bool {
	if !p.state.CompareAndSwap(statePending, stateSettling) {
		return false
	}
	p.value, p.err = v, err
	if err != nil {
		p.state.Store(stateRejected)
	} else {
		p.state.Store(stateResolved)
	}

	p.mu.Lock()
	p.fired = true
	cbs := p.callbacks
	p.callbacks = nil
	p.mu.Unlock()

	close(p.done)
	for _, cb := range cbs {
		p.dispatch(cb)
	}
	return true
}

// subscribe runs fn once the cell is done. Callbacks registered on a done
// cell run immediately on the calling goroutine.
func (p *Promise[T]) subscribe(fn func()) {
	p.mu.Lock()
	if p.fired {
		p.mu.Unlock()
		fn()
		return
	}
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

// dispatch fires cb on the executor, or inline when there is none or the
// executor refuses the task.
func (p *Promise[T]) dispatch(cb func()) {
	if p.exec != nil {
		if err := p.exec.Execute(func(context.Context) { cb() }); err == nil {
			return
		}
	}
	cb()
}

func (p *Promise[T]) failure() error {
	if p.state.Load() == stateRejected {
		return p.err
	}
	return nil
}

// Complete resolves the cell with v. Exactly one completing call returns true.
func (p *Promise[T]) Complete(v T) bool {
	return p.settle(v, nil)
}

// Fail rejects the cell with err. Exactly one completing call returns true.
func (p *Promise[T]) Fail(err error) bool {
	var zero T
	return p.settle(zero, nonNil(err))
}

// Cancel rejects the cell with ErrCancelled
func (p *Promise[T]) Cancel() bool {
	return p.Fail(ErrCancelled)
}

// IsResolved reports whether the cell holds a value
func (p *Promise[T]) IsResolved() bool {
	return p.state.Load() == stateResolved
}

// IsRejected reports whether the cell holds an error
func (p *Promise[T]) IsRejected() bool {
	return p.state.Load() == stateRejected
}

// IsCancelled reports whether the cell was rejected through Cancel
func (p *Promise[T]) IsCancelled() bool {
	return p.failure() == ErrCancelled
}

// IsDone reports whether the cell is resolved, rejected or cancelled
func (p *Promise[T]) IsDone() bool {
	s := p.state.Load()
	return s == stateResolved || s == stateRejected
}

// Done is closed once the cell completes
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Value returns the resolved value. ok is false unless the cell is resolved.
func (p *Promise[T]) Value() (v T, ok bool) {
	if !p.IsResolved() {
		return v, false
	}
	return p.value, true
}

// Err returns the rejection error, or nil unless the cell is rejected
func (p *Promise[T]) Err() error {
	return p.failure()
}

// Await blocks until the cell completes or ctx ends. The rejection error is
// returned as it was passed to Reject.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// On returns a cell mirroring p whose continuations fire on exec
func (p *Promise[T]) On(exec Executor) *Promise[T] {
	d := derive[T](exec, p.ancestors, p)
	p.subscribe(func() { d.settle(p.value, p.err) })
	return d
}

// Then derives a cell resolved with fn(value). Rejection skips fn and is
// forwarded unchanged.
func (p *Promise[T]) Then(fn func(T) (T, error)) *Promise[T] {
	return Then(p, fn)
}

// Then derives a cell of a different type from p. A panic in fn rejects the
// derived cell with an errors.HandlerError.
func Then[T, U any](p *Promise[T], fn func(T) (U, error)) *Promise[U] {
	d := derive[U](p.exec, p.ancestors, p)
	p.subscribe(func() {
		if p.err != nil {
			var zero U
			d.settle(zero, p.err)
			return
		}
		d.settle(call("promise.Then", fn, p.value))
	})
	return d
}

// Catch derives a cell that resolves with handler(err) when p or any cell p
// was chained from rejects. The handler runs at most once, for the first
// rejection observed. When the chain resolves the derived cell takes p's value.
func (p *Promise[T]) Catch(handler func(error) (T, error)) *Promise[T] {
	d := derive[T](p.exec, p.ancestors, p)

	var handled atomic.Bool
	onReject := func(err error) {
		if !handled.CompareAndSwap(false, true) {
			return
		}
		d.settle(call("promise.Catch", handler, err))
	}

	ancestors := d.ancestors.chain()
	seen := make(map[link]struct{}, len(ancestors))
	for _, a := range ancestors {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		a.subscribe(func() {
			if err := a.failure(); err != nil {
				onReject(err)
			}
		})
	}

	p.subscribe(func() {
		if p.err == nil {
			d.settle(p.value, nil)
		}
	})
	return d
}

func call[A, B any](name string, fn func(A) (B, error), in A) (out B, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			var zero B
			out, err = zero, errors.Recovered(name, rec)
		}
	}()
	out, err = fn(in)
	return out, err
}

// All resolves with every input value in input order, or rejects with the
// first rejection to complete the aggregate. Inputs that are already rejected
// when All is called are observed in index order, so the lowest index wins.
func All[T any](cells ...*Promise[T]) *Promise[[]T] {
	agg := newPromise[[]T](firstExecutor(cells))
	if len(cells) == 0 {
		agg.settle([]T{}, nil)
		return agg
	}

	results := make([]T, len(cells))
	var remaining atomic.Int64
	remaining.Store(int64(len(cells)))

	for i, c := range cells {
		c.subscribe(func() {
			if c.err != nil {
				agg.settle(nil, c.err)
				return
			}
			results[i] = c.value
			if remaining.Add(-1) == 0 {
				agg.settle(results, nil)
			}
		})
	}
	return agg
}

// Race adopts the outcome of the first input to complete. With no inputs the
// returned cell never completes.
func Race[T any](cells ...*Promise[T]) *Promise[T] {
	out := newPromise[T](firstExecutor(cells))
	for _, c := range cells {
		c.subscribe(func() {
			out.settle(c.value, c.err)
		})
	}
	return out
}

// Timeout returns a cell rejected with err after d. A nil err means ErrTimeout.
func Timeout[T any](d time.Duration, err error) *Promise[T] {
	if err == nil {
		err = ErrTimeout
	}
	p, r := Pending[T]()
	time.AfterFunc(d, func() { r.Reject(err) })
	return p
}

// WithTimeout derives a cell that mirrors p, or rejects with err if p is
// still pending after d. The timer is released when p completes first.
func WithTimeout[T any](p *Promise[T], d time.Duration, err error) *Promise[T] {
	if err == nil {
		err = ErrTimeout
	}
	out := derive[T](p.exec, p.ancestors, p)
	timer := time.AfterFunc(d, func() { out.Fail(err) })
	p.subscribe(func() {
		timer.Stop()
		out.settle(p.value, p.err)
	})
	return out
}

func firstExecutor[T any](cells []*Promise[T]) Executor {
	for _, c := range cells {
		if c.exec != nil {
			return c.exec
		}
	}
	return nil
}
