package promise

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/pkg/worker"
)

func await[T any](t *testing.T, p *Promise[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := p.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "promise did not complete")
	return v, err
}

func TestResolvedRejected(t *testing.T) {
	r := Resolved(5)
	assert.True(t, r.IsResolved())
	assert.True(t, r.IsDone())
	assert.False(t, r.IsRejected())
	v, ok := r.Value()
	assert.True(t, ok)
	assert.Equal(t, 5, v)

	boom := stderrors.New("boom")
	j := Rejected[int](boom)
	assert.True(t, j.IsRejected())
	assert.True(t, j.IsDone())
	assert.Same(t, boom, j.Err())

	assert.ErrorIs(t, Rejected[int](nil).Err(), ErrNilRejection)
}

func TestThenFold(t *testing.T) {
	transforms := []func(int) (int, error){
		func(v int) (int, error) { return v + 1, nil },
		func(v int) (int, error) { return v * 10, nil },
		func(v int) (int, error) { return v - 3, nil },
	}

	p := Resolved(2)
	want := 2
	for _, fn := range transforms {
		p = p.Then(fn)
		want, _ = fn(want)
	}

	v, err := await(t, p)
	require.NoError(t, err)
	assert.Equal(t, want, v)
	assert.Equal(t, 27, v)
}

func TestThenShortCircuit(t *testing.T) {
	boom := stderrors.New("stage two failed")
	var calls []int

	p := Resolved(1).
		Then(func(v int) (int, error) { calls = append(calls, 1); return v, nil }).
		Then(func(v int) (int, error) { calls = append(calls, 2); return 0, boom }).
		Then(func(v int) (int, error) { calls = append(calls, 3); return v, nil })

	_, err := await(t, p)
	assert.Same(t, boom, err, "original error is returned unchanged")
	assert.Equal(t, []int{1, 2}, calls)

	caught := p.Catch(func(err error) (int, error) { return -1, nil })
	v, err := await(t, caught)
	require.NoError(t, err)
	assert.Equal(t, -1, v)
}

func TestThenTypeChange(t *testing.T) {
	p := Then(Resolved(21), func(v int) (string, error) {
		return fmt.Sprintf("%d!", v*2), nil
	})
	v, err := await(t, p)
	require.NoError(t, err)
	assert.Equal(t, "42!", v)
}

func TestThenPanicBecomesHandlerError(t *testing.T) {
	p := Resolved(1).Then(func(int) (int, error) { panic("transform exploded") })

	_, err := await(t, p)
	require.Error(t, err)
	assert.True(t, errors.IsHandler(err))
	assert.Contains(t, err.Error(), "transform exploded")
}

func TestNewInitializer(t *testing.T) {
	p := New(func(r *Resolver[string]) { r.Resolve("ready") })
	v, err := await(t, p)
	require.NoError(t, err)
	assert.Equal(t, "ready", v)

	panicked := New(func(*Resolver[string]) { panic("init failed") })
	assert.True(t, panicked.IsRejected())
	assert.True(t, errors.IsHandler(panicked.Err()))
}

func TestCatchWalksAncestors(t *testing.T) {
	root, r := Pending[int]()

	var thenCalls atomic.Int32
	chain := root.
		Then(func(v int) (int, error) { thenCalls.Add(1); return v, nil }).
		Then(func(v int) (int, error) { thenCalls.Add(1); return v, nil })

	var handlerCalls atomic.Int32
	caught := chain.Catch(func(err error) (int, error) {
		handlerCalls.Add(1)
		return 99, nil
	})

	boom := stderrors.New("root failed")
	require.True(t, r.Reject(boom))

	v, err := await(t, caught)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
	assert.Equal(t, int32(0), thenCalls.Load())
	assert.Equal(t, int32(1), handlerCalls.Load(), "handler runs once despite every ancestor rejecting")
}

func TestCatchResolvedChain(t *testing.T) {
	caught := Resolved(3).Then(func(v int) (int, error) { return v * 3, nil }).
		Catch(func(error) (int, error) { return 0, stderrors.New("unexpected") })

	v, err := await(t, caught)
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestCatchHandlerError(t *testing.T) {
	wrapped := stderrors.New("handled but still failing")
	p := Rejected[int](stderrors.New("first")).Catch(func(error) (int, error) { return 0, wrapped })

	_, err := await(t, p)
	assert.Same(t, wrapped, err)

	panicked := Rejected[int](stderrors.New("first")).Catch(func(error) (int, error) { panic("handler exploded") })
	_, err = await(t, panicked)
	assert.True(t, errors.IsHandler(err))
}

func TestCatchLongChain(t *testing.T) {
	root, r := Pending[int]()
	p := root
	for i := 0; i < 500; i++ {
		p = p.Then(func(v int) (int, error) { return v + 1, nil })
	}
	caught := p.Catch(func(error) (int, error) { return -1, nil })
	r.Reject(stderrors.New("deep"))

	v, err := await(t, caught)
	require.NoError(t, err)
	assert.Equal(t, -1, v)
}

func TestDeriveCostIndependentOfDepth(t *testing.T) {
	inc := func(v int) (int, error) { return v + 1, nil }
	tip := func(depth int) *Promise[int] {
		p, _ := Pending[int]()
		for i := 0; i < depth; i++ {
			p = p.Then(inc)
		}
		return p
	}

	shallow, deep := tip(1), tip(20000)
	shallowAllocs := testing.AllocsPerRun(200, func() { shallow.Then(inc) })
	deepAllocs := testing.AllocsPerRun(200, func() { deep.Then(inc) })

	assert.Equal(t, shallowAllocs, deepAllocs, "Then must not copy the ancestry")
	assert.LessOrEqual(t, deepAllocs, 8.0)
}

func TestCompleteExactlyOnce(t *testing.T) {
	p, _ := Pending[int]()

	const callers = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var won bool
			if i%2 == 0 {
				won = p.Complete(i)
			} else {
				won = p.Fail(fmt.Errorf("caller %d", i))
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, p.IsDone())

	v1, err1 := await(t, p)
	assert.False(t, p.Complete(1000))
	assert.False(t, p.Fail(stderrors.New("late")))
	v2, err2 := await(t, p)
	assert.Equal(t, v1, v2)
	assert.Equal(t, err1, err2)
}

func TestCancel(t *testing.T) {
	p, r := Pending[int]()
	assert.True(t, p.Cancel())
	assert.True(t, p.IsDone())
	assert.True(t, p.IsCancelled())
	assert.False(t, r.Resolve(1))
	assert.False(t, p.Cancel())

	_, err := await(t, p.Then(func(v int) (int, error) { return v, nil }))
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestAll(t *testing.T) {
	a, ra := Pending[int]()
	b, rb := Pending[int]()
	c := Resolved(3)

	all := All(a, b, c)
	assert.False(t, all.IsDone())

	rb.Resolve(2)
	assert.False(t, all.IsDone())
	ra.Resolve(1)

	v, err := await(t, all)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, v)
}

func TestAllEmpty(t *testing.T) {
	v, err := await(t, All[int]())
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.NotNil(t, v)
}

func TestAllFirstFailureWins(t *testing.T) {
	first := stderrors.New("first")
	second := stderrors.New("second")

	a, ra := Pending[int]()
	b, rb := Pending[int]()
	all := All(a, b, Resolved(0))

	rb.Reject(first)
	ra.Reject(second)

	_, err := await(t, all)
	assert.Same(t, first, err)

	// Inputs already rejected at call time resolve to the lowest index
	_, err = await(t, All(Resolved(1), Rejected[int](second), Rejected[int](first)))
	assert.Same(t, second, err)
}

func TestAllPendingInputsIgnoredAfterRejection(t *testing.T) {
	a, ra := Pending[int]()
	all := All(a, Rejected[int](stderrors.New("fast")))
	require.True(t, all.IsRejected())

	assert.True(t, ra.Resolve(1), "other inputs are not cancelled")
	assert.True(t, all.IsRejected())
}

func TestRace(t *testing.T) {
	a, ra := Pending[string]()
	b, rb := Pending[string]()
	race := Race(a, b)

	rb.Resolve("b")
	ra.Resolve("a")

	v, err := await(t, race)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	c, rc := Pending[string]()
	d, _ := Pending[string]()
	lost := stderrors.New("lost")
	race = Race(c, d)
	rc.Reject(lost)
	_, err = await(t, race)
	assert.Same(t, lost, err)
}

func TestRaceEmptyNeverCompletes(t *testing.T) {
	race := Race[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := race.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, race.IsDone())
}

func TestTimeout(t *testing.T) {
	slow, _ := Pending[int]()
	deadline := stderrors.New("request timed out")

	_, err := await(t, Race(slow, Timeout[int](10*time.Millisecond, deadline)))
	assert.Same(t, deadline, err)

	_, err = await(t, WithTimeout(slow, 10*time.Millisecond, nil))
	assert.ErrorIs(t, err, ErrTimeout)

	v, err := await(t, WithTimeout(Resolved(7), time.Hour, nil))
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestAwaitContextCancelled(t *testing.T) {
	p, _ := Pending[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutorRoutedContinuations(t *testing.T) {
	exec := worker.NewExecutor(2, 16)
	require.NoError(t, exec.Start(context.Background()))
	defer exec.Stop(time.Second)

	p := NewWithExecutor(exec, func(*Resolver[int]) {})

	var continuation atomic.Value
	continuation.Store("")

	done := p.Then(func(v int) (int, error) {
		continuation.Store("ran")
		return v + 1, nil
	})

	go p.Complete(1)

	v, err := await(t, done)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, "ran", continuation.Load())
	assert.Equal(t, int64(1), exec.Stats().Submitted)

	mirrored := Resolved(5).On(exec)
	v, err = await(t, mirrored)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestConcurrentSubscribeAndComplete(t *testing.T) {
	for i := 0; i < 100; i++ {
		p, r := Pending[int]()
		var wg sync.WaitGroup
		derived := make([]*Promise[int], 8)
		for j := range derived {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				derived[j] = p.Then(func(v int) (int, error) { return v + j, nil })
			}(j)
		}
		go r.Resolve(i)
		wg.Wait()

		all, err := await(t, All(derived...))
		require.NoError(t, err)
		for j, v := range all {
			assert.Equal(t, i+j, v)
		}
	}
}
