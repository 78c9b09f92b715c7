// Package stepgraph implements the build step DAG (§4.5): asynchronous
// steps with typed inputs and a single typed output, executed on a
// shared worker pool, with per-key in-process coalescing so concurrent
// builds that want the same layer digest share one future.
package stepgraph

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/imgpipe/imgpipe/internal/errs"
)

// defaultWorkerPoolSize is min(32, 2*cores) (§4.5).
func defaultWorkerPoolSize() int {
	n := 2 * runtime.NumCPU()
	if n > 32 {
		return 32
	}
	if n < 1 {
		return 1
	}
	return n
}

// Executor runs steps on a single shared worker pool of bounded size.
// A build constructs one Executor and threads it through every step.
type Executor struct {
	sem   chan struct{}
	group singleflight.Group
}

// NewExecutor returns an Executor sized to poolSize workers, or the
// §4.5 default if poolSize <= 0.
func NewExecutor(poolSize int) *Executor {
	if poolSize <= 0 {
		poolSize = defaultWorkerPoolSize()
	}
	return &Executor{sem: make(chan struct{}, poolSize)}
}

// Run executes fn once a worker slot is free, blocking until one is
// available or ctx is cancelled.
func (e *Executor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
	}
	defer func() { <-e.sem }()
	return fn(ctx)
}

// Coalesce deduplicates concurrent calls sharing the same key: only
// one fn runs at a time per key; every caller waiting on that key gets
// the same result (§4.5 "concurrent builds that target the same
// layer-digest coalesce on a per-digest future"). The winning call
// still runs through e's worker-pool semaphore via Run, so the pool
// size configured on e bounds coalesced work the same as Go does.
//
// singleflight.Group.Do itself has no notion of context: a follower
// waiting on someone else's in-flight call would otherwise ignore its
// own ctx cancellation entirely and wait for the leader regardless.
// DoChan plus a select on ctx.Done() lets a cancelled caller return
// immediately while the shared call keeps running for whoever else is
// still waiting on it.
//
// The shared call itself runs on context.Background(), deliberately
// decoupled from whichever caller happens to be the singleflight
// leader: singleflight.Group hands the same (Val, Err) to every
// waiter on a key, so if the leader's own ctx were used to gate the
// run, the leader being cancelled would deliver a spurious ErrCancelled
// to every other, still-valid caller sharing that key. Cancellation is
// instead only ever observed per-caller, via each caller's own select
// below.
func Coalesce[T any](ctx context.Context, e *Executor, key string, fn func() (T, error)) (T, error) {
	ch := e.group.DoChan(key, func() (any, error) {
		var result T
		runErr := e.Run(context.Background(), func(ctx context.Context) error {
			r, err := fn()
			result = r
			return err
		})
		if runErr != nil {
			return nil, runErr
		}
		return result, nil
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
	}
}

// Future is a handle to a single asynchronous step's eventual result.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go starts fn on e's worker pool and returns a Future for its result.
// fn is not invoked until a worker slot is available.
func Go[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		err := e.Run(ctx, func(ctx context.Context) error {
			v, runErr := fn(ctx)
			f.value = v
			return runErr
		})
		f.err = err
	}()
	return f
}

// Wait blocks until the step completes or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
	}
}

// Group runs a set of steps concurrently via errgroup, collecting every
// failure into an Aggregate (§7 propagation: "the top-level build()
// returns the first failure with all later failures attached as
// suppressed causes") instead of errgroup's default first-error-wins,
// last-one-silently-dropped behavior.
type Group struct {
	ctx context.Context
	eg  *errgroup.Group
	mu  sync.Mutex
	agg errs.Aggregate
}

// WithContext returns a Group and a derived Context that is cancelled
// as soon as any step fails, mirroring errgroup.WithContext (§4.5
// "Cancelling the top-level build cancels all outstanding step
// futures").
func WithContext(ctx context.Context) (*Group, context.Context) {
	eg, gctx := errgroup.WithContext(ctx)
	return &Group{ctx: gctx, eg: eg}, gctx
}

// Go schedules fn, recording its error (if any) into the group's
// aggregate without aborting sibling steps already in flight (§7:
// "the first failure upstream aborts downstream steps but not sibling
// steps already in-flight").
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		err := fn(g.ctx)
		if err != nil {
			g.mu.Lock()
			g.agg.Add(err)
			g.mu.Unlock()
		}
		return err
	})
}

// Wait blocks until every scheduled step has returned, then returns the
// aggregated error (nil if every step succeeded).
func (g *Group) Wait() error {
	g.eg.Wait()
	return g.agg.Err()
}
