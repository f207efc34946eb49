// Package loop implements the single-threaded event loop that owns all
// dispatch-core state (§5). Every component in this module mutates its
// state only from funcs run on the loop goroutine. Client callback
// delivery is pushed onto the offload pool and its continuation re-enters
// the loop via Post; HAL, DB and binder calls are made directly by the
// component that issues them.
package loop

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// Loop serializes all posted funcs onto one goroutine. It is the
// concurrency primitive backing every suspension-point note in §5: no two
// posted funcs ever run concurrently with each other.
type Loop struct {
	log   hclog.Logger
	queue chan func()

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates a Loop with the given pending-work buffer size and starts
// its goroutine. Callers must call Stop to release it.
func New(log hclog.Logger, buffer int) *Loop {
	l := &Loop{
		log:   log,
		queue: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.queue:
			l.safeRun(fn)
		case <-l.done:
			// Drain whatever is already queued before exiting so a
			// Stop racing with a burst of Posts doesn't drop work
			// silently.
			for {
				select {
				case fn := <-l.queue:
					l.safeRun(fn)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in loop func", "recover", r)
		}
	}()
	fn()
}

// Post enqueues fn to run on the loop goroutine. It is safe to call from
// any goroutine, including from within a func already running on the
// loop. Blocks if the queue is full; callers doing this from timer
// callbacks should size the buffer generously at construction.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Stop signals the loop goroutine to drain and exit, and waits for it.
func (l *Loop) Stop() {
	close(l.done)
	l.wg.Wait()
}

// OffloadPool runs suspension-point work (in this module: client callback
// delivery) off the loop goroutine with bounded concurrency, using a
// buffered channel as a semaphore over plain goroutines.
type OffloadPool struct {
	sem chan struct{}
}

// NewOffloadPool creates a pool allowing at most maxConcurrent in-flight
// offloaded operations.
func NewOffloadPool(maxConcurrent int) *OffloadPool {
	return &OffloadPool{sem: make(chan struct{}, maxConcurrent)}
}

// Run executes work on a pooled goroutine and calls cont with its result
// once done, posted back onto the loop via post so cont runs with
// loop-exclusive access to state. Run itself does not block past
// acquiring a pool slot. post is a closure rather than a *Loop so
// callers (and tests) can supply any serializing post func, not just a
// real Loop's.
func (p *OffloadPool) Run(ctx context.Context, post func(func()), work func(ctx context.Context) error, cont func(err error)) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		post(func() { cont(ctx.Err()) })
		return
	}
	go func() {
		defer func() { <-p.sem }()
		err := work(ctx)
		post(func() { cont(err) })
	}()
}

// RunGroup runs a batch of offloaded operations concurrently, via
// errgroup, and posts the aggregate result back onto the loop via post
// once every member completes. It fits a suspension point that fans out
// (e.g. notifying several clients at once) where the continuation needs
// to see them all finish together; only its own test calls it today.
func RunGroup(ctx context.Context, post func(func()), works []func(ctx context.Context) error, cont func(err error)) {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range works {
		w := w
		g.Go(func() error { return w(gctx) })
	}
	go func() {
		err := g.Wait()
		post(func() { cont(err) })
	}()
}
