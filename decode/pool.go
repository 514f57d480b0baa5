package decode

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pageflow/pageflow"
)

// Fetcher supplies the raw bytes for an entry, blocking per the L3
// wait-for-fill rules for Display priority. Implemented by
// *fileloader.Loader; decode depends only on this interface to avoid a
// package cycle.
type Fetcher interface {
	Fetch(ctx context.Context, entry pageflow.EntryKey, priority pageflow.Priority) ([]byte, error)
}

// Result is delivered on completion of one decode job.
type Result struct {
	Page       pageflow.PageIndex
	Generation pageflow.Generation
	Bitmap     *pageflow.Bitmap
	Err        error
}

// job pairs a task with the entry key and generation it was enqueued under.
type job struct {
	pageflow.LoadTask
	entry      pageflow.EntryKey
	generation pageflow.Generation
}

// Pool is the two-lane priority decoder pool: a high (Display) lane and a
// low (Prefetch) lane, drained high-first, with bounded parallelism.
//
// Pool tracks its queued and in-flight pages (see InFlightOrQueued) but
// does not reject duplicates or check L2 itself; the callers (the core
// façade and the prefetcher) check L2 and InFlightOrQueued before calling
// Enqueue, since the L2 check needs a view of L2 the pool doesn't have.
type Pool struct {
	fetcher Fetcher
	workers int

	mu       sync.Mutex
	high     []job
	low      []job
	inFlight map[pageflow.PageIndex]struct{}

	results chan Result

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Pool with the given worker limit. Results are delivered
// on the returned Pool's Results channel; callers must drain it.
func New(fetcher Fetcher, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	return &Pool{
		fetcher:  fetcher,
		workers:  workers,
		inFlight: make(map[pageflow.PageIndex]struct{}),
		results:  make(chan Result, workers*2),
		g:        g,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Results returns the channel decode results are delivered on.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// InFlightOrQueued reports whether page is already being worked on, so
// callers can implement the "reject duplicate" rule.
func (p *Pool) InFlightOrQueued(page pageflow.PageIndex) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[page]; ok {
		return true
	}
	for _, j := range p.high {
		if j.Page == page {
			return true
		}
	}
	for _, j := range p.low {
		if j.Page == page {
			return true
		}
	}
	return false
}

// Enqueue appends a task to the appropriate lane and kicks the dispatcher.
// Callers must have already checked InFlightOrQueued and L2 membership.
func (p *Pool) Enqueue(page pageflow.PageIndex, entry pageflow.EntryKey, priority pageflow.Priority, generation pageflow.Generation) {
	j := job{LoadTask: pageflow.LoadTask{Priority: priority, Page: page}, entry: entry, generation: generation}
	p.mu.Lock()
	if priority == pageflow.Display {
		p.high = append(p.high, j)
	} else {
		p.low = append(p.low, j)
	}
	p.mu.Unlock()
	p.dispatch()
}

// dispatch pops tasks while a worker slot is free and some lane is
// non-empty, draining high before low, and submits each as a decode job to
// the errgroup. Workers decode to completion even if their result turns out
// stale; there is no in-flight cancellation (§5 Cancellation).
func (p *Pool) dispatch() {
	for {
		j, ok := p.pop()
		if !ok {
			return
		}
		p.g.Go(func() error {
			p.runJob(j)
			return nil
		})
	}
}

// pop removes and returns the next task to run, preferring the high lane,
// only if a worker slot is available. Callers rely on errgroup's internal
// limiter to actually bound concurrency; this pre-check just avoids
// queueing more goroutines than could possibly make progress at once.
func (p *Pool) pop() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inFlight) >= p.workers {
		return job{}, false
	}
	var j job
	switch {
	case len(p.high) > 0:
		j, p.high = p.high[0], p.high[1:]
	case len(p.low) > 0:
		j, p.low = p.low[0], p.low[1:]
	default:
		return job{}, false
	}
	p.inFlight[j.Page] = struct{}{}
	return j, true
}

// runJob fetches the entry's bytes and decodes them, emitting a Result.
func (p *Pool) runJob(j job) {
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, j.Page)
		p.mu.Unlock()
		// Dispatch from a fresh goroutine: this job still holds its errgroup
		// slot until runJob returns, so calling g.Go from here would wait
		// on that very slot.
		go p.dispatch()
	}()

	raw, err := p.fetcher.Fetch(p.ctx, j.entry, j.Priority)
	if err != nil {
		p.results <- Result{Page: j.Page, Generation: j.generation, Err: err}
		return
	}
	bm, err := Decode(raw)
	if err != nil {
		p.results <- Result{Page: j.Page, Generation: j.generation, Err: err}
		return
	}
	p.results <- Result{Page: j.Page, Generation: j.generation, Bitmap: bm}
}

// Close cancels the context handed to Fetch and waits for in-flight and
// still-queued jobs to drain, bounded by ctx. Results is closed only when
// the drain finishes within ctx.
func (p *Pool) Close(ctx context.Context) error {
	p.cancel()
	done := make(chan error, 1)
	go func() { done <- p.g.Wait() }()
	select {
	case err := <-done:
		close(p.results)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
