// Package parallel provides the fork-join primitive every simulation phase
// runs on: a fixed pool of worker goroutines that split an index range into
// chunks claimed through an atomic cursor.
package parallel

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// DefaultChunk is the chunk size used by Range when callers pass 0.
const DefaultChunk = 256

// Runner is a fixed-size worker pool. Calls to Range and Chunks block until
// every chunk of the range has been processed. A Runner serves one call at
// a time; concurrent callers are serialized.
type Runner struct {
	mu      sync.Mutex
	workers int
	queues  []chan *job
	wg      sync.WaitGroup
	closed  bool
}

type job struct {
	n      int64
	chunk  int64
	cursor atomic.Int64
	fn     func(lo, hi, worker int)
	done   sync.WaitGroup

	panicOnce sync.Once
	panicVal  any
}

// NewRunner starts a pool with the given number of workers. A count below 1
// uses runtime.GOMAXPROCS(0).
func NewRunner(workers int) *Runner {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	r := &Runner{
		workers: workers,
		queues:  make([]chan *job, workers),
	}
	for i := range r.queues {
		r.queues[i] = make(chan *job, 1)
		r.wg.Add(1)
		go r.work(i, r.queues[i])
	}
	return r
}

// Workers returns the pool size. Worker ids passed to Chunks callbacks are
// always in [0, Workers()).
func (r *Runner) Workers() int {
	return r.workers
}

// Close stops the workers. The Runner must not be used afterwards.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, q := range r.queues {
		close(q)
	}
	r.wg.Wait()
}

// Range calls fn(i) for every i in [0, n).
func (r *Runner) Range(n, chunk int, fn func(i int)) {
	r.Chunks(n, chunk, func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			fn(i)
		}
	})
}

// Chunks partitions [0, n) into contiguous chunks of size chunk and calls
// fn(lo, hi, worker) once per chunk. Chunk order across workers is
// unspecified. A panic in fn is re-raised on the caller after the join.
func (r *Runner) Chunks(n, chunk int, fn func(lo, hi, worker int)) {
	if n <= 0 {
		return
	}
	if chunk <= 0 {
		chunk = DefaultChunk
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		panic("parallel: use of closed Runner")
	}

	chunks := (n + chunk - 1) / chunk
	if chunks == 1 || r.workers == 1 {
		// Not worth a handoff; run on the caller as worker 0.
		for lo := 0; lo < n; lo += chunk {
			fn(lo, min(lo+chunk, n), 0)
		}
		return
	}

	j := &job{n: int64(n), chunk: int64(chunk), fn: fn}
	active := min(chunks, r.workers)
	j.done.Add(active)
	for w := 0; w < active; w++ {
		r.queues[w] <- j
	}
	j.done.Wait()

	if j.panicVal != nil {
		panic(fmt.Sprintf("parallel: worker panic: %v", j.panicVal))
	}
}

func (r *Runner) work(id int, q <-chan *job) {
	defer r.wg.Done()
	for j := range q {
		j.run(id)
	}
}

func (j *job) run(worker int) {
	defer j.done.Done()
	defer func() {
		if v := recover(); v != nil {
			j.panicOnce.Do(func() { j.panicVal = v })
			// Drain the cursor so the remaining workers stop early.
			j.cursor.Store(j.n)
		}
	}()
	for {
		lo := j.cursor.Add(j.chunk) - j.chunk
		if lo >= j.n {
			return
		}
		hi := min(lo+j.chunk, j.n)
		j.fn(int(lo), int(hi), worker)
	}
}
