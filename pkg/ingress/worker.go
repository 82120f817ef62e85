// Package ingress implements Request Ingress (spec §4.5): a set of
// per-core workers, each with a private inbox selected by a consistent
// hash of the request's route key, admission-controlled before any
// policy evaluation begins.
package ingress

import (
	"fmt"
	"hash/fnv"
	"sync/atomic"
)

// ErrOverloaded is returned when a worker's inflight count exceeds its
// configured limit (§4.5 step 2, "Admission is preferable to
// timeout").
var ErrOverloaded = fmt.Errorf("ingress: worker overloaded")

// worker is one per-core request processor: single-threaded by
// construction (its inbox is drained by exactly one goroutine), so
// requests routed to it are served strictly FIFO (§5 "Within one
// shard ... requests are served strictly FIFO by arrival order").
type worker struct {
	inbox   chan func()
	inflate int64 // atomic inflight count
	limit   int64
}

// WorkerPool routes work by a consistent hash of the caller-supplied
// route key (agent-id when the request doesn't name a resource,
// resource-name when it does, per §4.5 "Shape").
type WorkerPool struct {
	workers []*worker
}

// NewWorkerPool starts n single-threaded workers, each admitting at
// most inflightLimit concurrent requests.
func NewWorkerPool(n, inflightLimit int) *WorkerPool {
	if n <= 0 {
		n = 1
	}
	if inflightLimit <= 0 {
		inflightLimit = 1
	}
	p := &WorkerPool{workers: make([]*worker, n)}
	for i := range p.workers {
		w := &worker{inbox: make(chan func(), 256), limit: int64(inflightLimit)}
		p.workers[i] = w
		go func(inbox <-chan func()) {
			for fn := range inbox {
				fn()
			}
		}(w.inbox)
	}
	return p
}

// Submit routes fn to the worker routeKey hashes to. It applies
// admission control before queuing: if that worker's inflight count is
// already at its limit, Submit returns ErrOverloaded without running
// fn at all (no side effects, §4.5 step 1/2). Otherwise it blocks until
// fn completes and returns fn's error.
func (p *WorkerPool) Submit(routeKey string, fn func() error) error {
	w := p.workers[routeIndex(routeKey, len(p.workers))]

	if atomic.AddInt64(&w.inflate, 1) > w.limit {
		atomic.AddInt64(&w.inflate, -1)
		return ErrOverloaded
	}
	defer atomic.AddInt64(&w.inflate, -1)

	done := make(chan error, 1)
	w.inbox <- func() {
		done <- fn()
	}
	return <-done
}

// Inflight reports routeKey's worker's current inflight count, for
// health checks and tests.
func (p *WorkerPool) Inflight(routeKey string) int {
	w := p.workers[routeIndex(routeKey, len(p.workers))]
	return int(atomic.LoadInt64(&w.inflate))
}

func routeIndex(routeKey string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(routeKey))
	return int(h.Sum32()) % n
}

// Close stops accepting new work on every worker.
func (p *WorkerPool) Close() {
	for _, w := range p.workers {
		close(w.inbox)
	}
}
