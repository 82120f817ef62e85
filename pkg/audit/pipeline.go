package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-control/plane/pkg/gate"
)

// ErrQueueFull is returned when Enqueue's bounded deadline elapses
// before the record could be queued; callers (the Ingress layer)
// report this as "overloaded" per §7, never as a silent drop.
var ErrQueueFull = errors.New("audit: queue full, backpressure deadline exceeded")

// record pairs a request and result for the drain goroutine.
type record struct {
	req gate.Request
	res gate.Result
}

// appender is the subset of *Store the drain goroutine needs; narrowed
// to an interface so tests can substitute a deliberately slow sink to
// exercise backpressure without timing games against the real store.
type appender interface {
	Append(req gate.Request, res gate.Result) (*Entry, error)
}

// Pipeline is the never-drop audit sink of §4.5 step 6: Verify enqueues
// onto a bounded channel; a background goroutine drains it into Store.
// "Never-drop" means Enqueue blocks (up to EnqueueDeadline) rather than
// discarding a record when the channel is full -- the producer pays the
// backpressure instead of losing evidence.
type Pipeline struct {
	store           appender
	queue           chan record
	enqueueDeadline time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPipeline starts a Pipeline with the given queue capacity and
// per-Enqueue backpressure deadline. Call Close to drain and stop.
func NewPipeline(store *Store, capacity int, enqueueDeadline time.Duration) *Pipeline {
	return newPipeline(store, capacity, enqueueDeadline)
}

func newPipeline(store appender, capacity int, enqueueDeadline time.Duration) *Pipeline {
	if capacity <= 0 {
		capacity = 1024
	}
	if enqueueDeadline <= 0 {
		enqueueDeadline = 50 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		store:           store,
		queue:           make(chan record, capacity),
		enqueueDeadline: enqueueDeadline,
		cancel:          cancel,
	}

	p.wg.Add(1)
	go p.drain(ctx)
	return p
}

func (p *Pipeline) drain(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case r, ok := <-p.queue:
			if !ok {
				return
			}
			if _, err := p.store.Append(r.req, r.res); err != nil {
				slog.Error("audit: failed to persist entry", "request_id", r.req.RequestID, "error", err)
			}
		case <-ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case r, ok := <-p.queue:
					if !ok {
						return
					}
					if _, err := p.store.Append(r.req, r.res); err != nil {
						slog.Error("audit: failed to persist entry", "request_id", r.req.RequestID, "error", err)
					}
				default:
					return
				}
			}
		}
	}
}

// Enqueue implements gate.AuditSink. It blocks up to enqueueDeadline
// (or ctx's own deadline, whichever is sooner) before failing with
// ErrQueueFull -- the record is never silently discarded.
func (p *Pipeline) Enqueue(ctx context.Context, req gate.Request, res gate.Result) error {
	timer := time.NewTimer(p.enqueueDeadline)
	defer timer.Stop()

	select {
	case p.queue <- record{req: req, res: res}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrQueueFull
	}
}

// Close stops the drain goroutine after flushing anything already
// queued, and waits for it to finish. The queue channel is left open:
// a concurrent Enqueue racing with Close simply blocks out to its own
// deadline rather than risk a send on a closed channel.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}
