package audit

import (
	"context"
	"testing"
	"time"

	"github.com/aegis-control/plane/pkg/gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingAppender never returns from Append until release is closed,
// letting a test saturate the bounded queue deterministically instead
// of racing the real drain goroutine.
type blockingAppender struct {
	release chan struct{}
}

func (b *blockingAppender) Append(gate.Request, gate.Result) (*Entry, error) {
	<-b.release
	return &Entry{}, nil
}

func TestPipeline_EnqueueBlocksThenFailsClosedWhenQueueStaysFull(t *testing.T) {
	sink := &blockingAppender{release: make(chan struct{})}
	defer close(sink.release)

	p := newPipeline(sink, 1, 20*time.Millisecond)
	defer p.Close()

	// First record is picked up by drain and blocks inside Append,
	// freeing the channel slot; the second fills the one-slot buffer.
	require.NoError(t, p.Enqueue(context.Background(), gate.Request{RequestID: "r1"}, gate.Result{}))
	require.Eventually(t, func() bool {
		return p.Enqueue(context.Background(), gate.Request{RequestID: "r2"}, gate.Result{}) == nil
	}, time.Second, time.Millisecond)

	// The buffer is now full and the drain goroutine is wedged inside
	// Append, so a third Enqueue must fail once its deadline elapses.
	err := p.Enqueue(context.Background(), gate.Request{RequestID: "r3"}, gate.Result{})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPipeline_EnqueueRespectsCallerContextWhenQueueFull(t *testing.T) {
	sink := &blockingAppender{release: make(chan struct{})}
	defer close(sink.release)

	p := newPipeline(sink, 1, time.Second)
	defer p.Close()

	require.NoError(t, p.Enqueue(context.Background(), gate.Request{RequestID: "r1"}, gate.Result{}))
	require.Eventually(t, func() bool {
		return p.Enqueue(context.Background(), gate.Request{RequestID: "r2"}, gate.Result{}) == nil
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Enqueue(ctx, gate.Request{RequestID: "r3"}, gate.Result{})
	assert.ErrorIs(t, err, context.Canceled)
}
