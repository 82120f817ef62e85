package arbiter_test

import (
	"io"
	"testing"
)

// pipeSink adapts an io.PipeWriter to raft.SnapshotSink for tests that
// exercise Persist/Restore without a real raft.FileSnapshotStore.
type pipeSink struct {
	*io.PipeWriter
}

func (s pipeSink) ID() string { return "test-snapshot" }

func (s pipeSink) Cancel() error { return s.PipeWriter.Close() }

func newPipe(t *testing.T) (io.ReadCloser, pipeSink) {
	t.Helper()
	pr, pw := io.Pipe()
	return pr, pipeSink{PipeWriter: pw}
}
