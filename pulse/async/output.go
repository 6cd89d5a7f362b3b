package async

import (
	"context"
	"io"
	"sync"
)

// Output collects what an operation writes to its stdout and stderr.
// Each stream keeps at most limit bytes (the oldest are dropped; 0 means
// unbounded). Output lives in memory only and is not part of the snapshot.
type Output struct {
	mu     sync.Mutex
	limit  int
	stdout stream
	stderr stream
}

// OutputSnapshot is a read of an Output
type OutputSnapshot struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated"`
}

type stream struct {
	buf     []byte
	dropped int64 // bytes discarded from the front
	cursor  int64 // absolute offset reached by the last incremental read
}

// NewOutput returns an empty buffer keeping at most limit bytes per stream
func NewOutput(limit int) *Output {
	return &Output{limit: limit}
}

// OutputFromContext returns the buffer of the calling operation's run.
// It is nil outside a scheduled run; a nil *Output discards writes.
func OutputFromContext(ctx context.Context) *Output {
	exec := executionFromContext(ctx)
	if exec == nil {
		return nil
	}
	return exec.output
}

// Stdout returns a writer appending to the stdout stream
func (o *Output) Stdout() io.Writer {
	if o == nil {
		return io.Discard
	}
	return streamWriter{o: o, s: &o.stdout}
}

// Stderr returns a writer appending to the stderr stream
func (o *Output) Stderr() io.Writer {
	if o == nil {
		return io.Discard
	}
	return streamWriter{o: o, s: &o.stderr}
}

// Read returns everything retained. With incremental set it returns only
// what arrived since the previous incremental read; Truncated then reports
// that some of that was already dropped.
func (o *Output) Read(incremental bool) OutputSnapshot {
	if o == nil {
		return OutputSnapshot{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	stdout, outTrunc := o.stdout.read(incremental)
	stderr, errTrunc := o.stderr.read(incremental)
	return OutputSnapshot{Stdout: stdout, Stderr: stderr, Truncated: outTrunc || errTrunc}
}

type streamWriter struct {
	o *Output
	s *stream
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.o.mu.Lock()
	defer w.o.mu.Unlock()
	w.s.write(p, w.o.limit)
	return len(p), nil
}

func (s *stream) write(p []byte, limit int) {
	s.buf = append(s.buf, p...)
	if limit > 0 && len(s.buf) > limit {
		cut := len(s.buf) - limit
		s.buf = append([]byte(nil), s.buf[cut:]...)
		s.dropped += int64(cut)
	}
}

func (s *stream) read(incremental bool) (string, bool) {
	if !incremental {
		return string(s.buf), s.dropped > 0
	}

	start := s.cursor - s.dropped
	truncated := false
	if start < 0 {
		start = 0
		truncated = true
	}
	out := string(s.buf[start:])
	s.cursor = s.dropped + int64(len(s.buf))
	return out, truncated
}
