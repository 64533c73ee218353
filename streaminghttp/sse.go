package streaminghttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// streamWriter is one HTTP response attached to a stream. done is closed
// when the stream lets go of it, which ends the HTTP exchange.
type streamWriter struct {
	wf   *lockedWriteFlusher
	done chan struct{}
	once sync.Once
}

func newStreamWriter(w http.ResponseWriter, f http.Flusher, ctx context.Context) *streamWriter {
	return &streamWriter{wf: &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}, done: make(chan struct{})}
}

func (sw *streamWriter) release() { sw.once.Do(func() { close(sw.done) }) }

// writeSSEEvent writes one Server-Sent Event and flushes it. Every line of
// payload gets its own data field.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, retry time.Duration, payload []byte) error {
	var buf bytes.Buffer
	if eventID != "" {
		fmt.Fprintf(&buf, "id: %s\n", eventID)
	}
	if retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", retry.Milliseconds())
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
