// Package auditlog persists access entries off the request path.
package auditlog

import (
	"context"
	"sync"
	"time"

	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/opal-compute/gateway/core/infra/logging"
	"github.com/opal-compute/gateway/core/infra/metrics"
)

const (
	DefaultBuffer = 1024
	writeTimeout  = 2 * time.Second
	drainDeadline = 5 * time.Second
)

// Sink stores one entry.
type Sink interface {
	Append(ctx context.Context, entry admission.AccessEntry) error
}

// Recorder implements admission.AccessRecorder with a bounded queue drained by
// a single writer. When the queue is full entries are dropped and counted.
type Recorder struct {
	sink    Sink
	metrics metrics.Metrics
	entries chan admission.AccessEntry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New starts the background writer. buffer <= 0 uses DefaultBuffer.
func New(sink Sink, m metrics.Metrics, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if m == nil {
		m = metrics.Noop{}
	}
	r := &Recorder{
		sink:    sink,
		metrics: m,
		entries: make(chan admission.AccessEntry, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues entry without blocking.
func (r *Recorder) Record(entry admission.AccessEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.IncAuditDropped()
		return
	}
	select {
	case r.entries <- entry:
	default:
		r.metrics.IncAuditDropped()
	}
}

// Close stops accepting entries and waits for queued ones to be written, up
// to ctx's deadline or a default bound.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, drainDeadline)
		defer cancel()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.sink.Append(ctx, entry); err != nil {
			logging.Error("auditlog", "write access entry", "kind", entry.Kind, "route", entry.Route, "error", err)
		}
		cancel()
	}
}
