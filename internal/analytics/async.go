package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/playsync/internal/telemetry"
)

// Async publishes in the background. Publish never blocks: when the buffer
// is full the delta is dropped and counted.
type Async struct {
	sink    Sink
	timeout time.Duration
	queue   chan Delta

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts a background publisher over sink with a buffer of size
// deltas. Each publish is bounded by timeout.
func NewAsync(sink Sink, size int, timeout time.Duration) *Async {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		sink:    sink,
		timeout: timeout,
		queue:   make(chan Delta, size),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// Publish implements Publisher. It always returns nil.
func (a *Async) Publish(_ context.Context, d Delta) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- d:
	default:
		telemetry.RecordAnalytics(a.sink.Name(), "dropped")
		slog.Warn("analytics buffer full, dropping delta",
			"sink", a.sink.Name(),
			"child_id", d.ChildID,
			"session_id", d.SessionID,
		)
	}
	return nil
}

// Close stops accepting deltas, drains the buffer and closes the sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return a.sink.Close()
}

func (a *Async) loop() {
	defer close(a.done)
	for d := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.sink.Publish(ctx, d)
		cancel()
		if err != nil {
			telemetry.RecordAnalytics(a.sink.Name(), "error")
			slog.Warn("analytics publish failed",
				"sink", a.sink.Name(),
				"child_id", d.ChildID,
				"session_id", d.SessionID,
				"error", err,
			)
			continue
		}
		telemetry.RecordAnalytics(a.sink.Name(), "ok")
	}
}
