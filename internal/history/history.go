package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is a single service state transition as persisted by a sink.
type Event struct {
	Service    string    `json:"service"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	PID        int       `json:"pid"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink receives lifecycle events for persistence.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can return stored events.
// An empty service matches every service. Results are newest first.
type Reader interface {
	Recent(ctx context.Context, service string, limit int) ([]Event, error)
}

// DefaultTimeout bounds a single Send issued by a Recorder.
const DefaultTimeout = 2 * time.Second

// QueueSize is the number of events a Recorder buffers ahead of a slow sink.
const QueueSize = 256

// Recorder forwards events to a sink from a single background goroutine,
// with a bounded timeout per Send. Failures are logged, never returned.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	queue  chan Event
	closed bool
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func NewRecorder(sink Sink, timeout time.Duration, log *slog.Logger) *Recorder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sink:    sink,
		timeout: timeout,
		log:     log,
		queue:   make(chan Event, QueueSize),
		done:    make(chan struct{}),
	}
	if sink != nil {
		go r.drain()
	}
	return r
}

// Record queues e and returns immediately. When the queue is full the event
// is dropped with a warning.
func (r *Recorder) Record(e Event) {
	if r == nil || r.sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("history queue full, dropping event", "service", e.Service, "to", e.To)
	}
}

func (r *Recorder) drain() {
	defer close(r.done)
	for e := range r.queue {
		r.send(e)
	}
}

func (r *Recorder) send(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		r.log.Warn("history write failed", "service", e.Service, "to", e.To, "error", err)
	}
}

// Recent reads back events when the sink supports it.
func (r *Recorder) Recent(ctx context.Context, service string, limit int) ([]Event, bool, error) {
	if r == nil {
		return nil, false, nil
	}
	rd, ok := r.sink.(Reader)
	if !ok {
		return nil, false, nil
	}
	evs, err := rd.Recent(ctx, service, limit)
	return evs, true, err
}

// Close delivers the queued events, then closes the sink when it holds
// resources. Events recorded after Close are discarded.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done

	r.closeOnce.Do(func() {
		if c, ok := r.sink.(interface{ Close() error }); ok {
			r.closeErr = c.Close()
		}
	})
	return r.closeErr
}
