package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// DefaultAsyncBuffer is the queue size used when none is configured
const DefaultAsyncBuffer = 1024

// AsyncLogger queues events for a background worker that forwards them to
// the wrapped sink. A full queue drops the event; Log never blocks and never
// reports a sink failure to the caller.
type AsyncLogger struct {
	sink     Logger
	sinkName string
	logger   *observability.Logger
	metrics  *observability.Metrics
	timeout  time.Duration

	queue     chan *Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ Logger = (*AsyncLogger)(nil)

// AsyncOption configures an AsyncLogger
type AsyncOption func(*AsyncLogger)

// WithBufferSize sets the queue capacity
func WithBufferSize(n int) AsyncOption {
	return func(a *AsyncLogger) {
		if n > 0 {
			a.queue = make(chan *Event, n)
		}
	}
}

// WithAsyncLogger sets the logger used to report write failures
func WithAsyncLogger(logger *observability.Logger) AsyncOption {
	return func(a *AsyncLogger) {
		a.logger = logger
	}
}

// WithAsyncMetrics records drops and write failures
func WithAsyncMetrics(metrics *observability.Metrics, sinkName string) AsyncOption {
	return func(a *AsyncLogger) {
		a.metrics = metrics
		a.sinkName = sinkName
	}
}

// WithWriteTimeout bounds each write to the wrapped sink
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(a *AsyncLogger) {
		a.timeout = d
	}
}

// NewAsyncLogger starts a worker forwarding events to sink
func NewAsyncLogger(sink Logger, opts ...AsyncOption) *AsyncLogger {
	a := &AsyncLogger{
		sink:     sink,
		sinkName: "async",
		logger:   observability.NopLogger(),
		timeout:  5 * time.Second,
		queue:    make(chan *Event, DefaultAsyncBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for item := range a.queue {
		a.write(item)
	}
}

func (a *AsyncLogger) write(event *Event) {
	// The request context may be gone by now; request fields were stamped at enqueue.
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.sink.Log(ctx, event); err != nil {
		a.metrics.RecordAuditError(a.sinkName)
		a.logger.WithError(err).
			WithField("event_type", string(event.EventType)).
			Warn("failed to write audit event")
	}
}

// Log enqueues event. It returns nil even when the event is dropped.
func (a *AsyncLogger) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.metrics.RecordAuditDropped()
		return nil
	}

	select {
	case a.queue <- stamp(ctx, event):
	default:
		a.metrics.RecordAuditDropped()
		a.logger.WithField("event_type", string(event.EventType)).Warn("audit queue full, dropping event")
	}
	return nil
}

// LogAuthorization logs an authorization event
func (a *AsyncLogger) LogAuthorization(ctx context.Context, userID uuid.UUID, resourceType ResourceType, resourceID, action string, allowed bool, reason string) error {
	return a.Log(ctx, authorizationEvent(ctx, userID, resourceType, resourceID, action, allowed, reason))
}

// LogToken logs a token lifecycle event
func (a *AsyncLogger) LogToken(ctx context.Context, eventType EventType, userID, tokenID uuid.UUID, status EventStatus, message string) error {
	return a.Log(ctx, tokenEvent(ctx, eventType, userID, tokenID, status, message))
}

// Close drains the queue and closes the wrapped sink
func (a *AsyncLogger) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
	return a.sink.Close()
}
