package repository

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"RevEngine/internal/domain/models"
	domainrepo "RevEngine/internal/domain/repository"
	"RevEngine/pkg/logger"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.With(logger.String("component", "events"))}
}

func (s *LogSink) Emit(_ context.Context, e models.Event) error {
	fields := []logger.Field{
		logger.String("kind", string(e.Kind)),
		logger.String("entity_id", e.EntityID),
		logger.Time("at", e.Timestamp),
	}
	if len(e.Detail) > 0 {
		fields = append(fields, logger.Any("detail", e.Detail))
	}
	s.log.Info("event", fields...)
	return nil
}

// FanOut delivers each event to every sink and joins their errors.
type FanOut []domainrepo.EventSink

func (f FanOut) Emit(ctx context.Context, e models.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps the most recent events in a bounded ring.
type MemorySink struct {
	mu     sync.RWMutex
	events []models.Event
	next   int
	full   bool
}

var _ domainrepo.EventStore = (*MemorySink)(nil)

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemorySink{events: make([]models.Event, capacity)}
}

func (s *MemorySink) Emit(_ context.Context, e models.Event) error {
	s.mu.Lock()
	s.events[s.next] = e
	s.next = (s.next + 1) % len(s.events)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

// Events returns held events oldest first, optionally filtered by entity id
// and kind. Empty filters match everything.
func (s *MemorySink) Events(entityID string, kind models.EventKind) []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ordered []models.Event
	if s.full {
		ordered = append(slices.Clone(s.events[s.next:]), s.events[:s.next]...)
	} else {
		ordered = slices.Clone(s.events[:s.next])
	}
	return slices.DeleteFunc(ordered, func(e models.Event) bool {
		return (entityID != "" && e.EntityID != entityID) || (kind != "" && e.Kind != kind)
	})
}

// Query satisfies the read side of domainrepo.EventStore.
func (s *MemorySink) Query(_ context.Context, entityID string, since time.Time, limit int) ([]models.Event, error) {
	out := slices.DeleteFunc(s.Events(entityID, ""), func(e models.Event) bool {
		return e.Timestamp.Before(since)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Init and Close let MemorySink stand in as an EventStore.
func (s *MemorySink) Init(context.Context) error { return nil }

func (s *MemorySink) Close() error { return nil }

// AsyncSink buffers events and delivers them to next on one goroutine so
// emitters never wait on network sinks. Events are dropped, and counted,
// when the buffer is full.
type AsyncSink struct {
	next    domainrepo.EventSink
	log     *logger.Logger
	metrics domainrepo.Metrics
	queue   chan models.Event
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var errSinkClosed = errors.New("event sink closed")

func NewAsyncSink(next domainrepo.EventSink, buffer int, timeout time.Duration, log *logger.Logger, m domainrepo.Metrics) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &AsyncSink{
		next:    next,
		log:     log,
		metrics: m,
		queue:   make(chan models.Event, buffer),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) Emit(_ context.Context, e models.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errSinkClosed
	}
	select {
	case s.queue <- e:
		return nil
	default:
		s.metrics.RecordError("event_dropped")
		return errors.New("event buffer full")
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.next.Emit(ctx, e); err != nil {
			s.metrics.RecordError("event_sink")
			s.log.Warn("event delivery failed", logger.String("kind", string(e.Kind)), logger.Error(err))
		}
		cancel()
	}
}

// Close drains the buffer and waits for delivery to finish or ctx to end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
