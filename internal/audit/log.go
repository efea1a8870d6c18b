package audit

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder is the append operation other components depend on.
type Recorder interface {
	Record(ctx context.Context, e Event) (Event, error)
}

// Sink is a durable append target. Append is called in log order, one
// event at a time.
type Sink interface {
	Name() string
	Append(ctx context.Context, e Event) error
}

// Filter selects events from the log. Zero fields match everything.
type Filter struct {
	RunID    string
	Subject  string
	Kind     Kind
	AfterSeq uint64
	Limit    int
}

func (f Filter) match(e Event) bool {
	return (f.RunID == "" || e.RunID == f.RunID) &&
		(f.Subject == "" || e.Subject == f.Subject) &&
		(f.Kind == "" || e.Kind == f.Kind) &&
		e.Seq > f.AfterSeq
}

// Option configures a Log.
type Option func(*Log)

// WithSink forwards every recorded event to s.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, s) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log is an in-memory, totally ordered audit log.
//
// Sinks run under the append lock so their order matches Seq order. A sink
// failure is logged and counted but never fails the recording operation:
// the in-memory log remains the source of truth for the process.
type Log struct {
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	seq    uint64
	events []Event
	sinks  []Sink
}

// New creates an empty log.
func New(logger *zap.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record assigns sequence, ID, timestamp and digest, appends the event
// and forwards it to every sink.
func (l *Log) Record(ctx context.Context, e Event) (Event, error) {
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	e.Details = maps.Clone(e.Details)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	e.ID = uuid.NewString()
	e.Time = l.now().UTC()
	e.Digest = e.digest()
	l.events = append(l.events, e)
	eventsTotal.WithLabelValues(string(e.Kind)).Inc()

	for _, s := range l.sinks {
		if err := s.Append(ctx, e); err != nil {
			sinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			l.logger.Warn("audit sink append failed",
				zap.String("sink", s.Name()),
				zap.Uint64("seq", e.Seq),
				zap.String("kind", string(e.Kind)),
				zap.Error(err))
		}
	}
	return e, nil
}

// Events returns a copy of the events matching f in Seq order.
func (l *Log) Events(f Filter) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, e := range l.events {
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Discard is a Recorder that drops events. Useful in tests that do not
// inspect the audit trail.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(_ context.Context, e Event) (Event, error) { return e, e.Validate() }
