package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/pkg/clock"
)

// Sink receives every appended entry for durable storage.
// A sink error never fails the mutation that produced the entry. Sinks that
// confirm writes asynchronously report through ReportSuccess and ReportFailure.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Config holds audit logger configuration
type Config struct {
	// Retention is the maximum number of entries kept; older entries are evicted FIFO
	Retention int
	// FailureThreshold is the consecutive sink failure count that triggers escalation
	FailureThreshold int
}

// DefaultConfig returns the reference retention and escalation threshold
func DefaultConfig() Config {
	return Config{
		Retention:        1000,
		FailureThreshold: 5,
	}
}

// EscalationFunc is invoked when sink failures reach the configured streak
type EscalationFunc func(streak int, err error)

// Logger is the single append point for audit entries
type Logger struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	entries   []Entry
	seq       int64
	evicted   int64
	sink      Sink
	observers []func(Entry)
	escalate  EscalationFunc

	failMu   sync.Mutex
	streak   int
	failures int64
}

// NewLogger creates an audit logger
func NewLogger(cfg Config, clk clock.Clock, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Logger{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		entries: make([]Entry, 0, cfg.Retention),
	}
}

// SetSink attaches the durable sink
func (l *Logger) SetSink(s Sink) {
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
}

// OnAppend registers an observer called after every append
func (l *Logger) OnAppend(fn func(Entry)) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

// OnEscalate registers the operator escalation hook
func (l *Logger) OnEscalate(fn EscalationFunc) {
	l.mu.Lock()
	l.escalate = fn
	l.mu.Unlock()
}

// Record appends an entry, assigning id, sequence and timestamp when absent.
// It never fails; sink faults are reported through ReportFailure.
func (l *Logger) Record(ctx context.Context, e Entry) Entry {
	l.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	l.seq++
	e.Seq = l.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now()
	}
	if n := len(l.entries); n > 0 && e.Timestamp.Before(l.entries[n-1].Timestamp) {
		e.Timestamp = l.entries[n-1].Timestamp
	}
	l.entries = append(l.entries, e)
	l.evictLocked()

	observers := make([]func(Entry), len(l.observers))
	copy(observers, l.observers)
	sink := l.sink
	l.mu.Unlock()

	for _, obs := range observers {
		obs(e)
	}

	if sink != nil {
		if err := sink.Write(ctx, e); err != nil {
			l.ReportFailure(e, err)
		}
	}
	return e
}

func (l *Logger) evictLocked() {
	over := len(l.entries) - l.cfg.Retention
	if over <= 0 {
		return
	}
	copy(l.entries, l.entries[over:])
	for i := len(l.entries) - over; i < len(l.entries); i++ {
		l.entries[i] = Entry{}
	}
	l.entries = l.entries[:len(l.entries)-over]
	l.evicted += int64(over)
}

// ReportFailure records a sink failure for entry. It is safe to call from async sinks.
func (l *Logger) ReportFailure(e Entry, cause error) {
	err := errs.AuditWriteFailure(e.ID, cause)

	l.failMu.Lock()
	l.streak++
	l.failures++
	streak := l.streak
	l.failMu.Unlock()

	l.logger.Error("audit write failed",
		zap.String("entry_id", e.ID),
		zap.String("entity_type", string(e.EntityType)),
		zap.String("entity_id", e.EntityID),
		zap.String("action", string(e.Action)),
		zap.Int("streak", streak),
		zap.Error(err))

	if streak < l.cfg.FailureThreshold {
		return
	}

	l.logger.Error("audit sink failure streak reached threshold, operator attention required",
		zap.Int("streak", streak),
		zap.Int("threshold", l.cfg.FailureThreshold))

	l.mu.RLock()
	escalate := l.escalate
	l.mu.RUnlock()
	if escalate != nil {
		escalate(streak, err)
	}
}

// ReportSuccess resets the failure streak
func (l *Logger) ReportSuccess() {
	l.failMu.Lock()
	l.streak = 0
	l.failMu.Unlock()
}

// Entries returns a copy of the log in creation order
func (l *Logger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Query returns matching entries in creation order; Limit keeps the most recent ones
func (l *Logger) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for i := range l.entries {
		if f.matches(&l.entries[i]) {
			out = append(out, l.entries[i])
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Len returns the number of retained entries
func (l *Logger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Restore replaces the log with previously persisted entries, keeping the newest within retention
func (l *Logger) Restore(entries []Entry) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	if over := len(sorted) - l.cfg.Retention; over > 0 {
		sorted = sorted[over:]
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(make([]Entry, 0, l.cfg.Retention), sorted...)
	l.seq = 0
	if n := len(sorted); n > 0 {
		l.seq = sorted[n-1].Seq
	}
}

// Stats holds audit logger counters
type Stats struct {
	Entries   int
	Evicted   int64
	Failures  int64
	Streak    int
	Retention int
}

// Stats returns current counters
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	n, evicted := len(l.entries), l.evicted
	l.mu.RUnlock()

	l.failMu.Lock()
	defer l.failMu.Unlock()
	return Stats{
		Entries:   n,
		Evicted:   evicted,
		Failures:  l.failures,
		Streak:    l.streak,
		Retention: l.cfg.Retention,
	}
}
