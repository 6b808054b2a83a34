// Package engine wires the care-plan lifecycles for one scope: the in-memory
// arena, the audit logger, the order and dose lifecycles, reminder dispatch and
// snapshot persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/domain/clinical"
	"github.com/drfirst/go-careplan/internal/domain/dose"
	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
	"github.com/drfirst/go-careplan/internal/observability/metrics"
	"github.com/drfirst/go-careplan/internal/reminder"
	"github.com/drfirst/go-careplan/internal/store"
	"github.com/drfirst/go-careplan/internal/store/memory"
	"github.com/drfirst/go-careplan/pkg/circuitbreaker"
	"github.com/drfirst/go-careplan/pkg/clock"
	"github.com/drfirst/go-careplan/pkg/workerpool"
)

// Breaker names
const (
	BreakerReminders = "reminders"
	BreakerAudit     = "audit-sink"
	BreakerSnapshot  = "snapshot"
)

// Config holds engine configuration
type Config struct {
	Scope    string
	Timezone string

	AuditRetention        int
	AuditFailureThreshold int
	CASAttempts           int

	// SnapshotDelay coalesces saves: mutations within the delay share one save.
	SnapshotDelay time.Duration

	Pool workerpool.Config
}

// DefaultConfig returns defaults for a single scope
func DefaultConfig(scope string) Config {
	return Config{
		Scope:                 scope,
		Timezone:              "UTC",
		AuditRetention:        audit.DefaultConfig().Retention,
		AuditFailureThreshold: audit.DefaultConfig().FailureThreshold,
		CASAttempts:           3,
		SnapshotDelay:         200 * time.Millisecond,
		Pool:                  workerpool.DefaultConfig(),
	}
}

// Options are the optional collaborators. A nil field disables that concern.
type Options struct {
	Clock     clock.Clock
	Substrate store.Substrate
	Scheduler reminder.Scheduler
	AuditSink audit.Sink
	Metrics   *metrics.Metrics
}

// Engine is the composition root for one scope.
type Engine struct {
	Clinical *clinical.Store
	Orders   *medication.Lifecycle
	Doses    *dose.Lifecycle
	Audit    *audit.Logger
	Breakers *circuitbreaker.Registry

	cfg       Config
	arena     *memory.Store
	pool      *workerpool.Pool
	reminders *reminder.Dispatcher
	substrate store.Substrate
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    *zap.Logger

	saveMu  sync.Mutex
	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

// New builds an engine. Call Load to restore persisted state and Start before
// serving traffic.
func New(cfg Config, opts Options, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Scope == "" {
		return nil, fmt.Errorf("engine: scope is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	e := &Engine{
		cfg:       cfg,
		arena:     memory.New(),
		pool:      workerpool.New(cfg.Pool, logger.Named("workers")),
		substrate: opts.Substrate,
		metrics:   opts.Metrics,
		clock:     clk,
		logger:    logger,
	}

	var onBreaker circuitbreaker.StateChangeFunc
	if e.metrics != nil {
		onBreaker = e.metrics.ObserveBreaker
	}
	e.Breakers = circuitbreaker.NewRegistry(logger.Named("breakers"), onBreaker)

	e.Audit = audit.NewLogger(audit.Config{
		Retention:        cfg.AuditRetention,
		FailureThreshold: cfg.AuditFailureThreshold,
	}, clk, logger.Named("audit"))

	e.Clinical = clinical.NewStore(e.arena, e.Audit, clk, logger.Named("clinical"))
	e.Orders = medication.NewLifecycle(medication.Config{
		Timezone: cfg.Timezone,
		Attempts: cfg.CASAttempts,
	}, e.arena, e.Clinical, e.Audit, clk, logger.Named("orders"))
	e.Doses = dose.NewLifecycle(dose.Config{
		Attempts: cfg.CASAttempts,
	}, e.arena, e.Orders, e.Audit, clk, logger.Named("doses"))

	e.Orders.OnClose(func(ctx context.Context, actor audit.Actor, o *medication.Order) {
		if _, err := e.Doses.SupersedeFutureDoses(ctx, actor, o); err != nil {
			e.logger.Error("failed to skip future doses of closed order",
				zap.String("order_id", o.ID),
				zap.Error(err))
		}
	})
	e.Orders.OnReschedule(func(ctx context.Context, actor audit.Actor, o *medication.Order, previous, next *schedule.DoseSchedule) {
		if _, err := e.Doses.SupersedeScheduleDoses(ctx, actor, previous, next); err != nil {
			e.logger.Error("failed to skip doses of superseded schedule",
				zap.String("order_id", o.ID),
				zap.String("schedule_id", previous.ID),
				zap.Error(err))
		}
	})

	if opts.Scheduler != nil {
		guard, err := e.Breakers.Get(circuitbreaker.DefaultConfig(BreakerReminders))
		if err != nil {
			return nil, fmt.Errorf("reminder breaker: %w", err)
		}
		e.reminders = reminder.NewDispatcher(opts.Scheduler, e.pool, guard, logger.Named("reminders"))
		if e.metrics != nil {
			e.reminders.OnOutcome(e.metrics.ObserveReminder)
		}
		e.Orders.SetReminders(e.reminders)
	}

	if opts.AuditSink != nil {
		guard, err := e.Breakers.Get(circuitbreaker.DefaultConfig(BreakerAudit))
		if err != nil {
			return nil, fmt.Errorf("audit breaker: %w", err)
		}
		e.Audit.SetSink(&backgroundSink{
			sink:    opts.AuditSink,
			guard:   guard,
			jobs:    e.pool,
			log:     e.Audit,
			metrics: e.metrics,
		})
	}

	if e.metrics != nil {
		e.instrument()
	}
	if e.substrate != nil {
		e.Audit.OnAppend(func(audit.Entry) { e.markDirty() })
	}
	return e, nil
}

func (e *Engine) instrument() {
	m := e.metrics
	e.Audit.OnAppend(m.ObserveAudit)
	e.Audit.OnEscalate(func(int, error) { m.AuditEscalations.Inc() })

	m.Gauge("audit_log_entries", "Audit entries retained in memory", func() float64 {
		return float64(e.Audit.Stats().Entries)
	})
	m.Gauge("audit_log_evicted", "Audit entries evicted by retention", func() float64 {
		return float64(e.Audit.Stats().Evicted)
	})
	m.Gauge("audit_failure_streak", "Consecutive audit sink failures", func() float64 {
		return float64(e.Audit.Stats().Streak)
	})
	m.Gauge("worker_queue_depth", "Queued background jobs", func() float64 {
		return float64(e.pool.Stats().QueueDepth)
	})
	m.Gauge("worker_jobs_failed", "Background jobs that exhausted retries", func() float64 {
		return float64(e.pool.Stats().Failed)
	})
	if e.reminders != nil {
		m.Gauge("reminder_handles_active", "Schedules holding a reminder handle", func() float64 {
			return float64(e.reminders.Pending())
		})
	}
}

// Start launches the background workers
func (e *Engine) Start() {
	e.pool.Start()
}

// Load restores the scope from the substrate. A scope that was never saved
// starts empty.
func (e *Engine) Load(ctx context.Context) error {
	if e.substrate == nil {
		return nil
	}
	snap, err := e.substrate.Load(ctx, e.cfg.Scope)
	if errors.Is(err, store.ErrNoSnapshot) {
		e.logger.Info("no snapshot for scope, starting empty", zap.String("scope", e.cfg.Scope))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load scope %s: %w", e.cfg.Scope, err)
	}
	if snap.FormatVersion > store.SnapshotVersion {
		return fmt.Errorf("load scope %s: snapshot format %d is newer than %d", e.cfg.Scope, snap.FormatVersion, store.SnapshotVersion)
	}
	if err := e.arena.Import(snap); err != nil {
		return fmt.Errorf("import scope %s: %w", e.cfg.Scope, err)
	}
	e.Audit.Restore(snap.Audit)

	counts := e.arena.Counts()
	e.logger.Info("scope restored",
		zap.String("scope", e.cfg.Scope),
		zap.Time("saved_at", snap.SavedAt),
		zap.Int("orders", counts["orders"]),
		zap.Int("events", counts["events"]),
		zap.Int("audit_entries", len(snap.Audit)))
	return nil
}

// Snapshot captures the current scope state
func (e *Engine) Snapshot() *store.Snapshot {
	snap := e.arena.Export(e.cfg.Scope)
	snap.Audit = e.Audit.Entries()
	snap.SavedAt = e.clock.Now()
	return snap
}

// Counts returns the number of stored entities per type
func (e *Engine) Counts() map[string]int {
	return e.arena.Counts()
}

// markDirty schedules a save after SnapshotDelay unless one is already pending.
func (e *Engine) markDirty() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.closed || e.timer != nil {
		return
	}
	e.timer = time.AfterFunc(e.cfg.SnapshotDelay, func() {
		e.timerMu.Lock()
		e.timer = nil
		e.timerMu.Unlock()
		e.pool.Go("snapshot", e.cfg.Scope, e.save)
	})
}

func (e *Engine) save(ctx context.Context) error {
	guard, err := e.Breakers.Get(circuitbreaker.DefaultConfig(BreakerSnapshot))
	if err != nil {
		return err
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	start := time.Now()
	err = guard.Execute(ctx, func(ctx context.Context) error {
		return e.substrate.Save(ctx, e.cfg.Scope, e.Snapshot())
	})
	if e.metrics != nil {
		e.metrics.ObserveSnapshot(time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("save scope %s: %w", e.cfg.Scope, err)
	}
	return nil
}

// Flush saves the scope synchronously
func (e *Engine) Flush(ctx context.Context) error {
	if e.substrate == nil {
		return nil
	}
	return e.save(ctx)
}

// Close cancels any pending coalesced save, drains background work and writes
// a final snapshot.
func (e *Engine) Close(ctx context.Context) error {
	e.timerMu.Lock()
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerMu.Unlock()

	poolErr := e.pool.Stop()
	if err := e.Flush(ctx); err != nil {
		return err
	}
	return poolErr
}

// Ready reports whether background work is keeping up
func (e *Engine) Ready() bool {
	return e.pool.IsHealthy()
}

// Stats returns pool counters for health reporting
func (e *Engine) Stats() workerpool.Stats {
	return e.pool.Stats()
}

// backgroundSink forwards audit entries off the request path. It confirms
// each write to the logger itself, including writes the pool refuses to
// queue, so Write always returns nil.
type backgroundSink struct {
	sink    audit.Sink
	guard   *circuitbreaker.Breaker
	jobs    *workerpool.Pool
	log     *audit.Logger
	metrics *metrics.Metrics
}

func (s *backgroundSink) Write(_ context.Context, entry audit.Entry) error {
	err := s.jobs.Submit(workerpool.Job{
		Name: "audit.sink",
		Key:  entry.ID,
		Run: func(ctx context.Context) error {
			err := s.guard.Execute(ctx, func(ctx context.Context) error {
				return s.sink.Write(ctx, entry)
			})
			if err != nil {
				s.fail(entry, err)
				return nil
			}
			s.log.ReportSuccess()
			return nil
		},
	})
	if err != nil {
		s.fail(entry, fmt.Errorf("queue audit write: %w", err))
	}
	return nil
}

func (s *backgroundSink) fail(entry audit.Entry, err error) {
	s.log.ReportFailure(entry, err)
	if s.metrics != nil {
		s.metrics.ObserveAuditFailure(false)
	}
}
