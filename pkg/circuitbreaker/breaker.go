// Package circuitbreaker guards calls to collaborators outside the engine
// (audit sinks, reminder schedulers, archive writes) with sony/gobreaker and
// reports through OpenTelemetry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts; zero keeps them forever.
	Interval time.Duration
	// Timeout is how long the breaker stays open before trying half-open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker below MinRequests.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests calls were seen.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig returns defaults for a best-effort side-effect collaborator.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
	}
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to State)

// Breaker wraps gobreaker with tracing and otel counters.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	calls    metric.Int64Counter
	rejected metric.Int64Counter
	failures metric.Int64Counter

	mu       sync.RWMutex
	state    State
	onChange []StateChangeFunc
}

// New creates a breaker. Failures matched by ignore do not count against the
// collaborator (for example validation errors returned by the callee).
func New(cfg Config, logger *zap.Logger, ignore ...error) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("circuit breaker name is required")
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if b.calls, err = meter.Int64Counter("careplan_breaker_calls_total",
		metric.WithDescription("Calls attempted through a circuit breaker")); err != nil {
		return nil, fmt.Errorf("failed to create call counter: %w", err)
	}
	if b.rejected, err = meter.Int64Counter("careplan_breaker_rejections_total",
		metric.WithDescription("Calls rejected while the breaker was open")); err != nil {
		return nil, fmt.Errorf("failed to create rejection counter: %w", err)
	}
	if b.failures, err = meter.Int64Counter("careplan_breaker_failures_total",
		metric.WithDescription("Calls that failed inside the breaker")); err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < cfg.MinRequests {
				return c.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.transition(mapState(from), mapState(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			for _, target := range ignore {
				if errors.Is(err, target) {
					return true
				}
			}
			return false
		},
	})
	return b, nil
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// OnStateChange registers a transition observer.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	b.onChange = append(b.onChange, fn)
	b.mu.Unlock()
}

// Execute runs fn unless the breaker is open. A rejected call returns an
// error matching ErrOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "breaker.execute",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(b.State())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("breaker", b.name))
	b.calls.Add(ctx, 1, attrs)

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("circuit_open", true))
		span.SetStatus(codes.Error, "circuit open")
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}

	b.failures.Add(ctx, 1, attrs)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Counts returns the gobreaker counts for the current generation.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func (b *Breaker) transition(from, to State) {
	b.mu.Lock()
	b.state = to
	observers := append([]StateChangeFunc(nil), b.onChange...)
	b.mu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	for _, fn := range observers {
		fn(b.name, from, to)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Registry holds the named breakers of one process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   *zap.Logger
	onChange StateChangeFunc
}

// NewRegistry creates an empty registry. onChange, if set, is attached to
// every breaker the registry creates.
func NewRegistry(logger *zap.Logger, onChange StateChangeFunc) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), logger: logger, onChange: onChange}
}

// Get returns the named breaker, creating it from cfg on first use.
func (r *Registry) Get(cfg Config, ignore ...error) (*Breaker, error) {
	r.mu.RLock()
	b, ok := r.breakers[cfg.Name]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[cfg.Name]; ok {
		return b, nil
	}
	b, err := New(cfg, r.logger, ignore...)
	if err != nil {
		return nil, err
	}
	if r.onChange != nil {
		b.OnStateChange(r.onChange)
	}
	r.breakers[cfg.Name] = b
	return b, nil
}

// Health summarizes one breaker for readiness reporting.
type Health struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Health returns every breaker sorted by name.
func (r *Registry) Health() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Health, 0, len(r.breakers))
	for name, b := range r.breakers {
		c := b.Counts()
		out = append(out, Health{Name: name, State: b.State(), Requests: c.Requests, Failures: c.TotalFailures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
