// Package workerpool runs fire-and-forget side effects (snapshot saves, audit
// forwarding, reminder calls) on a bounded set of goroutines so that a slow
// collaborator never blocks a committed state transition.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Submit after Stop has been called.
	ErrStopped = errors.New("workerpool: stopped")
	// ErrQueueFull is returned when the queue has no free slot.
	ErrQueueFull = errors.New("workerpool: queue full")
)

// Job is one unit of background work.
type Job struct {
	// Name groups jobs in logs and metrics ("snapshot", "reminder.schedule", ...).
	Name string
	// Key identifies the job instance in logs, usually an entity id.
	Key string
	Run func(ctx context.Context) error
}

// FailureFunc observes a job that exhausted its retries.
type FailureFunc func(job Job, err error)

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
	// JobTimeout bounds a single attempt; zero means no bound.
	JobTimeout              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a single care-plan scope.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              2,
		RetryDelay:              50 * time.Millisecond,
		JobTimeout:              10 * time.Second,
		GracefulShutdownTimeout: 15 * time.Second,
	}
}

// Pool is a bounded queue drained by a fixed number of workers.
type Pool struct {
	config Config
	logger *zap.Logger

	jobs chan Job
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	stopped   bool
	onFailure []FailureFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
	rejected  int64
	depth     int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		logger: logger,
		jobs:   make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnFailure registers an observer for jobs that failed permanently.
func (p *Pool) OnFailure(fn FailureFunc) {
	p.mu.Lock()
	p.onFailure = append(p.onFailure, fn)
	p.mu.Unlock()
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a job without waiting for it to run.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("workerpool: job %q has no Run func", job.Name)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		atomic.AddInt64(&p.rejected, 1)
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		atomic.AddInt64(&p.depth, 1)
		return nil
	default:
		atomic.AddInt64(&p.rejected, 1)
		return ErrQueueFull
	}
}

// Go submits a job and logs instead of returning the rejection. Callers that
// have already committed their state change use it for side effects.
func (p *Pool) Go(name, key string, run func(ctx context.Context) error) {
	if err := p.Submit(Job{Name: name, Key: key, Run: run}); err != nil {
		p.logger.Error("background job rejected",
			zap.String("job", name),
			zap.String("key", key),
			zap.Error(err))
	}
}

// Stop drains the queue and waits for workers up to the shutdown timeout.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool", zap.Int64("queued", atomic.LoadInt64(&p.depth)))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("workerpool: shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		atomic.AddInt64(&p.depth, -1)
		p.run(id, job)
	}
}

func (p *Pool) run(workerID int, job Job) {
	var err error
retry:
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&p.retried, 1)
			select {
			case <-p.ctx.Done():
				err = p.ctx.Err()
				break retry
			case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err = p.attempt(job); err == nil {
			atomic.AddInt64(&p.completed, 1)
			return
		}
		p.logger.Debug("background job attempt failed",
			zap.String("job", job.Name),
			zap.String("key", job.Key),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	atomic.AddInt64(&p.failed, 1)
	p.logger.Error("background job failed",
		zap.String("job", job.Name),
		zap.String("key", job.Key),
		zap.Int("worker_id", workerID),
		zap.Error(err))

	p.mu.RLock()
	observers := append([]FailureFunc(nil), p.onFailure...)
	p.mu.RUnlock()
	for _, fn := range observers {
		fn(job, err)
	}
}

func (p *Pool) attempt(job Job) (err error) {
	ctx := p.ctx
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	Retried       int64
	Rejected      int64
	QueueDepth    int64
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     atomic.LoadInt64(&p.submitted),
		Completed:     atomic.LoadInt64(&p.completed),
		Failed:        atomic.LoadInt64(&p.failed),
		Retried:       atomic.LoadInt64(&p.retried),
		Rejected:      atomic.LoadInt64(&p.rejected),
		QueueDepth:    atomic.LoadInt64(&p.depth),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity.
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
