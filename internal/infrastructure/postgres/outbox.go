// Package postgres provides the transactional outbox used to hand reminder
// requests to the broker without losing them when the broker is down.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxSchema creates the outbox table.
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	topic          TEXT NOT NULL,
	message_key    TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT NOT NULL DEFAULT 0,
	last_error     TEXT
)`

// relayLockID is the advisory lock shared by every relay instance.
const relayLockID = int64(0x6361726570)

// OutboxEntry is one message waiting to be published.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the pool surface the relay needs.
type DB interface {
	Querier
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue inserts entry and fills its ID and CreatedAt. Pass a transaction to
// make the message commit atomically with other writes.
func Enqueue(ctx context.Context, q Querier, entry *OutboxEntry) error {
	err := q.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType, entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Publisher delivers a relayed message.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayConfig holds configuration for the outbox relay.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries moves an entry to the dead-letter topic once reached.
	MaxRetries      int
	DeadLetterTopic string
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
	}
}

// Relay polls the outbox and publishes pending entries in creation order.
type Relay struct {
	db        DB
	publisher Publisher
	config    RelayConfig
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay.
func NewRelay(db DB, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig().PollInterval
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultRelayConfig().DeadLetterTopic
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		db:        db,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling.
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the in-flight batch to finish.
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayBatch(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
			if _, err := r.DeadLetter(r.ctx); err != nil {
				r.logger.Error("outbox dead-letter sweep failed", zap.Error(err))
			}
		}
	}
}

// RelayBatch publishes one batch and returns how many entries were delivered.
// It is a no-op when another relay holds the advisory lock.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	var acquired bool
	if err := r.db.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if _, err := r.db.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", relayLockID); err != nil {
			r.logger.Warn("failed to release outbox lock", zap.Error(err))
		}
	}()

	entries, err := r.pending(ctx, "retry_count < $1", r.config.MaxRetries)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	delivered := 0
	for _, e := range entries {
		if err := r.publisher.Publish(ctx, e.Topic, e.Key, e.Payload); err != nil {
			if _, uerr := r.db.Exec(ctx,
				`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2`,
				err.Error(), e.ID); uerr != nil {
				r.logger.Error("failed to record outbox retry", zap.Int64("id", e.ID), zap.Error(uerr))
			}
			r.logger.Warn("outbox publish failed",
				zap.Int64("id", e.ID),
				zap.String("event_type", e.EventType),
				zap.String("aggregate_id", e.AggregateID),
				zap.Error(err))
			continue
		}
		if err := r.markProcessed(ctx, e.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// DeadLetter moves entries that exhausted their retries to the dead-letter topic.
func (r *Relay) DeadLetter(ctx context.Context) (int, error) {
	entries, err := r.pending(ctx, "retry_count >= $1", r.config.MaxRetries)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, e := range entries {
		body, _ := json.Marshal(map[string]any{
			"original_topic": e.Topic,
			"event_type":     e.EventType,
			"aggregate_id":   e.AggregateID,
			"aggregate_type": e.AggregateType,
			"payload":        e.Payload,
			"retry_count":    e.RetryCount,
			"last_error":     e.LastError,
			"created_at":     e.CreatedAt,
		})
		if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, e.Key, body); err != nil {
			r.logger.Error("failed to publish to dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := r.markProcessed(ctx, e.ID); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (r *Relay) pending(ctx context.Context, cond string, arg any) ([]*OutboxEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload, topic, message_key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND `+cond+`
		ORDER BY id ASC
		LIMIT $2`, arg, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox query failed: %w", err)
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("outbox scan failed: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Relay) markProcessed(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark outbox entry %d processed: %w", id, err)
	}
	return nil
}

// Purge removes processed entries older than age.
func (r *Relay) Purge(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("outbox purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
