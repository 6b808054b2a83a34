// Package idempotency provides an inbox table that lets a consumer process
// each message exactly once even when the broker redelivers it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Schema creates the inbox table.
const Schema = `
CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ
)`

var (
	// ErrDuplicate means the key was already processed by another delivery.
	ErrDuplicate = errors.New("duplicate message: already processed")
	// ErrInProgress means another consumer holds the key right now.
	ErrInProgress = errors.New("message in progress by another handler")
	// ErrTerminal marks handler errors that must not be retried.
	ErrTerminal = errors.New("terminal handler error")
)

// DB is the subset of pgxpool.Pool the inbox needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long a processed key is remembered.
	TTL time.Duration
	// StaleAfter is when a STARTED entry is presumed abandoned by a crashed consumer.
	StaleAfter time.Duration
	// IsTerminal classifies handler errors; the default matches ErrTerminal.
	IsTerminal func(error) bool
}

// DefaultConfig returns the archiver defaults.
func DefaultConfig() Config {
	return Config{
		TTL:        30 * 24 * time.Hour,
		StaleAfter: 5 * time.Minute,
	}
}

// Entry is one inbox row.
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// Outcome reports how a Process call was resolved.
type Outcome struct {
	// Duplicate is true when the key had already finished and fn did not run.
	Duplicate bool
	// Recovered is true when a stale or recoverable attempt was taken over.
	Recovered bool
	Result    json.RawMessage
}

// HandlerFunc processes one payload and returns an optional result document.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox manages idempotent message processing
type Inbox struct {
	db     DB
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates an inbox over db.
func New(db DB, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = func(err error) bool { return errors.Is(err, ErrTerminal) }
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

// Key derives a stable key from its parts.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Process runs fn at most once to completion for key.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn HandlerFunc) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	existing, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}

	recovered := false
	if existing != nil {
		switch existing.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Outcome{Duplicate: true, Result: existing.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: key %s failed permanently", ErrTerminal, key)
		case StatusStarted:
			if i.now().Sub(existing.UpdatedAt) <= i.config.StaleAfter {
				return nil, ErrInProgress
			}
			if err := i.mark(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to recover stale entry: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	if err := i.claim(ctx, key, handler, payload); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to claim inbox key: %w", err)
	}

	result, herr := fn(ctx, payload)
	if herr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal(herr) {
			status = StatusFailed
		}
		doc, _ := json.Marshal(map[string]string{"error": herr.Error()})
		if err := i.mark(ctx, key, status, doc); err != nil {
			i.logger.Error("failed to record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		return nil, herr
	}

	if err := i.mark(ctx, key, StatusFinished, result); err != nil {
		// the handler succeeded; a redelivery will re-run it against an idempotent sink
		i.logger.Error("failed to mark inbox entry finished", zap.String("key", key), zap.Error(err))
	}
	return &Outcome{Recovered: recovered, Result: result}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	err := i.db.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox WHERE idempotency_key = $1`, key).Scan(
		&e.Key, &e.Handler, &e.Status, &e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) error {
	var got string
	err := i.db.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`,
		key, handler, StatusStarted, payload, i.now().Add(i.config.TTL)).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	return err
}

func (i *Inbox) mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.db.Exec(ctx, `
		UPDATE inbox SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3`, status, result, key)
	return err
}

// Purge deletes expired keys and returns how many were removed.
func (i *Inbox) Purge(ctx context.Context) (int64, error) {
	tag, err := i.db.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("inbox purge failed: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("inbox purged", zap.Int64("deleted", n))
	}
	return tag.RowsAffected(), nil
}
