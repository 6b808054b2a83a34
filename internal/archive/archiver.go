// Package archive persists the audit.trail stream into Postgres. Each entry
// is written at most once however often the broker redelivers it.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/infrastructure/redpanda"
	"github.com/drfirst/go-careplan/pkg/circuitbreaker"
	"github.com/drfirst/go-careplan/pkg/idempotency"
)

// Schema creates the archive table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_archive (
	entry_id    TEXT PRIMARY KEY,
	scope       TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	entry       JSONB NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS audit_archive_entity ON audit_archive (entity_type, entity_id)`

const handlerName = "audit-archiver"

// DB is the pool surface the archiver writes through.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Inbox deduplicates deliveries; *idempotency.Inbox implements it.
type Inbox interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.HandlerFunc) (*idempotency.Outcome, error)
}

// Jobs runs background work; *workerpool.Pool implements it.
type Jobs interface {
	Go(name, key string, run func(ctx context.Context) error)
}

// Archiver handles audit.trail records.
type Archiver struct {
	db        DB
	inbox     Inbox
	breaker   *circuitbreaker.Breaker
	jobs      Jobs
	publisher redpanda.Publisher
	logger    *zap.Logger
}

// New creates an archiver. publisher may be nil, in which case dead letters
// are only logged.
func New(db DB, inbox Inbox, breaker *circuitbreaker.Breaker, jobs Jobs, publisher redpanda.Publisher, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		db:        db,
		inbox:     inbox,
		breaker:   breaker,
		jobs:      jobs,
		publisher: publisher,
		logger:    logger,
	}
}

// Handle archives one record. Undecodable records are terminal.
func (a *Archiver) Handle(ctx context.Context, msg *redpanda.Message) error {
	am, err := redpanda.DecodeAudit(msg.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", idempotency.ErrTerminal, err)
	}

	key := idempotency.Key(am.Scope, am.Entry.ID)
	out, err := a.inbox.Process(ctx, key, handlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, a.breaker.Execute(ctx, func(ctx context.Context) error {
			return a.insert(ctx, am)
		})
	})
	if err != nil {
		return err
	}
	if out.Duplicate {
		a.logger.Debug("audit entry already archived",
			zap.String("scope", am.Scope),
			zap.String("entry_id", am.Entry.ID))
	}
	return nil
}

func (a *Archiver) insert(ctx context.Context, am *redpanda.AuditMessage) error {
	e := am.Entry
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
	}
	_, err = a.db.Exec(ctx, `
		INSERT INTO audit_archive (entry_id, scope, seq, entity_type, entity_id, action, actor_id, recorded_at, entry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entry_id) DO NOTHING`,
		e.ID, am.Scope, e.Seq, string(e.EntityType), e.EntityID, string(e.Action), e.ActorID, e.Timestamp, doc)
	if err != nil {
		return fmt.Errorf("archive audit entry %s: %w", e.ID, err)
	}
	return nil
}

// DeadLetter forwards a record whose handler kept failing to the dead-letter
// topic in the background.
func (a *Archiver) DeadLetter(_ context.Context, msg *redpanda.Message, cause error) {
	a.logger.Error("audit record dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Bool("terminal", errors.Is(cause, idempotency.ErrTerminal)),
		zap.Error(cause))
	if a.publisher == nil {
		return
	}

	body, err := json.Marshal(map[string]any{
		"original_topic": msg.Topic,
		"partition":      msg.Partition,
		"offset":         msg.Offset,
		"error":          cause.Error(),
		"value":          json.RawMessage(validJSON(msg.Value)),
	})
	if err != nil {
		return
	}
	a.jobs.Go("archive.dead_letter", string(msg.Key), func(ctx context.Context) error {
		return a.publisher.Publish(ctx, redpanda.TopicDeadLetter, string(msg.Key), body)
	})
}

func validJSON(b []byte) []byte {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
