// Package postgres stores scope snapshots as JSONB rows.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/store"
)

// Schema creates the snapshot table.
const Schema = `
CREATE TABLE IF NOT EXISTS careplan_snapshots (
	scope          TEXT PRIMARY KEY,
	format_version INT NOT NULL,
	generation     BIGINT NOT NULL DEFAULT 1,
	data           JSONB NOT NULL,
	saved_at       TIMESTAMPTZ NOT NULL
)`

// DB is the subset of pgxpool.Pool the substrate uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Substrate implements store.Substrate on PostgreSQL.
type Substrate struct {
	db     DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewSubstrate creates a substrate over db, usually a *pgxpool.Pool.
func NewSubstrate(db DB, logger *zap.Logger) *Substrate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Substrate{db: db, logger: logger, tracer: otel.Tracer("careplan-postgres")}
}

// Migrate creates the tables this substrate and its sibling components need.
func (s *Substrate) Migrate(ctx context.Context, extra ...string) error {
	for _, ddl := range append([]string{Schema}, extra...) {
		if _, err := s.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Load reads the latest snapshot for scope.
func (s *Substrate) Load(ctx context.Context, scope string) (*store.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.load", trace.WithAttributes(attribute.String("scope", scope)))
	defer span.End()

	var (
		version int
		data    []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT format_version, data FROM careplan_snapshots WHERE scope = $1`, scope,
	).Scan(&version, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNoSnapshot
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load snapshot %s: %w", scope, err)
	}
	if version > store.SnapshotVersion {
		return nil, fmt.Errorf("snapshot %s has format %d, newer than supported %d", scope, version, store.SnapshotVersion)
	}

	snap := &store.Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", scope, err)
	}
	return snap, nil
}

// Save upserts the snapshot for scope. Older snapshots never overwrite newer ones.
func (s *Substrate) Save(ctx context.Context, scope string, snap *store.Snapshot) error {
	ctx, span := s.tracer.Start(ctx, "snapshot.save", trace.WithAttributes(attribute.String("scope", scope)))
	defer span.End()

	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", scope, err)
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO careplan_snapshots (scope, format_version, data, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope) DO UPDATE
		SET format_version = EXCLUDED.format_version,
		    data = EXCLUDED.data,
		    saved_at = EXCLUDED.saved_at,
		    generation = careplan_snapshots.generation + 1
		WHERE careplan_snapshots.saved_at <= EXCLUDED.saved_at`,
		scope, store.SnapshotVersion, data, snap.SavedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save snapshot %s: %w", scope, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("stale snapshot not written", zap.String("scope", scope), zap.Time("saved_at", snap.SavedAt))
	}
	return nil
}
