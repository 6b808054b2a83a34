// Package redis stores scope snapshots in Redis hashes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/store"
)

// DefaultPrefix namespaces snapshot keys.
const DefaultPrefix = "careplan:snapshot:"

// saveIfNewer writes the snapshot only when it is not older than the stored one.
// KEYS[1] hash key; ARGV[1] saved_at unix nanos; ARGV[2] format; ARGV[3] data.
var saveIfNewer = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'saved_at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'saved_at', ARGV[1], 'format_version', ARGV[2], 'data', ARGV[3])
return 1
`)

// Config configures the Redis substrate.
type Config struct {
	URL    string
	Prefix string
	// TTL expires idle scopes; zero keeps them forever.
	TTL time.Duration
}

// Substrate implements store.Substrate on Redis.
type Substrate struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	tracer trace.Tracer
}

// Dial parses cfg.URL, pings the server and returns a substrate.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Substrate, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewSubstrate(client, cfg, logger), nil
}

// NewSubstrate wraps an existing client.
func NewSubstrate(client goredis.UniversalClient, cfg Config, logger *zap.Logger) *Substrate {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Substrate{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		logger: logger,
		tracer: otel.Tracer("careplan-redis"),
	}
}

// Key returns the hash key used for scope.
func (s *Substrate) Key(scope string) string {
	return s.prefix + scope
}

// Load reads the snapshot for scope.
func (s *Substrate) Load(ctx context.Context, scope string) (*store.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.load", trace.WithAttributes(attribute.String("scope", scope)))
	defer span.End()

	vals, err := s.client.HMGet(ctx, s.Key(scope), "format_version", "data").Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		span.RecordError(err)
		return nil, fmt.Errorf("load snapshot %s: %w", scope, err)
	}
	if len(vals) < 2 || vals[1] == nil {
		return nil, store.ErrNoSnapshot
	}

	if raw, ok := vals[0].(string); ok {
		version, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s has malformed format version %q", scope, raw)
		}
		if version > store.SnapshotVersion {
			return nil, fmt.Errorf("snapshot %s has format %d, newer than supported %d", scope, version, store.SnapshotVersion)
		}
	}

	data, _ := vals[1].(string)
	snap := &store.Snapshot{}
	if err := json.Unmarshal([]byte(data), snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", scope, err)
	}
	return snap, nil
}

// Save writes the snapshot for scope unless a newer one is already stored.
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

	key := s.Key(scope)
	written, err := saveIfNewer.Run(ctx, s.client, []string{key},
		snap.SavedAt.UnixNano(), store.SnapshotVersion, string(data)).Int()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save snapshot %s: %w", scope, err)
	}
	if written == 0 {
		s.logger.Debug("stale snapshot not written", zap.String("scope", scope), zap.Time("saved_at", snap.SavedAt))
		return nil
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			s.logger.Warn("failed to set snapshot ttl", zap.String("scope", scope), zap.Error(err))
		}
	}
	return nil
}

// Close releases the client.
func (s *Substrate) Close() error {
	return s.client.Close()
}
