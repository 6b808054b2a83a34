package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	scan func(dest ...any) error
}

func (r row) Scan(dest ...any) error { return r.scan(dest...) }

type storedEntry struct {
	OutboxEntry
	processed bool
}

// fakeDB models the outbox table and the advisory lock in memory.
type fakeDB struct {
	entries []*storedEntry
	locked  bool
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "pg_try_advisory_lock"):
		acquired := !f.locked
		f.locked = true
		return row{scan: func(dest ...any) error {
			*dest[0].(*bool) = acquired
			return nil
		}}
	case strings.Contains(sql, "INSERT INTO outbox"):
		e := &storedEntry{OutboxEntry: OutboxEntry{
			ID:            int64(len(f.entries) + 1),
			AggregateID:   args[0].(string),
			AggregateType: args[1].(string),
			EventType:     args[2].(string),
			Payload:       args[3].(json.RawMessage),
			Topic:         args[4].(string),
			Key:           args[5].(string),
			CreatedAt:     time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		}}
		f.entries = append(f.entries, e)
		return row{scan: func(dest ...any) error {
			*dest[0].(*int64) = e.ID
			*dest[1].(*time.Time) = e.CreatedAt
			return nil
		}}
	}
	return row{scan: func(...any) error { return errors.New("unexpected query") }}
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	maxRetries := args[0].(int)
	limit := args[1].(int)
	exhausted := strings.Contains(sql, "retry_count >=")

	var out []*storedEntry
	for _, e := range f.entries {
		if e.processed || (e.RetryCount >= maxRetries) != exhausted {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return &rows{entries: out, pos: -1}, nil
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "pg_advisory_unlock"):
		f.locked = false
	case strings.Contains(sql, "retry_count = retry_count + 1"):
		e := f.byID(args[1].(int64))
		msg := args[0].(string)
		e.RetryCount++
		e.LastError = &msg
	case strings.Contains(sql, "SET processed_at"):
		f.byID(args[0].(int64)).processed = true
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeDB) byID(id int64) *storedEntry {
	for _, e := range f.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

type rows struct {
	entries []*storedEntry
	pos     int
}

func (r *rows) Close()                                       {}
func (r *rows) Err() error                                   { return nil }
func (r *rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rows) Values() ([]any, error)                       { return nil, nil }
func (r *rows) RawValues() [][]byte                          { return nil }
func (r *rows) Conn() *pgx.Conn                              { return nil }

func (r *rows) Next() bool {
	r.pos++
	return r.pos < len(r.entries)
}

func (r *rows) Scan(dest ...any) error {
	e := r.entries[r.pos]
	*dest[0].(*int64) = e.ID
	*dest[1].(*string) = e.AggregateID
	*dest[2].(*string) = e.AggregateType
	*dest[3].(*string) = e.EventType
	*dest[4].(*json.RawMessage) = e.Payload
	*dest[5].(*string) = e.Topic
	*dest[6].(*string) = e.Key
	*dest[7].(*time.Time) = e.CreatedAt
	*dest[8].(*int) = e.RetryCount
	*dest[9].(**string) = e.LastError
	return nil
}

type published struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	sent []published
	fail map[string]bool
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	if p.fail[topic] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, published{topic: topic, key: key, value: value})
	return nil
}

func enqueue(t *testing.T, db *fakeDB, key string) *OutboxEntry {
	t.Helper()
	e := &OutboxEntry{
		AggregateID:   key,
		AggregateType: "schedule",
		EventType:     "reminder.scheduled",
		Payload:       json.RawMessage(`{"reminder_id":"` + key + `"}`),
		Topic:         "care.reminders",
		Key:           key,
	}
	require.NoError(t, Enqueue(context.Background(), db, e))
	return e
}

func TestEnqueueFillsID(t *testing.T) {
	db := &fakeDB{}
	e := enqueue(t, db, "order-1")
	assert.Equal(t, int64(1), e.ID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestRelayBatchPublishesInOrder(t *testing.T) {
	db := &fakeDB{}
	enqueue(t, db, "order-1")
	enqueue(t, db, "order-2")
	pub := &fakePublisher{}
	relay := NewRelay(db, pub, DefaultRelayConfig(), nil)

	n, err := relay.RelayBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "order-1", pub.sent[0].key)
	assert.Equal(t, "order-2", pub.sent[1].key)
	assert.False(t, db.locked)

	n, err = relay.RelayBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayBatchSkipsWhenLocked(t *testing.T) {
	db := &fakeDB{locked: true}
	enqueue(t, db, "order-1")
	pub := &fakePublisher{}

	n, err := NewRelay(db, pub, DefaultRelayConfig(), nil).RelayBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.sent)
}

func TestFailedEntriesAreDeadLettered(t *testing.T) {
	db := &fakeDB{}
	enqueue(t, db, "order-1")
	pub := &fakePublisher{fail: map[string]bool{"care.reminders": true}}
	cfg := DefaultRelayConfig()
	cfg.MaxRetries = 2
	relay := NewRelay(db, pub, cfg, nil)

	for i := 0; i < cfg.MaxRetries; i++ {
		n, err := relay.RelayBatch(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, 2, db.entries[0].RetryCount)
	require.NotNil(t, db.entries[0].LastError)

	moved, err := relay.DeadLetter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "dead.letter", pub.sent[0].topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &body))
	assert.Equal(t, "care.reminders", body["original_topic"])
	assert.Equal(t, "broker unavailable", body["last_error"])
	assert.True(t, db.entries[0].processed)
}
