package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/infrastructure/redpanda"
	"github.com/drfirst/go-careplan/pkg/circuitbreaker"
	"github.com/drfirst/go-careplan/pkg/idempotency"
)

type fakeDB struct {
	inserted []string
	err      error
}

func (f *fakeDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	f.inserted = append(f.inserted, args[0].(string))
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

// fakeInbox remembers finished keys the way the inbox table does.
type fakeInbox struct {
	done map[string]bool
}

func (f *fakeInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.HandlerFunc) (*idempotency.Outcome, error) {
	if f.done[key] {
		return &idempotency.Outcome{Duplicate: true}, nil
	}
	result, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	f.done[key] = true
	return &idempotency.Outcome{Result: result}, nil
}

type inlineJobs struct{ err error }

func (j *inlineJobs) Go(_, _ string, run func(ctx context.Context) error) {
	j.err = run(context.Background())
}

type recordingPublisher struct {
	topic string
	value []byte
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, value []byte) error {
	p.topic, p.value = topic, value
	return nil
}

func newArchiver(t *testing.T, db *fakeDB, pub *recordingPublisher) *Archiver {
	t.Helper()
	b, err := circuitbreaker.New(circuitbreaker.DefaultConfig("archive"), nil)
	require.NoError(t, err)
	return New(db, &fakeInbox{done: make(map[string]bool)}, b, &inlineJobs{}, pub, nil)
}

func message(t *testing.T, id string) *redpanda.Message {
	t.Helper()
	e := audit.Entry{
		ID:         id,
		Seq:        7,
		ActorID:    "nurse-1",
		EntityType: audit.EntityDose,
		EntityID:   "dose-1",
		Action:     audit.ActionGiven,
		Timestamp:  time.Date(2026, 3, 2, 8, 1, 0, 0, time.UTC),
	}
	value, err := json.Marshal(redpanda.AuditMessage{Scope: "ward-1", Entry: e})
	require.NoError(t, err)
	return &redpanda.Message{Topic: redpanda.TopicAuditTrail, Key: []byte("dose-1"), Value: value}
}

func TestHandleArchivesOnce(t *testing.T) {
	db := &fakeDB{}
	a := newArchiver(t, db, nil)
	msg := message(t, "entry-1")

	require.NoError(t, a.Handle(context.Background(), msg))
	require.NoError(t, a.Handle(context.Background(), msg))
	assert.Equal(t, []string{"entry-1"}, db.inserted)

	require.NoError(t, a.Handle(context.Background(), message(t, "entry-2")))
	assert.Equal(t, []string{"entry-1", "entry-2"}, db.inserted)
}

func TestHandleRejectsGarbageAsTerminal(t *testing.T) {
	a := newArchiver(t, &fakeDB{}, nil)
	err := a.Handle(context.Background(), &redpanda.Message{Value: []byte("not json")})
	assert.ErrorIs(t, err, idempotency.ErrTerminal)
}

func TestHandleSurfacesWriteFailures(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	a := newArchiver(t, db, nil)
	msg := message(t, "entry-1")

	err := a.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	// a later delivery succeeds once the database is back
	db.err = nil
	require.NoError(t, a.Handle(context.Background(), msg))
	assert.Equal(t, []string{"entry-1"}, db.inserted)
}

func TestDeadLetterForwardsRecord(t *testing.T) {
	pub := &recordingPublisher{}
	a := newArchiver(t, &fakeDB{}, pub)

	a.DeadLetter(context.Background(), &redpanda.Message{
		Topic:  redpanda.TopicAuditTrail,
		Offset: 12,
		Key:    []byte("dose-1"),
		Value:  []byte("not json"),
	}, idempotency.ErrTerminal)

	assert.Equal(t, redpanda.TopicDeadLetter, pub.topic)
	var body map[string]any
	require.NoError(t, json.Unmarshal(pub.value, &body))
	assert.Equal(t, redpanda.TopicAuditTrail, body["original_topic"])
	assert.Equal(t, "not json", body["value"])
	assert.EqualValues(t, 12, body["offset"])
}
