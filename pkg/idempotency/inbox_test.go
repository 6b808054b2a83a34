package idempotency

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

// fakeDB models the inbox table in memory, keyed on the statement kind.
type fakeDB struct {
	rows map[string]*Entry
	now  time.Time
}

func newFakeDB(now time.Time) *fakeDB {
	return &fakeDB{rows: make(map[string]*Entry), now: now}
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT idempotency_key"):
		e, ok := f.rows[args[0].(string)]
		return row{scan: func(dest ...any) error {
			if !ok {
				return pgx.ErrNoRows
			}
			*dest[0].(*string) = e.Key
			*dest[1].(*string) = e.Handler
			*dest[2].(*Status) = e.Status
			*dest[3].(*json.RawMessage) = e.Payload
			*dest[4].(*json.RawMessage) = e.Result
			*dest[5].(*time.Time) = e.CreatedAt
			*dest[6].(*time.Time) = e.UpdatedAt
			*dest[7].(**time.Time) = e.ExpiresAt
			return nil
		}}
	case strings.Contains(sql, "INSERT INTO inbox"):
		key := args[0].(string)
		e, ok := f.rows[key]
		if ok && e.Status != StatusRecoverable {
			return row{scan: func(...any) error { return pgx.ErrNoRows }}
		}
		if !ok {
			e = &Entry{Key: key, Handler: args[1].(string), Payload: args[3].(json.RawMessage), CreatedAt: f.now}
			f.rows[key] = e
		}
		e.Status = args[2].(Status)
		e.UpdatedAt = f.now
		return row{scan: func(dest ...any) error {
			*dest[0].(*string) = key
			return nil
		}}
	}
	return row{scan: func(...any) error { return errors.New("unexpected query") }}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "UPDATE inbox") {
		e, ok := f.rows[args[2].(string)]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		e.Status = args[0].(Status)
		if r := args[1].(json.RawMessage); r != nil {
			e.Result = r
		}
		e.UpdatedAt = f.now
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag("DELETE 0"), nil
}

func TestProcessRunsOnce(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	inbox := New(newFakeDB(now), DefaultConfig(), nil)
	inbox.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"archived":true}`), nil
	}

	first, err := inbox.Process(ctx, "entry-1", "audit-archive", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := inbox.Process(ctx, "entry-1", "audit-archive", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.JSONEq(t, `{"archived":true}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessRetriesRecoverableFailure(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	db := newFakeDB(now)
	inbox := New(db, DefaultConfig(), nil)
	inbox.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := inbox.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("connection reset")
	})
	require.Error(t, err)
	assert.Equal(t, StatusRecoverable, db.rows["k"].Status)

	out, err := inbox.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, StatusFinished, db.rows["k"].Status)
}

func TestProcessTerminalFailureIsFinal(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	db := newFakeDB(now)
	inbox := New(db, DefaultConfig(), nil)
	inbox.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := inbox.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, ErrTerminal
	})
	require.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, StatusFailed, db.rows["k"].Status)

	_, err = inbox.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run again")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestProcessInProgressUntilStale(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	db := newFakeDB(now)
	db.rows["k"] = &Entry{Key: "k", Handler: "h", Status: StatusStarted, CreatedAt: now, UpdatedAt: now}
	inbox := New(db, DefaultConfig(), nil)
	ctx := context.Background()
	noop := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }

	inbox.now = func() time.Time { return now.Add(time.Minute) }
	_, err := inbox.Process(ctx, "k", "h", nil, noop)
	assert.ErrorIs(t, err, ErrInProgress)

	inbox.now = func() time.Time { return now.Add(10 * time.Minute) }
	out, err := inbox.Process(ctx, "k", "h", nil, noop)
	require.NoError(t, err)
	assert.True(t, out.Recovered)
}

func TestKeyIsStable(t *testing.T) {
	assert.Equal(t, Key("ward-7", "e1"), Key("ward-7", "e1"))
	assert.NotEqual(t, Key("ward-7", "e1"), Key("ward-7e", "1"))
	assert.Len(t, Key("x"), 64)
}
