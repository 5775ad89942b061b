package history

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndResolve(t *testing.T) {
	h := New(storage.NewMemoryStore(0))

	require.NoError(t, h.Record(Record{RequestID: 1, Topic: "aa", Direction: DirectionSent, Method: "irn_publish"}))
	assert.True(t, h.Exists(1))
	assert.False(t, h.Exists(2))

	err := h.Record(Record{RequestID: 1, Direction: DirectionReceived})
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	rec, err := h.Get(1)
	require.NoError(t, err)
	assert.Equal(t, DirectionSent, rec.Direction, "duplicate insert leaves the record untouched")
	assert.False(t, rec.Resolved())

	rec, err = h.Resolve(1, json.RawMessage(`{"id":1,"jsonrpc":"2.0","result":true}`))
	require.NoError(t, err)
	assert.True(t, rec.Resolved())

	_, err = h.Resolve(1, json.RawMessage(`{"id":1,"jsonrpc":"2.0","result":false}`))
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	rec, err = h.Get(1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"jsonrpc":"2.0","result":true}`, string(rec.Response), "resolved records are immutable")

	_, err = h.Resolve(99, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.Get(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPending(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	h := New(storage.NewMemoryStore(0), WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	require.NoError(t, h.Record(Record{RequestID: 30, Topic: "aa", Direction: DirectionSent}))
	require.NoError(t, h.Record(Record{RequestID: 10, Topic: "bb", Direction: DirectionSent}))
	require.NoError(t, h.Record(Record{RequestID: 20, Topic: "aa", Direction: DirectionSent}))
	_, err := h.Resolve(20, json.RawMessage(`true`))
	require.NoError(t, err)

	all, err := h.Pending("")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.EqualValues(t, 30, all[0].RequestID, "oldest first")
	assert.EqualValues(t, 10, all[1].RequestID)

	onlyA, err := h.Pending("aa")
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.EqualValues(t, 30, onlyA[0].RequestID)
}

func TestHistorySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := storage.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, New(store).Record(Record{RequestID: 5, Direction: DirectionSent, Session: "s1"}))
	require.NoError(t, store.Close())

	store, err = storage.NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	h := New(store)
	rec, err := h.Get(5)
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.Session)
	assert.ErrorIs(t, h.Record(Record{RequestID: 5}), ErrDuplicateRequest)
}
