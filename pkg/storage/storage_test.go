package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseKeyValue(t *testing.T, s KeyValueStorage) {
	t.Helper()

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("rpc_history/2", []byte("two")))
	require.NoError(t, s.Set("rpc_history/1", []byte("one")))
	require.NoError(t, s.Set("other/1", []byte("x")))

	v, err := s.Get("rpc_history/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	require.NoError(t, s.Set("rpc_history/1", []byte("uno")))
	v, err = s.Get("rpc_history/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), v)

	keys, err := s.Keys("rpc_history/")
	require.NoError(t, err)
	assert.Equal(t, []string{"rpc_history/1", "rpc_history/2"}, keys)

	require.NoError(t, s.Delete("rpc_history/1"))
	_, err = s.Get("rpc_history/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseKeyValue(t, NewMemoryStore(0))
}

func TestMemoryStoreRetention(t *testing.T) {
	s := NewMemoryStore(50 * time.Millisecond)
	require.NoError(t, s.Set("k", []byte("v")))

	_, err := s.Get("k")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	_, err = s.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)
	keys, err := s.Keys("")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore(0)
	value := []byte("abc")
	require.NoError(t, s.Set("k", value))
	value[0] = 'z'

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "relay.db"))
	require.NoError(t, err)
	defer s.Close()

	exerciseKeyValue(t, s)
}

func TestSQLiteStorePrune(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("h/fresh", []byte("v")))
	_, err = s.db.Exec(`INSERT INTO kv (key, value, updated_at) VALUES ('h/old', x'00', datetime('now', '-2 hours'))`)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO kv (key, value, updated_at) VALUES ('keep/old', x'00', datetime('now', '-2 hours'))`)
	require.NoError(t, err)

	n, err := s.Prune("h/", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get("h/old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("h/fresh")
	assert.NoError(t, err)
	_, err = s.Get("keep/old")
	assert.NoError(t, err)
}

func TestMemoryKeychain(t *testing.T) {
	k := NewMemoryKeychain()

	_, err := k.Read("id")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, k.Add("id", nil))

	secret := []byte{1, 2, 3, 4}
	require.NoError(t, k.Add("id", secret))
	assert.Equal(t, []byte{1, 2, 3, 4}, secret, "caller slice must not be wiped")

	got, err := k.Read("id")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	require.NoError(t, k.Delete("id"))
	_, err = k.Read("id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreKeychainSurvivesReopen(t *testing.T) {
	backing := NewMemoryStore(0)
	first := NewStoreKeychain(backing)
	require.NoError(t, first.Add("id", []byte("seed")))

	second := NewStoreKeychain(backing)
	got, err := second.Read("id")
	require.NoError(t, err)
	assert.Equal(t, []byte("seed"), got)

	require.NoError(t, second.Delete("id"))
	_, err = NewStoreKeychain(backing).Read("id")
	assert.ErrorIs(t, err, ErrNotFound)
}
