package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	bg, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { bg.Close() })

	return map[string]Backend{"sqlite": sq, "badger": bg}
}

func TestBackends_CRUD(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Put(ctx, "job:1", []byte("a")))
			require.NoError(t, b.Put(ctx, "job:1", []byte("b")))

			got, err := b.Get(ctx, "job:1")
			require.NoError(t, err)
			assert.Equal(t, []byte("b"), got)

			require.NoError(t, b.Delete(ctx, "job:1"))
			_, err = b.Get(ctx, "job:1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackends_ListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"job:b", "job:a", "task:a", "jobs", "meta"} {
				require.NoError(t, b.Put(ctx, k, []byte(k)))
			}

			entries, err := b.List(ctx, "job:")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "job:a", entries[0].Key)
			assert.Equal(t, "job:b", entries[1].Key)

			require.NoError(t, b.DeleteAll(ctx))
			entries, err = b.List(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestOpenSQLite_CreatesFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpenSQLite_AppliesPragmas(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "pragmas.db"))
	require.NoError(t, err)
	defer s.Close()

	var mode string
	require.NoError(t, s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, s.db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout))
	assert.Equal(t, 5000, timeout)

	var sync int
	require.NoError(t, s.db.QueryRow(`PRAGMA synchronous`).Scan(&sync))
	assert.Equal(t, 1, sync)
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "etcd"})
	assert.Error(t, err)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "job;", prefixEnd("job:"))
	assert.Equal(t, "", prefixEnd(""))
	assert.Equal(t, "b", prefixEnd("a\xff"))
}
