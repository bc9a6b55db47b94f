package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("neg/b"), []byte("2")))
	require.NoError(t, db.Put([]byte("neg/a"), []byte("1")))
	require.NoError(t, db.Put([]byte("reg"), []byte("r")))

	ok, err := db.Has([]byte("neg/a"))
	require.NoError(t, err)
	require.True(t, ok)

	var keys []string
	require.NoError(t, db.Iterate([]byte("neg/"), func(key, value []byte) error {
		keys = append(keys, string(key)+"="+string(value))
		return nil
	}))
	require.Equal(t, []string{"neg/a=1", "neg/b=2"}, keys)

	stop := errors.New("stop")
	visited := 0
	err = db.Iterate([]byte("neg/"), func(_, _ []byte) error {
		visited++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, visited)

	batch := NewBatch()
	batch.Put([]byte("neg/c"), []byte("3"))
	batch.Delete([]byte("neg/a"))
	require.Equal(t, 2, batch.Len())
	require.NoError(t, db.Write(batch))

	_, err = db.Get([]byte("neg/a"))
	require.ErrorIs(t, err, ErrNotFound)
	value, err := db.Get([]byte("neg/c"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), value)

	require.NoError(t, db.Delete([]byte("reg")))
	ok, err = db.Has([]byte("reg"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'z'
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}

func TestLevelDBPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, err := NewLevelDB(dir)
	require.NoError(t, err)
	exerciseDatabase(t, db)
	db.Close()

	reopened, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer reopened.Close()
	value, err := reopened.Get([]byte("neg/c"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), value)
}
