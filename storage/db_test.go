package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	value := []byte(`{"0xabc":1}`)
	require.NoError(t, db.Put([]byte("referralCounts"), value))
	value[0] = 'x'

	got, err := db.Get([]byte("referralCounts"))
	require.NoError(t, err)
	require.Equal(t, `{"0xabc":1}`, string(got))

	require.NoError(t, db.Put([]byte("referralCounts"), []byte(`{}`)))
	got, err = db.Get([]byte("referralCounts"))
	require.NoError(t, err)
	require.Equal(t, `{}`, string(got))

	require.NoError(t, db.Delete([]byte("referralCounts")))
	require.NoError(t, db.Delete([]byte("referralCounts")))
	_, err = db.Get([]byte("referralCounts"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	exerciseDatabase(t, db)
	require.NoError(t, db.Close())
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "level"))
	require.NoError(t, err)
	exerciseDatabase(t, db)
	require.NoError(t, db.Close())
}

func TestBoltDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "referrals.db")
	db, err := NewBoltDB(path)
	require.NoError(t, err)
	exerciseDatabase(t, db)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	reopened, err := NewBoltDB(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(got))
}

func TestOpenBackends(t *testing.T) {
	db, err := Open("", "")
	require.NoError(t, err)
	require.IsType(t, &MemDB{}, db)

	_, err = Open(BackendLevelDB, "")
	require.Error(t, err)
	_, err = Open("redis", "x")
	require.Error(t, err)

	bolt, err := Open("BOLT", filepath.Join(t.TempDir(), "b.db"))
	require.NoError(t, err)
	require.IsType(t, &BoltDB{}, bolt)
	require.NoError(t, bolt.Close())
}
