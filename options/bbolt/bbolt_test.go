package bbolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/davkeeper/options/storetest"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	return s
}

func TestBBoltStore(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "options.db"))
	defer s.Close()
	storetest.Run(t, s)
}

func TestBBoltStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.db")

	s := newTestStore(t, path)
	require.NoError(t, s.Set("webdav.lock_on_open", "off"))
	require.NoError(t, s.Close())

	s = newTestStore(t, path)
	defer s.Close()
	assert.Equal(t, "off", s.Get("webdav.lock_on_open", "on"))
}

func TestNewStoreOnOpenDB(t *testing.T) {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "shared.db"), 0600, nil)
	require.NoError(t, err)
	defer db.Close()

	s, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))
	assert.Equal(t, map[string]string{"k": "v"}, s.All())
}
