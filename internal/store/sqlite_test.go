package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcops/spackq/internal/store"
)

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"), testOpts)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newSQLiteStore)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")

	st, err := store.NewSQLiteStore(path, testOpts)
	require.NoError(t, err)
	createJob(t, st, "zlib")
	createJob(t, st, "hdf5")
	require.NoError(t, st.Close())

	st2, err := store.NewSQLiteStore(path, testOpts)
	require.NoError(t, err)
	defer st2.Close()

	jobs, err := st2.Jobs("")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	next := createJob(t, st2, "netcdf")
	assert.Equal(t, int64(3), next.ID, "the id counter survives the reopen")
}

func TestSQLiteStore_EmptyPathRejected(t *testing.T) {
	_, err := store.NewSQLiteStore("", testOpts)
	assert.Error(t, err)
}
