package fslock_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tchen0123/ikv/internal/fslock"
)

func Test_Acquire_Is_Exclusive_Per_Path(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.dat")

	lk, err := fslock.Acquire(path)
	require.NoError(t, err)

	_, err = fslock.Acquire(path)
	require.ErrorIs(t, err, fslock.ErrWouldBlock)

	require.NoError(t, lk.Close())

	lk2, err := fslock.Acquire(path)
	require.NoError(t, err)
	require.NoError(t, lk2.Close())
}

func Test_Close_Is_Idempotent_And_Keeps_Lock_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.dat")

	lk, err := fslock.Acquire(path)
	require.NoError(t, err)

	require.NoError(t, lk.Close())
	require.NoError(t, lk.Close())

	// The sidecar lock file persists after release.
	_, err = os.Stat(path + ".lock")
	require.NoError(t, err)
}

func Test_Locks_On_Distinct_Paths_Are_Independent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	a, err := fslock.Acquire(filepath.Join(dir, "a.dat"))
	require.NoError(t, err)
	defer a.Close()

	b, err := fslock.Acquire(filepath.Join(dir, "b.dat"))
	require.NoError(t, err)
	defer b.Close()
}
