package ikv_test

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tchen0123/ikv/pkg/ikv"
)

func openStore(t *testing.T, opts ikv.Opts) *ikv.Store {
	t.Helper()

	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "test.ikv")
	}

	if opts.RandomSeed == 0 {
		opts.RandomSeed = 42
	}

	s, err := ikv.Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func u32key(n uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, n)

	return key
}

func Test_Put_Get_Delete_Basic(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db, err := s.DB(1, 0)
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("aa"), []byte("11"), 0))
	require.NoError(t, db.Put([]byte("bb"), []byte("22"), 0))
	require.NoError(t, db.Put([]byte("cc"), []byte("33"), 0))

	val, err := db.Get([]byte("bb"))
	require.NoError(t, err)
	require.Equal(t, []byte("22"), val)

	require.NoError(t, db.Delete([]byte("bb")))

	_, err = db.Get([]byte("bb"))
	require.ErrorIs(t, err, ikv.ErrNotFound)

	// The remaining records are untouched.
	val, err = db.Get([]byte("aa"))
	require.NoError(t, err)
	require.Equal(t, []byte("11"), val)

	val, err = db.Get([]byte("cc"))
	require.NoError(t, err)
	require.Equal(t, []byte("33"), val)
}

func Test_Put_Overwrites_And_NoOverwrite_Preserves(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db, err := s.DB(1, 0)
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("bb"), []byte("22"), 0))
	require.NoError(t, db.Put([]byte("bb"), []byte("22b"), 0))

	val, err := db.Get([]byte("bb"))
	require.NoError(t, err)
	require.Equal(t, []byte("22b"), val)

	err = db.Put([]byte("bb"), []byte("X"), ikv.NoOverwrite)
	require.ErrorIs(t, err, ikv.ErrKeyExists)

	val, err = db.Get([]byte("bb"))
	require.NoError(t, err)
	require.Equal(t, []byte("22b"), val)
}

func Test_Reopen_Preserves_Contents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reopen.ikv")

	s := openStore(t, ikv.Opts{Path: path})

	db, err := s.DB(7, 0)
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("k1"), []byte("v1"), 0))
	require.NoError(t, db.Put([]byte("k2"), []byte("v2"), 0))
	require.NoError(t, s.Sync(0))
	require.NoError(t, s.Close())

	s2 := openStore(t, ikv.Opts{Path: path})

	db2, err := s2.DB(7, 0)
	require.NoError(t, err)

	val, err := db2.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)

	val, err = db2.Get([]byte("k2"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), val)
}

func Test_DB_Reopen_With_Different_Flags_Fails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flags.ikv")

	s := openStore(t, ikv.Opts{Path: path})

	_, err := s.DB(3, ikv.Uint32Keys)
	require.NoError(t, err)

	_, err = s.DB(3, ikv.Uint64Keys)
	require.ErrorIs(t, err, ikv.ErrIncompatibleDBMode)

	require.NoError(t, s.Close())

	// Same check across a reopen, against the registry on disk.
	s2 := openStore(t, ikv.Opts{Path: path})

	_, err = s2.DB(3, 0)
	require.ErrorIs(t, err, ikv.ErrIncompatibleDBMode)

	_, err = s2.DB(3, ikv.Uint32Keys)
	require.NoError(t, err)
}

func Test_DB_Rejects_Conflicting_Flag_Sets(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	_, err := s.DB(1, ikv.Uint32Keys|ikv.Uint64Keys)
	require.ErrorIs(t, err, ikv.ErrIncompatibleDBMode)

	_, err = s.DB(1, ikv.DupUint32Vals|ikv.DupUint64Vals)
	require.ErrorIs(t, err, ikv.ErrIncompatibleDBMode)
}

func Test_Uint32_Keys_Sort_Numerically(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db, err := s.DB(1, ikv.Uint32Keys)
	require.NoError(t, err)

	for _, n := range []uint32{1, 256, 2, 65536} {
		require.NoError(t, db.Put(u32key(n), []byte("v"), 0))
	}

	cur, err := db.Cursor(ikv.CursorBeforeFirst, nil)
	require.NoError(t, err)
	defer cur.Close()

	var got []uint32

	for cur.Next() == nil {
		key, err := cur.Key()
		require.NoError(t, err)

		got = append(got, binary.BigEndian.Uint32(key))
	}

	require.Equal(t, []uint32{1, 2, 256, 65536}, got)
}

func Test_Integer_Key_Mode_Rejects_Wrong_Width(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db32, err := s.DB(1, ikv.Uint32Keys)
	require.NoError(t, err)

	err = db32.Put([]byte("abc"), []byte("v"), 0)
	require.ErrorIs(t, err, ikv.ErrKeyNumValueSize)

	_, err = db32.Get([]byte("toolongkey"))
	require.ErrorIs(t, err, ikv.ErrKeyNumValueSize)

	db64, err := s.DB(2, ikv.Uint64Keys)
	require.NoError(t, err)

	err = db64.Put(u32key(1), []byte("v"), 0)
	require.ErrorIs(t, err, ikv.ErrKeyNumValueSize)
}

func Test_Destroy_Then_Recreate_Is_Fresh(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db, err := s.DB(5, 0)
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("a"), []byte("1"), 0))
	require.NoError(t, db.Put([]byte("b"), []byte("2"), 0))

	require.NoError(t, s.DestroyDB(5))

	// The stale handle is rejected.
	err = db.Put([]byte("c"), []byte("3"), 0)
	require.ErrorIs(t, err, ikv.ErrInvalidState)

	// A fresh database under the same id starts empty.
	db2, err := s.DB(5, 0)
	require.NoError(t, err)

	_, err = db2.Get([]byte("a"))
	require.ErrorIs(t, err, ikv.ErrNotFound)

	n, err := db2.Count()
	require.NoError(t, err)
	require.Zero(t, n)
}

func Test_Destroy_Missing_DB_Fails(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	require.ErrorIs(t, s.DestroyDB(99), ikv.ErrNotFound)
}

func Test_Exclusive_Open_Per_Path(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "excl.ikv")

	s := openStore(t, ikv.Opts{Path: path})

	_, err := ikv.Open(ikv.Opts{Path: path})
	require.ErrorIs(t, err, ikv.ErrInvalidState)

	require.NoError(t, s.Close())

	s2, err := ikv.Open(ikv.Opts{Path: path})
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func Test_Readonly_Store_Rejects_Mutations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ro.ikv")

	s := openStore(t, ikv.Opts{Path: path})

	db, err := s.DB(1, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v"), 0))
	require.NoError(t, s.Close())

	ro := openStore(t, ikv.Opts{Path: path, Flags: ikv.Rdonly})

	rodb, err := ro.DB(1, 0)
	require.NoError(t, err)

	val, err := rodb.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	require.ErrorIs(t, rodb.Put([]byte("x"), []byte("y"), 0), ikv.ErrReadonly)
	require.ErrorIs(t, rodb.Delete([]byte("k")), ikv.ErrReadonly)

	// Creating a new database is a mutation too.
	_, err = ro.DB(2, 0)
	require.ErrorIs(t, err, ikv.ErrReadonly)
}

func Test_Trunc_Flag_Replaces_Store(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trunc.ikv")

	s := openStore(t, ikv.Opts{Path: path})

	db, err := s.DB(1, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v"), 0))
	require.NoError(t, s.Close())

	s2 := openStore(t, ikv.Opts{Path: path, Flags: ikv.Trunc})

	db2, err := s2.DB(1, 0)
	require.NoError(t, err)

	_, err = db2.Get([]byte("k"))
	require.ErrorIs(t, err, ikv.ErrNotFound)
}

func Test_NoLocks_Single_Threaded_Smoke(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{Flags: ikv.NoLocks})

	db, err := s.DB(1, 0)
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("k"), []byte("v"), 0))

	val, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}

func Test_MaxKVSize_Boundary(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates a 256 MiB buffer")
	}

	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db, err := s.DB(1, 0)
	require.NoError(t, err)

	// One byte over the cap: key+value == 0x10000000.
	val := make([]byte, 0x10000000-3)
	err = db.Put([]byte("key"), val, 0)
	require.ErrorIs(t, err, ikv.ErrMaxKVSize)
}

func Test_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.DB(1, 0)
	require.ErrorIs(t, err, ikv.ErrClosed)
}

func Test_Check_Passes_On_Live_Store(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db, err := s.DB(1, 0)
	require.NoError(t, err)

	for i := range 200 {
		require.NoError(t, db.Put(u32bytes(uint32(i)), []byte("payload"), 0))
	}

	for i := 0; i < 200; i += 3 {
		require.NoError(t, db.Delete(u32bytes(uint32(i))))
	}

	st, err := s.Check()
	require.NoError(t, err)
	require.Equal(t, 1, st.Databases)
	require.Equal(t, int64(200-67), st.Records)
	require.Positive(t, st.Nodes)
}

// u32bytes is a byte-string key with numeric ordering, for plain databases.
func u32bytes(n uint32) []byte {
	return u32key(n)
}

func Test_LastAccessTime_Is_Tracked(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db, err := s.DB(1, 0)
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("k"), []byte("v"), 0))
	require.False(t, db.LastAccessTime().IsZero())
}
