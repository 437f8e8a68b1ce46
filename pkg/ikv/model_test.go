// Deterministic tests comparing the store against an in-memory reference
// model. Uses a seeded PRNG for reproducible operation sequences.
//
// Failures mean: the engine returned wrong results or wrong errors.

package ikv_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tchen0123/ikv/pkg/exfile"
	"github.com/tchen0123/ikv/pkg/ikv"
)

// dumpDB scans the whole database through a cursor into a sorted key->value
// map.
func dumpDB(t *testing.T, db *ikv.DB) map[string]string {
	t.Helper()

	out := make(map[string]string)

	cur, err := db.Cursor(ikv.CursorBeforeFirst, nil)
	require.NoError(t, err)
	defer cur.Close()

	var prev string

	for {
		err := cur.Next()
		if errors.Is(err, ikv.ErrNotFound) {
			break
		}

		require.NoError(t, err)

		key, val, err := cur.Get()
		require.NoError(t, err)

		// Strictly ascending visit order.
		require.Greater(t, string(key), prev)
		prev = string(key)

		out[string(key)] = string(val)
	}

	return out
}

func Test_Store_Matches_Model_When_Seeded_Random_Ops_Applied(t *testing.T) {
	t.Parallel()

	seeds := 6
	opsPerSeed := 3000

	if testing.Short() {
		seeds = 2
		opsPerSeed = 500
	}

	for seed := 1; seed <= seeds; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			s := openStore(t, ikv.Opts{
				Path:       filepath.Join(t.TempDir(), "model.ikv"),
				RandomSeed: uint64(seed),
			})

			db, err := s.DB(1, 0)
			require.NoError(t, err)

			rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
			model := make(map[string]string)

			key := func() string {
				return fmt.Sprintf("k%04d", rng.IntN(400))
			}

			for op := range opsPerSeed {
				switch rng.IntN(10) {
				case 0, 1, 2, 3, 4: // put
					k := key()
					v := fmt.Sprintf("v%d-%d", op, rng.IntN(1_000_000))

					require.NoError(t, db.Put([]byte(k), []byte(v), 0))
					model[k] = v
				case 5, 6: // delete
					k := key()

					err := db.Delete([]byte(k))
					if _, ok := model[k]; ok {
						require.NoError(t, err)
						delete(model, k)
					} else {
						require.ErrorIs(t, err, ikv.ErrNotFound)
					}
				case 7, 8: // get
					k := key()

					val, err := db.Get([]byte(k))
					if want, ok := model[k]; ok {
						require.NoError(t, err)
						require.Equal(t, want, string(val))
					} else {
						require.ErrorIs(t, err, ikv.ErrNotFound)
					}
				case 9: // put with NoOverwrite
					k := key()

					err := db.Put([]byte(k), []byte("nx"), ikv.NoOverwrite)
					if _, ok := model[k]; ok {
						require.ErrorIs(t, err, ikv.ErrKeyExists)
					} else {
						require.NoError(t, err)
						model[k] = "nx"
					}
				}

				if op%500 == 499 {
					if diff := cmp.Diff(model, dumpDB(t, db)); diff != "" {
						t.Fatalf("store diverged from model (-want +got):\n%s", diff)
					}
				}
			}

			if diff := cmp.Diff(model, dumpDB(t, db)); diff != "" {
				t.Fatalf("store diverged from model (-want +got):\n%s", diff)
			}

			// Structural invariants hold after the run.
			_, err = s.Check()
			require.NoError(t, err)

			// And the state survives a close/reopen cycle.
			path := s.Path()
			require.NoError(t, s.Close())

			s2 := openStore(t, ikv.Opts{Path: path})

			db2, err := s2.DB(1, 0)
			require.NoError(t, err)

			if diff := cmp.Diff(model, dumpDB(t, db2)); diff != "" {
				t.Fatalf("reopened store diverged from model (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_Values_Spanning_Size_Classes(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db, err := s.DB(1, 0)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(3, 3))

	// Values from a few bytes up to well past the smallest block classes,
	// forcing block relocations and entry re-appends.
	sizes := []int{1, 10, 100, 1_000, 10_000, 100_000}
	model := make(map[string]string)

	for i, size := range sizes {
		key := fmt.Sprintf("key-%d", i)

		val := make([]byte, size)
		for j := range val {
			val[j] = byte('a' + rng.IntN(26))
		}

		require.NoError(t, db.Put([]byte(key), val, 0))
		model[key] = string(val)
	}

	// Shrink and regrow one value in place.
	require.NoError(t, db.Put([]byte("key-4"), []byte("tiny"), 0))
	model["key-4"] = "tiny"

	big := make([]byte, 50_000)
	require.NoError(t, db.Put([]byte("key-4"), big, 0))
	model["key-4"] = string(big)

	for key, want := range model {
		got, err := db.Get([]byte(key))
		require.NoError(t, err)
		require.Equal(t, want, string(got), "key %s", key)
	}

	_, err = s.Check()
	require.NoError(t, err)
}

func Test_Long_Keys_Exceeding_Fence_Cache(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db, err := s.DB(1, 0)
	require.NoError(t, err)

	// Keys sharing a 60-byte prefix differ only past the 40-byte inline
	// fence cache, forcing full-key fence reads during search.
	prefix := ""
	for range 6 {
		prefix += "0123456789"
	}

	var keys []string

	for i := range 200 {
		key := fmt.Sprintf("%s-%05d", prefix, i)
		keys = append(keys, key)

		require.NoError(t, db.Put([]byte(key), []byte(fmt.Sprintf("v%d", i)), 0))
	}

	for i, key := range keys {
		val, err := db.Get([]byte(key))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", i), string(val))
	}

	got := dumpDB(t, db)
	require.Len(t, got, len(keys))
}

func Test_Growth_Under_Fib_Policy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fib.ikv")

	s := openStore(t, ikv.Opts{
		Path:   path,
		Policy: exfile.NewFibPolicy(),
	})

	db, err := s.DB(1, 0)
	require.NoError(t, err)

	val := make([]byte, 512)

	// Enough volume to force several truncations under the policy.
	for i := range 2000 {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%06d", i)), val, 0))
	}

	require.NoError(t, s.Sync(0))

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, st.Size()%int64(os.Getpagesize()))
	require.Greater(t, st.Size(), int64(2000*512))

	// Every record survives.
	keys := make([]string, 0, 2000)
	for key := range dumpDB(t, db) {
		keys = append(keys, key)
	}

	sort.Strings(keys)
	require.Len(t, keys, 2000)
	require.Equal(t, "key-000000", keys[0])
	require.Equal(t, "key-001999", keys[1999])
}
