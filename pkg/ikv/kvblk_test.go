// White-box tests for the KVBLK payload block layer.

package ikv

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openRawStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Opts{
		Path:       filepath.Join(t.TempDir(), "kvblk.ikv"),
		RandomSeed: 1,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func Test_KVBlock_Insert_Keeps_Directory_Sorted(t *testing.T) {
	t.Parallel()

	s := openRawStore(t)

	kb, err := s.newKVBlock(12)
	require.NoError(t, err)

	for _, key := range []string{"m", "c", "x", "a", "t"} {
		idx, found, err := kb.find([]byte(key))
		require.NoError(t, err)
		require.False(t, found)

		require.NoError(t, kb.insert(idx, []byte(key), []byte("v-"+key)))
	}

	want := []string{"a", "c", "m", "t", "x"}

	require.Equal(t, uint8(len(want)), kb.pnum)

	for i, key := range want {
		k, err := kb.readKey(i)
		require.NoError(t, err)
		require.Equal(t, key, string(k))

		v, err := kb.readVal(i)
		require.NoError(t, err)
		require.Equal(t, "v-"+key, string(v))
	}
}

func Test_KVBlock_Reload_Recovers_Hole_Accounting(t *testing.T) {
	t.Parallel()

	s := openRawStore(t)

	kb, err := s.newKVBlock(12)
	require.NoError(t, err)

	for i := range 10 {
		key := fmt.Sprintf("key-%02d", i)
		require.NoError(t, kb.insert(i, []byte(key), []byte("0123456789")))
	}

	require.NoError(t, kb.remove(3))
	require.NoError(t, kb.remove(3))

	re, err := s.readKVBlock(kb.off)
	require.NoError(t, err)
	require.Equal(t, kb.pnum, re.pnum)
	require.Equal(t, kb.dused, re.dused)
	require.Equal(t, kb.holes, re.holes)
}

func Test_KVBlock_Compaction_Reclaims_Holes(t *testing.T) {
	t.Parallel()

	s := openRawStore(t)

	kb, err := s.newKVBlock(kvblkMinPow)
	require.NoError(t, err)

	// Payload capacity of the smallest class is tight; deleting entries and
	// re-inserting must recycle the holes via compaction.
	payload := make([]byte, 40)

	for round := range 50 {
		key := fmt.Sprintf("k%02d", round%5)

		idx, found, err := kb.find([]byte(key))
		require.NoError(t, err)

		if found {
			require.NoError(t, kb.remove(idx))

			idx, _, err = kb.find([]byte(key))
			require.NoError(t, err)
		}

		require.NoError(t, kb.insert(idx, []byte(key), payload))
		require.LessOrEqual(t, kvblkPayloadOff+int64(kb.dused), kb.size())
	}

	require.Equal(t, uint8(5), kb.pnum)
}

func Test_KVBlock_SetVal_In_Place_And_Relocated(t *testing.T) {
	t.Parallel()

	s := openRawStore(t)

	kb, err := s.newKVBlock(12)
	require.NoError(t, err)

	require.NoError(t, kb.insert(0, []byte("k"), []byte("0123456789")))

	// Shrink: in place, hole grows.
	require.NoError(t, kb.setVal(0, []byte("abc")))

	v, err := kb.readVal(0)
	require.NoError(t, err)
	require.Equal(t, "abc", string(v))
	require.Positive(t, kb.holes)

	// Grow: the entry is re-appended inside the block.
	long := make([]byte, 200)
	for i := range long {
		long[i] = byte('a' + i%26)
	}

	require.NoError(t, kb.setVal(0, long))

	v, err = kb.readVal(0)
	require.NoError(t, err)
	require.Equal(t, long, v)

	k, err := kb.readKey(0)
	require.NoError(t, err)
	require.Equal(t, "k", string(k))
}

func Test_KVBlock_Full_Signals_Caller(t *testing.T) {
	t.Parallel()

	s := openRawStore(t)

	kb, err := s.newKVBlock(kvblkMinPow)
	require.NoError(t, err)

	// The smallest class cannot absorb a payload bigger than its capacity.
	big := make([]byte, kb.payloadCap())

	err = kb.insert(0, []byte("k"), big)
	require.ErrorIs(t, err, errKVBlockFull)
}

func Test_SizeClassFor_Picks_Smallest_Fitting_Class(t *testing.T) {
	t.Parallel()

	require.Equal(t, kvblkMinPow, sizeClassFor(1))
	require.Equal(t, kvblkMinPow, sizeClassFor(1<<10-kvblkPayloadOff))
	require.Equal(t, kvblkMinPow+1, sizeClassFor(1<<10-kvblkPayloadOff+1))
	require.Equal(t, kvblkMaxPow, sizeClassFor(maxKVSize))
	require.Equal(t, kvblkMaxPow+1, sizeClassFor(1<<29))
}
