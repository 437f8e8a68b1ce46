package ikv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Duplicate-array values. In DupUint32Vals/DupUint64Vals databases the value
// stored under a key is a sorted, deduplicated array of fixed-width unsigned
// integers, little-endian in the payload.
//
// Stored layout: a uint32 element count followed by capacity*width element
// bytes. Capacity grows by powers of two; the slack past the live count lets
// the array absorb inserts without relocating inside its KVBLK.

// decodeDupElem reads one element of len(val) width.
func decodeDupElem(val []byte) uint64 {
	if len(val) == 4 {
		return uint64(binary.LittleEndian.Uint32(val))
	}

	return binary.LittleEndian.Uint64(val)
}

// trimDupArray clips a stored array to its live portion (count prefix plus
// count elements).
func trimDupArray(val []byte, esz int) ([]byte, error) {
	if len(val) < 4 {
		return nil, fmt.Errorf("duplicate array shorter than its header: %w", ErrCorrupted)
	}

	count := binary.LittleEndian.Uint32(val)

	need := 4 + int(count)*esz
	if len(val) < need {
		return nil, fmt.Errorf("duplicate array count %d exceeds stored bytes: %w", count, ErrCorrupted)
	}

	return val[:need], nil
}

// parseDupArray decodes the live elements of a stored array.
func parseDupArray(val []byte, esz int) ([]uint64, error) {
	trimmed, err := trimDupArray(val, esz)
	if err != nil {
		return nil, err
	}

	count := binary.LittleEndian.Uint32(trimmed)
	out := make([]uint64, count)

	for i := range out {
		out[i] = decodeDupElem(trimmed[4+i*esz : 4+(i+1)*esz])
	}

	return out, nil
}

// packDupArray encodes elems with room for cap elements.
func packDupArray(elems []uint64, capacity, esz int) []byte {
	buf := make([]byte, 4+capacity*esz)
	binary.LittleEndian.PutUint32(buf, uint32(len(elems)))

	for i, v := range elems {
		if esz == 4 {
			binary.LittleEndian.PutUint32(buf[4+i*esz:], uint32(v))
		} else {
			binary.LittleEndian.PutUint64(buf[4+i*esz:], v)
		}
	}

	return buf
}

func nextPow2u(x int) int {
	p := 1
	for p < x {
		p <<= 1
	}

	return p
}

// dupMode validates that the database stores duplicate arrays and that v
// fits the configured element width.
func (db *DB) dupMode(v uint64) (int, error) {
	isDup, esz := db.flags.dup()
	if !isDup {
		return 0, fmt.Errorf("not a duplicate-array database: %w", ErrIncompatibleDBMode)
	}

	if esz == 4 && v > math.MaxUint32 {
		return 0, fmt.Errorf("element %d exceeds 32 bits: %w", v, ErrDupValueSize)
	}

	return esz, nil
}

// DupAdd inserts v into the array stored under key, keeping it sorted and
// deduplicated. Creates the array on first use of the key.
func (db *DB) DupAdd(key []byte, v uint64) error {
	esz, err := db.dupMode(v)
	if err != nil {
		return err
	}

	if err := db.checkKey(key); err != nil {
		return err
	}

	release, err := db.begin(true)
	if err != nil {
		return err
	}
	defer release()

	db.touch()

	return db.dupAddWidth(key, v, esz)
}

func (db *DB) dupAddWidth(key []byte, v uint64, esz int) error {
	_, kb, idx, err := db.lookup(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		// First element under this key.
		return db.putLocked(key, packDupArray([]uint64{v}, 1, esz), 0)
	}

	val, err := kb.readVal(idx)
	if err != nil {
		return err
	}

	elems, err := parseDupArray(val, esz)
	if err != nil {
		return err
	}

	pos := sort.Search(len(elems), func(i int) bool { return elems[i] >= v })
	if pos < len(elems) && elems[pos] == v {
		return nil
	}

	elems = append(elems, 0)
	copy(elems[pos+1:], elems[pos:])
	elems[pos] = v

	capacity := (len(val) - 4) / esz
	if len(elems) <= capacity {
		// Fits the reserved slack: rewrite the live prefix in place.
		return kb.setValPrefix(idx, packDupArray(elems, len(elems), esz))
	}

	grown := packDupArray(elems, nextPow2u(len(elems)), esz)

	return db.putLocked(key, grown, 0)
}

// DupRemove deletes v from the array stored under key. Removing an absent
// element succeeds; a missing key fails with ErrNotFound.
func (db *DB) DupRemove(key []byte, v uint64) error {
	esz, err := db.dupMode(v)
	if err != nil {
		return err
	}

	if err := db.checkKey(key); err != nil {
		return err
	}

	release, err := db.begin(true)
	if err != nil {
		return err
	}
	defer release()

	db.touch()

	return db.dupRemoveWidth(key, v, esz)
}

func (db *DB) dupRemoveWidth(key []byte, v uint64, esz int) error {
	_, kb, idx, err := db.lookup(key)
	if err != nil {
		return err
	}

	val, err := kb.readVal(idx)
	if err != nil {
		return err
	}

	elems, err := parseDupArray(val, esz)
	if err != nil {
		return err
	}

	pos := sort.Search(len(elems), func(i int) bool { return elems[i] >= v })
	if pos >= len(elems) || elems[pos] != v {
		return nil
	}

	elems = append(elems[:pos], elems[pos+1:]...)

	return kb.setValPrefix(idx, packDupArray(elems, len(elems), esz))
}

// dupAddLocked and dupRemoveLocked are the entry points used by Put with
// duplicate-array flags; the width was validated by the caller.
func (db *DB) dupAddLocked(key []byte, v uint64) error {
	_, esz := db.flags.dup()

	return db.dupAddWidth(key, v, esz)
}

func (db *DB) dupRemoveLocked(key []byte, v uint64) error {
	_, esz := db.flags.dup()

	return db.dupRemoveWidth(key, v, esz)
}

// DupNum returns the number of elements stored under key.
func (db *DB) DupNum(key []byte) (uint32, error) {
	isDup, esz := db.flags.dup()
	if !isDup {
		return 0, fmt.Errorf("not a duplicate-array database: %w", ErrIncompatibleDBMode)
	}

	if err := db.checkKey(key); err != nil {
		return 0, err
	}

	release, err := db.begin(false)
	if err != nil {
		return 0, err
	}
	defer release()

	db.touch()

	_, kb, idx, err := db.lookup(key)
	if err != nil {
		return 0, err
	}

	val, err := kb.readVal(idx)
	if err != nil {
		return 0, err
	}

	trimmed, err := trimDupArray(val, esz)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(trimmed), nil
}

// DupContains reports whether v is stored under key.
func (db *DB) DupContains(key []byte, v uint64) (bool, error) {
	esz, err := db.dupMode(v)
	if err != nil {
		return false, err
	}

	if err := db.checkKey(key); err != nil {
		return false, err
	}

	release, err := db.begin(false)
	if err != nil {
		return false, err
	}
	defer release()

	db.touch()

	_, kb, idx, err := db.lookup(key)
	if err != nil {
		return false, err
	}

	val, err := kb.readVal(idx)
	if err != nil {
		return false, err
	}

	elems, err := parseDupArray(val, esz)
	if err != nil {
		return false, err
	}

	pos := sort.Search(len(elems), func(i int) bool { return elems[i] >= v })

	return pos < len(elems) && elems[pos] == v, nil
}

// DupIter visits the elements stored under key in ascending order, or
// descending with down set. With start non-nil, iteration begins at the
// first element >= *start (ascending) or <= *start (descending). The
// visitor returns false to stop early.
func (db *DB) DupIter(key []byte, visitor func(v uint64) bool, start *uint64, down bool) error {
	isDup, esz := db.flags.dup()
	if !isDup {
		return fmt.Errorf("not a duplicate-array database: %w", ErrIncompatibleDBMode)
	}

	if err := db.checkKey(key); err != nil {
		return err
	}

	release, err := db.begin(false)
	if err != nil {
		return err
	}
	defer release()

	db.touch()

	_, kb, idx, err := db.lookup(key)
	if err != nil {
		return err
	}

	val, err := kb.readVal(idx)
	if err != nil {
		return err
	}

	elems, err := parseDupArray(val, esz)
	if err != nil {
		return err
	}

	if !down {
		pos := 0
		if start != nil {
			pos = sort.Search(len(elems), func(i int) bool { return elems[i] >= *start })
		}

		for ; pos < len(elems); pos++ {
			if !visitor(elems[pos]) {
				return nil
			}
		}

		return nil
	}

	pos := len(elems) - 1
	if start != nil {
		pos = sort.Search(len(elems), func(i int) bool { return elems[i] > *start }) - 1
	}

	for ; pos >= 0; pos-- {
		if !visitor(elems[pos]) {
			return nil
		}
	}

	return nil
}
