package ikv

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// PutFlags tune a single put/set operation.
type PutFlags uint8

const (
	// NoOverwrite fails with ErrKeyExists instead of replacing an existing
	// value.
	NoOverwrite PutFlags = 1 << iota
	// DupRemove removes the element from a duplicate array instead of
	// adding it. Only valid in duplicate-array modes.
	DupRemove
	// SyncFlush syncs the store after the operation.
	SyncFlush
)

// DB is one logical database inside a store. Handles are shared: Store.DB
// returns the same *DB for the same id until the store closes or the
// database is destroyed.
type DB struct {
	s *Store

	// mu is the database lock guarding the skip list and its KVBLKs.
	// Acquired after the engine lock, before any allocator or file lock.
	mu rwLocker

	id    uint32
	flags DBFlags
	slot  int
	root  int64
	seed  uint64

	atime      atomic.Uint64 // ms since epoch
	atimeDirty atomic.Bool

	// rnd drives level draws; only touched under the database write lock.
	rnd *rand.Rand

	dropped bool
}

// ID returns the database id.
func (db *DB) ID() uint32 { return db.id }

// Flags returns the database mode flags.
func (db *DB) Flags() DBFlags { return db.flags }

// LastAccessTime returns the cached last-access timestamp.
func (db *DB) LastAccessTime() time.Time {
	return time.UnixMilli(int64(db.atime.Load()))
}

func (db *DB) touch() {
	db.atime.Store(uint64(time.Now().UnixMilli()))
	db.atimeDirty.Store(true)
}

// flushAtime persists the cached last-access time into the registry slot.
func (db *DB) flushAtime() error {
	if !db.atimeDirty.Swap(false) {
		return nil
	}

	return db.s.writeRegSlot(db.slot, regSlot{
		ID:    db.id,
		Flags: uint32(db.flags),
		Root:  uint64(db.root),
		Seed:  db.seed,
		Atime: db.atime.Load(),
	})
}

// begin acquires the engine read lock and the database lock in order and
// validates handle state. The returned release func undoes both.
func (db *DB) begin(write bool) (func(), error) {
	db.s.mu.RLock()

	if db.s.closed {
		db.s.mu.RUnlock()

		return nil, ErrClosed
	}

	if write && db.s.rdonly {
		db.s.mu.RUnlock()

		return nil, ErrReadonly
	}

	if write {
		db.mu.Lock()
	} else {
		db.mu.RLock()
	}

	if db.dropped {
		if write {
			db.mu.Unlock()
		} else {
			db.mu.RUnlock()
		}

		db.s.mu.RUnlock()

		return nil, fmt.Errorf("database %d destroyed: %w", db.id, ErrInvalidState)
	}

	release := func() {
		if write {
			db.mu.Unlock()
		} else {
			db.mu.RUnlock()
		}

		db.s.mu.RUnlock()
	}

	return release, nil
}

// checkKey validates key size against the database mode.
func (db *DB) checkKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("empty key: %w", ErrInvalidState)
	}

	if w := db.flags.keyWidth(); w != 0 && len(key) != w {
		return fmt.Errorf("key of %d bytes in a %d-byte integer-key database: %w",
			len(key), w, ErrKeyNumValueSize)
	}

	return nil
}

// --- skip-list search ---

// searchPath captures the per-level predecessors of a key position.
type searchPath struct {
	pred [maxLevel]*sblk
	node *sblk // last node with first key <= target (the head when none)
}

// search descends the skip list. With strict set, nodes whose first key
// equals the target are NOT entered; that variant finds the predecessors of
// an existing node by its own first key.
func (db *DB) search(key []byte, strict bool) (*searchPath, error) {
	cur, err := db.s.readSBLK(db.root)
	if err != nil {
		return nil, err
	}

	sp := &searchPath{}

	// Cache nodes by offset so a predecessor shared across levels is one
	// instance and pointer patches stay coherent.
	seen := map[int64]*sblk{cur.off: cur}

	for lvl := maxLevel - 1; lvl >= 0; lvl-- {
		for {
			nextOff := cur.fwd[lvl]
			if nextOff == 0 {
				break
			}

			next, ok := seen[nextOff]
			if !ok {
				next, err = db.s.readSBLK(nextOff)
				if err != nil {
					return nil, err
				}

				seen[nextOff] = next
			}

			c, err := db.cmpFirstKey(next, key)
			if err != nil {
				return nil, err
			}

			if c < 0 || (c == 0 && !strict) {
				cur = next

				continue
			}

			break
		}

		sp.pred[lvl] = cur
	}

	sp.node = cur

	return sp, nil
}

// newLevel draws a node level from a geometric distribution with p = 1/4.
func (db *DB) newLevel() uint8 {
	lvl := uint8(1)
	for lvl < maxLevel && db.rnd.Uint32()%levelBranch == 0 {
		lvl++
	}

	return lvl
}

// --- public record operations ---

// Get returns a copy of the value stored under key. In duplicate-array
// modes the returned bytes are the packed array: a little-endian uint32
// element count followed by the elements.
func (db *DB) Get(key []byte) ([]byte, error) {
	if err := db.checkKey(key); err != nil {
		return nil, err
	}

	release, err := db.begin(false)
	if err != nil {
		return nil, err
	}
	defer release()

	db.touch()

	_, kb, idx, err := db.lookup(key)
	if err != nil {
		return nil, err
	}

	val, err := kb.readVal(idx)
	if err != nil {
		return nil, err
	}

	if isDup, esz := db.flags.dup(); isDup {
		return trimDupArray(val, esz)
	}

	return val, nil
}

// lookup finds key and returns its node, loaded KVBLK and entry index.
func (db *DB) lookup(key []byte) (*sblk, *kvblk, int, error) {
	sp, err := db.search(key, false)
	if err != nil {
		return nil, nil, 0, err
	}

	n := sp.node
	if n.off == db.root || n.pnum == 0 {
		return nil, nil, 0, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}

	kb, err := db.s.readKVBlock(n.kvblkOff)
	if err != nil {
		return nil, nil, 0, err
	}

	idx, found, err := kb.find(key)
	if err != nil {
		return nil, nil, 0, err
	}

	if !found {
		return nil, nil, 0, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}

	return n, kb, idx, nil
}

// Put stores val under key. In duplicate-array modes val must be exactly one
// element wide and is added to (or, with DupRemove, removed from) the key's
// array.
func (db *DB) Put(key, val []byte, flags PutFlags) error {
	if err := db.checkKey(key); err != nil {
		return err
	}

	release, err := db.begin(true)
	if err != nil {
		return err
	}

	err = func() error {
		defer release()

		db.touch()

		if isDup, esz := db.flags.dup(); isDup {
			if len(val) != esz {
				return fmt.Errorf("%d-byte element in a %d-byte duplicate database: %w",
					len(val), esz, ErrDupValueSize)
			}

			elem := decodeDupElem(val)
			if flags&DupRemove != 0 {
				return db.dupRemoveLocked(key, elem)
			}

			return db.dupAddLocked(key, elem)
		}

		if flags&DupRemove != 0 {
			return fmt.Errorf("DupRemove on a non-duplicate database: %w", ErrIncompatibleDBMode)
		}

		return db.putLocked(key, val, flags)
	}()
	if err != nil {
		return err
	}

	if flags&SyncFlush != 0 {
		return db.s.exf.Sync(0)
	}

	return nil
}

// putLocked inserts or replaces a record. Retries after a node split; every
// retry re-runs the search against the patched structure. A block relocation
// stores the record itself and needs no retry.
func (db *DB) putLocked(key, val []byte, flags PutFlags) error {
	if len(key)+len(val) > maxKVSize {
		return fmt.Errorf("key+value of %d bytes: %w", len(key)+len(val), ErrMaxKVSize)
	}

	for {
		retry, err := db.tryPut(key, val, flags)
		if err != nil {
			return err
		}

		if !retry {
			return nil
		}
	}
}

// tryPut performs one insertion attempt. A true result means the node was
// split without storing the record and the caller must retry.
func (db *DB) tryPut(key, val []byte, flags PutFlags) (bool, error) {
	sp, err := db.search(key, false)
	if err != nil {
		return false, err
	}

	target := sp.node

	if target.off == db.root {
		if target.fwd[0] == 0 {
			// Empty database: first node carries the first record.
			return false, db.insertFirstNode(sp, key, val)
		}

		// Key sorts before every first key: it belongs to the first node.
		target, err = db.s.readSBLK(target.fwd[0])
		if err != nil {
			return false, err
		}
	}

	kb, err := db.s.readKVBlock(target.kvblkOff)
	if err != nil {
		return false, err
	}

	idx, found, err := kb.find(key)
	if err != nil {
		return false, err
	}

	if found {
		if flags&NoOverwrite != 0 {
			return false, fmt.Errorf("key %q: %w", key, ErrKeyExists)
		}

		err = kb.setVal(idx, val)
		if err == nil {
			return false, nil
		}

		if err != errKVBlockFull {
			return false, err
		}

		entries, err := kb.loadAll()
		if err != nil {
			return false, err
		}

		entries[idx].val = val

		return db.relocateOrSplit(sp, target, kb, entries)
	}

	if int(kb.pnum) < kvblkMaxEntries {
		err = kb.insert(idx, key, val)
		if err == nil {
			target.pnum = kb.pnum

			if idx == 0 {
				target.setFirstKey(key)
			}

			return false, db.s.writeSBLK(target)
		}

		if err != errKVBlockFull {
			return false, err
		}

		entries, err := kb.loadAll()
		if err != nil {
			return false, err
		}

		entries = append(entries, kvEntry{})
		copy(entries[idx+1:], entries[idx:])
		entries[idx] = kvEntry{key: key, val: val}

		return db.relocateOrSplit(sp, target, kb, entries)
	}

	// Directory full: split and retry.
	if err := db.split(sp, target, kb); err != nil {
		return false, err
	}

	return true, nil
}

// insertFirstNode creates the first real node of an empty database.
func (db *DB) insertFirstNode(sp *searchPath, key, val []byte) error {
	kb, err := db.s.newKVBlock(max(sizeClassFor(int64(len(key)+len(val))), kvblkMinPow))
	if err != nil {
		return err
	}

	if err := kb.insert(0, key, val); err != nil {
		return err
	}

	off, err := db.s.allocSBLK()
	if err != nil {
		return err
	}

	n := &sblk{
		off:      off,
		level:    db.newLevel(),
		pnum:     1,
		kvblkOff: kb.off,
	}
	n.setFirstKey(key)

	return db.wireAfter(sp, sp.node, n)
}

// wireAfter links node n immediately after node prev on every level up to
// n.level, using sp's predecessors for levels above prev's.
func (db *DB) wireAfter(sp *searchPath, prev *sblk, n *sblk) error {
	dirty := map[int64]*sblk{n.off: n, prev.off: prev}

	for lvl := 0; lvl < int(n.level); lvl++ {
		p := prev
		if lvl >= int(prev.level) && prev.off != db.root {
			p = sp.pred[lvl]
			dirty[p.off] = p
		}

		n.fwd[lvl] = p.fwd[lvl]
		p.fwd[lvl] = n.off
	}

	n.prev0 = prev.off

	if n.fwd[0] != 0 {
		next, err := db.s.readSBLK(n.fwd[0])
		if err != nil {
			return err
		}

		next.prev0 = n.off
		dirty[next.off] = next
	}

	for _, d := range dirty {
		if err := db.s.writeSBLK(d); err != nil {
			return err
		}
	}

	return nil
}

// relocateOrSplit rewrites a node's records into a larger block when they
// fit a single class, and splits the node otherwise. The rewrite stores
// entries as given, so only a split asks the caller to retry.
func (db *DB) relocateOrSplit(sp *searchPath, n *sblk, kb *kvblk, entries []kvEntry) (bool, error) {
	var total int64
	for _, e := range entries {
		total += int64(len(e.key) + len(e.val))
	}

	pow := sizeClassFor(total)
	if len(entries) <= kvblkMaxEntries && pow <= kvblkMaxPow {
		if err := db.rewriteKVBlock(n, kb, entries); err != nil {
			return false, err
		}

		return false, nil
	}

	if err := db.split(sp, n, kb); err != nil {
		return false, err
	}

	return true, nil
}

// rewriteKVBlock moves a node's records into a freshly sized block and
// releases the old one.
func (db *DB) rewriteKVBlock(n *sblk, old *kvblk, entries []kvEntry) error {
	var total int64
	for _, e := range entries {
		total += int64(len(e.key) + len(e.val))
	}

	nb, err := db.s.newKVBlock(max(sizeClassFor(total), kvblkMinPow))
	if err != nil {
		return err
	}

	for i, e := range entries {
		if err := nb.insert(i, e.key, e.val); err != nil {
			return err
		}
	}

	if err := db.s.freeBlock(old.off, int(old.szpow)); err != nil {
		return err
	}

	n.kvblkOff = nb.off
	n.pnum = nb.pnum
	n.setFirstKey(entries[0].key)

	return db.s.writeSBLK(n)
}

// split moves the upper half of a full node's records into a new node wired
// immediately after it.
func (db *DB) split(sp *searchPath, n *sblk, kb *kvblk) error {
	entries, err := kb.loadAll()
	if err != nil {
		return err
	}

	if len(entries) < 2 {
		// A single oversized record that outgrew the largest class.
		return fmt.Errorf("record cannot fit any block class: %w", ErrMaxKVSize)
	}

	mid := len(entries) / 2
	lower, upper := entries[:mid], entries[mid:]

	// New node for the upper half.
	var upperTotal int64
	for _, e := range upper {
		upperTotal += int64(len(e.key) + len(e.val))
	}

	ub, err := db.s.newKVBlock(max(sizeClassFor(upperTotal), kvblkMinPow))
	if err != nil {
		return err
	}

	for i, e := range upper {
		if err := ub.insert(i, e.key, e.val); err != nil {
			return err
		}
	}

	soff, err := db.s.allocSBLK()
	if err != nil {
		return err
	}

	sn := &sblk{
		off:      soff,
		level:    db.newLevel(),
		pnum:     ub.pnum,
		kvblkOff: ub.off,
	}
	sn.setFirstKey(upper[0].key)

	// Shrink the original node to the lower half in place.
	kb.pnum = 0
	kb.dused = 0
	kb.holes = 0
	kb.dir = [kvblkMaxEntries]kvdir{}

	for i, e := range lower {
		if err := kb.insert(i, e.key, e.val); err != nil {
			return err
		}
	}

	n.pnum = kb.pnum

	// wireAfter persists n along with the other patched nodes.
	return db.wireAfter(sp, n, sn)
}

// Delete removes the record stored under key.
func (db *DB) Delete(key []byte) error {
	if err := db.checkKey(key); err != nil {
		return err
	}

	release, err := db.begin(true)
	if err != nil {
		return err
	}
	defer release()

	db.touch()

	return db.deleteLocked(key)
}

func (db *DB) deleteLocked(key []byte) error {
	sp, err := db.search(key, false)
	if err != nil {
		return err
	}

	n := sp.node
	if n.off == db.root {
		return fmt.Errorf("key %q: %w", key, ErrNotFound)
	}

	kb, err := db.s.readKVBlock(n.kvblkOff)
	if err != nil {
		return err
	}

	idx, found, err := kb.find(key)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("key %q: %w", key, ErrNotFound)
	}

	if err := kb.remove(idx); err != nil {
		return err
	}

	if kb.pnum == 0 {
		return db.unlink(n, key)
	}

	n.pnum = kb.pnum

	if idx == 0 {
		first, err := kb.readKey(0)
		if err != nil {
			return err
		}

		n.setFirstKey(first)
	}

	return db.s.writeSBLK(n)
}

// unlink removes an empty node from every forward chain and releases its
// blocks. key is the node's former (single) first key, used to find its
// predecessors.
func (db *DB) unlink(n *sblk, key []byte) error {
	sp, err := db.search(key, true)
	if err != nil {
		return err
	}

	dirty := make(map[int64]*sblk)

	for lvl := 0; lvl < int(n.level); lvl++ {
		p := sp.pred[lvl]
		if p.fwd[lvl] != n.off {
			continue
		}

		p.fwd[lvl] = n.fwd[lvl]
		dirty[p.off] = p
	}

	if n.fwd[0] != 0 {
		next, ok := dirty[n.fwd[0]]
		if !ok {
			next, err = db.s.readSBLK(n.fwd[0])
			if err != nil {
				return err
			}
		}

		next.prev0 = n.prev0
		dirty[next.off] = next
	}

	for _, d := range dirty {
		if err := db.s.writeSBLK(d); err != nil {
			return err
		}
	}

	pow, err := db.s.readKVBlockPow(n.kvblkOff)
	if err != nil {
		return err
	}

	if err := db.s.freeBlock(n.kvblkOff, pow); err != nil {
		return err
	}

	return db.s.freeSBLK(n.off)
}

// Count returns the number of live records via a level-0 walk.
func (db *DB) Count() (int64, error) {
	release, err := db.begin(false)
	if err != nil {
		return 0, err
	}
	defer release()

	head, err := db.s.readSBLK(db.root)
	if err != nil {
		return 0, err
	}

	var total int64

	for off := head.fwd[0]; off != 0; {
		n, err := db.s.readSBLK(off)
		if err != nil {
			return 0, err
		}

		total += int64(n.pnum)
		off = n.fwd[0]
	}

	return total, nil
}
