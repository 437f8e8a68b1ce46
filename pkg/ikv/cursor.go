package ikv

import (
	"bytes"
	"errors"
	"fmt"
)

// CursorOp selects the initial cursor position.
type CursorOp uint8

const (
	// CursorBeforeFirst parks the cursor before the smallest key.
	CursorBeforeFirst CursorOp = iota
	// CursorAfterLast parks the cursor after the largest key.
	CursorAfterLast
	// CursorEq positions at exactly the given key, failing with ErrNotFound
	// when absent.
	CursorEq
	// CursorGe positions at the smallest key >= the given key, parking
	// after the last when none qualifies.
	CursorGe
)

type cursorState uint8

const (
	csBefore cursorState = iota
	csAt
	csAfter
	csInvalid
	csClosed
)

// Cursor is a stateful position over one database, visiting keys in order.
//
// A cursor pins its node and payload block only for the duration of a single
// call (under the database read lock); between calls it holds offsets and a
// copy of the current key. If a concurrent mutation moved the current record
// the cursor re-seeks it by key; if the record or its node is gone the
// cursor becomes invalid and every further call returns ErrNotFound.
type Cursor struct {
	db    *DB
	state cursorState
	soff  int64
	idx   int
	key   []byte
}

// Cursor opens a cursor. key is required for CursorEq and CursorGe and
// ignored otherwise.
func (db *DB) Cursor(op CursorOp, key []byte) (*Cursor, error) {
	c := &Cursor{db: db}

	switch op {
	case CursorBeforeFirst:
		c.state = csBefore

		return c, nil
	case CursorAfterLast:
		c.state = csAfter

		return c, nil
	case CursorEq, CursorGe:
		if err := db.checkKey(key); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown cursor op %d: %w", op, ErrInvalidState)
	}

	release, err := db.begin(false)
	if err != nil {
		return nil, err
	}
	defer release()

	db.touch()

	if op == CursorEq {
		n, _, idx, err := db.lookup(key)
		if err != nil {
			return nil, err
		}

		c.state = csAt
		c.soff = n.off
		c.idx = idx
		c.key = bytes.Clone(key)

		return c, nil
	}

	return c, c.seekGE(key)
}

// seekGE positions the cursor at the smallest key >= key.
func (c *Cursor) seekGE(key []byte) error {
	db := c.db

	sp, err := db.search(key, false)
	if err != nil {
		return err
	}

	n := sp.node

	if n.off == db.root {
		if n.fwd[0] == 0 {
			c.state = csAfter

			return nil
		}

		n, err = db.s.readSBLK(n.fwd[0])
		if err != nil {
			return err
		}
	}

	kb, err := db.s.readKVBlock(n.kvblkOff)
	if err != nil {
		return err
	}

	idx, _, err := kb.find(key)
	if err != nil {
		return err
	}

	if idx >= int(n.pnum) {
		if n.fwd[0] == 0 {
			c.state = csAfter

			return nil
		}

		n, err = db.s.readSBLK(n.fwd[0])
		if err != nil {
			return err
		}

		kb, err = db.s.readKVBlock(n.kvblkOff)
		if err != nil {
			return err
		}

		idx = 0
	}

	cur, err := kb.readKey(idx)
	if err != nil {
		return err
	}

	c.state = csAt
	c.soff = n.off
	c.idx = idx
	c.key = cur

	return nil
}

// begin wraps DB.begin, translating a destroyed database into cursor
// invalidation per the cursor contract.
func (c *Cursor) begin() (func(), error) {
	if c.state == csClosed {
		return nil, fmt.Errorf("cursor closed: %w", ErrInvalidState)
	}

	release, err := c.db.begin(false)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			c.state = csInvalid

			return nil, fmt.Errorf("cursor over destroyed database: %w", ErrNotFound)
		}

		return nil, err
	}

	return release, nil
}

// loadAt reloads the pinned position, re-seeking by key if the record moved.
// Transitions to the invalid state when the record or its node is gone.
func (c *Cursor) loadAt() (*sblk, *kvblk, error) {
	db := c.db

	n, err := db.s.readSBLK(c.soff)
	if err != nil {
		return nil, nil, err
	}

	if n.inUse() && c.idx < int(n.pnum) {
		kb, err := db.s.readKVBlock(n.kvblkOff)
		if err != nil {
			return nil, nil, err
		}

		k, err := kb.readKey(c.idx)
		if err != nil {
			return nil, nil, err
		}

		if bytes.Equal(k, c.key) {
			return n, kb, nil
		}
	}

	// The record moved or its node was released; try to find it again.
	n2, kb2, idx, err := db.lookup(c.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.state = csInvalid

			return nil, nil, fmt.Errorf("cursor position lost: %w", ErrNotFound)
		}

		return nil, nil, err
	}

	c.soff = n2.off
	c.idx = idx

	return n2, kb2, nil
}

// Next advances to the following key in ascending order. Returns
// ErrNotFound when the cursor runs past the last record.
func (c *Cursor) Next() error {
	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	db := c.db

	switch c.state {
	case csAfter:
		return fmt.Errorf("cursor after last: %w", ErrNotFound)
	case csInvalid:
		return fmt.Errorf("cursor invalidated: %w", ErrNotFound)
	case csBefore:
		head, err := db.s.readSBLK(db.root)
		if err != nil {
			return err
		}

		if head.fwd[0] == 0 {
			c.state = csAfter

			return fmt.Errorf("empty database: %w", ErrNotFound)
		}

		return c.moveTo(head.fwd[0], 0)
	case csAt:
	case csClosed:
	}

	n, kb, err := c.loadAt()
	if err != nil {
		return err
	}

	if c.idx+1 < int(n.pnum) {
		c.idx++

		key, err := kb.readKey(c.idx)
		if err != nil {
			return err
		}

		c.key = key

		return nil
	}

	if n.fwd[0] == 0 {
		c.state = csAfter

		return fmt.Errorf("cursor after last: %w", ErrNotFound)
	}

	return c.moveTo(n.fwd[0], 0)
}

// Prev steps back to the preceding key in descending order.
func (c *Cursor) Prev() error {
	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	db := c.db

	switch c.state {
	case csBefore:
		return fmt.Errorf("cursor before first: %w", ErrNotFound)
	case csInvalid:
		return fmt.Errorf("cursor invalidated: %w", ErrNotFound)
	case csAfter:
		tail, err := db.tail()
		if err != nil {
			return err
		}

		if tail == nil {
			c.state = csBefore

			return fmt.Errorf("empty database: %w", ErrNotFound)
		}

		return c.moveTo(tail.off, int(tail.pnum)-1)
	case csAt:
	case csClosed:
	}

	n, _, err := c.loadAt()
	if err != nil {
		return err
	}

	if c.idx > 0 {
		c.idx--

		kb, err := db.s.readKVBlock(n.kvblkOff)
		if err != nil {
			return err
		}

		key, err := kb.readKey(c.idx)
		if err != nil {
			return err
		}

		c.key = key

		return nil
	}

	if n.prev0 == db.root || n.prev0 == 0 {
		c.state = csBefore

		return fmt.Errorf("cursor before first: %w", ErrNotFound)
	}

	prev, err := db.s.readSBLK(n.prev0)
	if err != nil {
		return err
	}

	return c.moveTo(prev.off, int(prev.pnum)-1)
}

// moveTo pins position (soff, idx) and caches its key.
func (c *Cursor) moveTo(soff int64, idx int) error {
	db := c.db

	n, err := db.s.readSBLK(soff)
	if err != nil {
		return err
	}

	if !n.inUse() || idx < 0 || idx >= int(n.pnum) {
		c.state = csInvalid

		return fmt.Errorf("cursor position lost: %w", ErrNotFound)
	}

	kb, err := db.s.readKVBlock(n.kvblkOff)
	if err != nil {
		return err
	}

	key, err := kb.readKey(idx)
	if err != nil {
		return err
	}

	c.state = csAt
	c.soff = soff
	c.idx = idx
	c.key = key

	return nil
}

// tail returns the last node of the skip list via a rightmost descent, or
// nil when the database is empty.
func (db *DB) tail() (*sblk, error) {
	cur, err := db.s.readSBLK(db.root)
	if err != nil {
		return nil, err
	}

	head := cur

	for lvl := maxLevel - 1; lvl >= 0; lvl-- {
		for cur.fwd[lvl] != 0 {
			next, err := db.s.readSBLK(cur.fwd[lvl])
			if err != nil {
				return nil, err
			}

			cur = next
		}
	}

	if cur == head {
		return nil, nil
	}

	return cur, nil
}

// To repositions an open cursor the same way the open operations do.
func (c *Cursor) To(op CursorOp, key []byte) error {
	if c.state == csClosed {
		return fmt.Errorf("cursor closed: %w", ErrInvalidState)
	}

	switch op {
	case CursorBeforeFirst:
		c.state = csBefore

		return nil
	case CursorAfterLast:
		c.state = csAfter

		return nil
	case CursorEq, CursorGe:
	default:
		return fmt.Errorf("unknown cursor op %d: %w", op, ErrInvalidState)
	}

	if err := c.db.checkKey(key); err != nil {
		return err
	}

	release, err := c.db.begin(false)
	if err != nil {
		return err
	}
	defer release()

	if op == CursorEq {
		n, _, idx, err := c.db.lookup(key)
		if err != nil {
			return err
		}

		c.state = csAt
		c.soff = n.off
		c.idx = idx
		c.key = bytes.Clone(key)

		return nil
	}

	return c.seekGE(key)
}

// Key returns a copy of the current key.
func (c *Cursor) Key() ([]byte, error) {
	release, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	if c.state != csAt {
		return nil, fmt.Errorf("cursor not positioned: %w", ErrNotFound)
	}

	if _, _, err := c.loadAt(); err != nil {
		return nil, err
	}

	return bytes.Clone(c.key), nil
}

// Val returns a copy of the current value. In duplicate-array modes the
// bytes are the packed array (count prefix plus elements).
func (c *Cursor) Val() ([]byte, error) {
	release, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	if c.state != csAt {
		return nil, fmt.Errorf("cursor not positioned: %w", ErrNotFound)
	}

	_, kb, err := c.loadAt()
	if err != nil {
		return nil, err
	}

	val, err := kb.readVal(c.idx)
	if err != nil {
		return nil, err
	}

	if isDup, esz := c.db.flags.dup(); isDup {
		return trimDupArray(val, esz)
	}

	return val, nil
}

// Get returns copies of the current key and value.
func (c *Cursor) Get() ([]byte, []byte, error) {
	key, err := c.Key()
	if err != nil {
		return nil, nil, err
	}

	val, err := c.Val()
	if err != nil {
		return nil, nil, err
	}

	return key, val, nil
}

// Set replaces the value under the cursor's current key.
func (c *Cursor) Set(val []byte, flags PutFlags) error {
	if c.state == csClosed {
		return fmt.Errorf("cursor closed: %w", ErrInvalidState)
	}

	if c.state != csAt {
		return fmt.Errorf("cursor not positioned: %w", ErrNotFound)
	}

	return c.db.Put(c.key, val, flags)
}

// Close releases the cursor. Idempotent.
func (c *Cursor) Close() error {
	c.state = csClosed

	return nil
}
