// Package ikv implements a persistent, embedded, ordered key-value store
// backed by a single file.
//
// One store file multiplexes up to 64 logically independent databases, each
// an on-disk skip list of fixed-size node blocks (SBLK) referencing
// variable-size key-value payload blocks (KVBLK). Databases support ordered
// iteration through cursors and optional modes where keys are fixed-width
// big-endian integers and values are sorted arrays of unsigned integers.
//
// The store is safe for concurrent use from multiple goroutines in one
// process. It is NOT crash-transactional: durability points are explicit
// [Store.Sync] calls.
package ikv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/tchen0123/ikv/internal/fslock"
	"github.com/tchen0123/ikv/pkg/exfile"
)

// OpenFlags control how a store is opened.
type OpenFlags uint8

const (
	// Rdonly rejects all mutating calls with ErrReadonly.
	Rdonly OpenFlags = 1 << iota
	// Trunc replaces any existing file content on open.
	Trunc
	// NoLocks disables all locking. The store is then only safe for
	// single-threaded use.
	NoLocks
)

// DBFlags select the key and value mode of a database. The flag set is fixed
// at database creation; reopening with different flags fails with
// ErrIncompatibleDBMode.
type DBFlags uint32

const (
	// Uint32Keys: keys are 4-byte big-endian unsigned integers.
	Uint32Keys DBFlags = 1 << iota
	// Uint64Keys: keys are 8-byte big-endian unsigned integers.
	Uint64Keys
	// DupUint32Vals: the value of a key is a sorted, deduplicated array of
	// 32-bit unsigned integers.
	DupUint32Vals
	// DupUint64Vals: the value of a key is a sorted, deduplicated array of
	// 64-bit unsigned integers.
	DupUint64Vals
)

func (f DBFlags) valid() bool {
	if f&Uint32Keys != 0 && f&Uint64Keys != 0 {
		return false
	}

	if f&DupUint32Vals != 0 && f&DupUint64Vals != 0 {
		return false
	}

	return true
}

// dup reports whether values are duplicate integer arrays, and their width.
func (f DBFlags) dup() (bool, int) {
	switch {
	case f&DupUint32Vals != 0:
		return true, 4
	case f&DupUint64Vals != 0:
		return true, 8
	default:
		return false, 0
	}
}

// keyWidth returns the fixed key width, or 0 for byte-string keys.
func (f DBFlags) keyWidth() int {
	switch {
	case f&Uint32Keys != 0:
		return 4
	case f&Uint64Keys != 0:
		return 8
	default:
		return 0
	}
}

// Opts configure [Open].
type Opts struct {
	// Path of the store file. Required.
	Path string
	// Flags is a bitmask of open flags.
	Flags OpenFlags
	// RandomSeed seeds skip-list level draws of databases created through
	// this handle. Zero means time-seeded.
	RandomSeed uint64
	// InitialSize grows the file to at least this size on open.
	InitialSize int64
	// MaxOff caps the file size. Zero means the format limit
	// (exfile.MaxOffLimit, just under 256 GiB).
	MaxOff int64
	// Policy decides file growth. Nil means page round-up.
	Policy exfile.ResizePolicy
	// FileMode for file creation. Zero means 0600.
	FileMode os.FileMode
}

// rwLocker is the locking seam shared by the engine and database locks;
// NoLocks swaps in the no-op variant.
type rwLocker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

type noLock struct{}

func (noLock) Lock()    {}
func (noLock) Unlock()  {}
func (noLock) RLock()   {}
func (noLock) RUnlock() {}

// Store is a process-level handle on one store file. The file is held
// exclusively (via a sidecar flock) while the handle lives.
type Store struct {
	// mu is the engine lock: guards the registry, open-database map and
	// cross-database structural operations.
	mu rwLocker

	// allocMu is a leaf lock guarding the metablock free lists and the
	// data-end pointer. Acquired strictly after any engine/database lock and
	// never held across calls back into them.
	allocMu sync.Locker

	exf  *exfile.File
	flk  *fslock.Lock
	path string

	pageSize  int64 // creation-time page size from the header
	dataStart int64 // first allocatable offset

	rdonly  bool
	nolocks bool
	closed  bool

	seed uint64

	dbs map[uint32]*DB
}

// Open opens or creates the store file at opts.Path.
func Open(opts Opts) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidState)
	}

	nolocks := opts.Flags&NoLocks != 0

	var flk *fslock.Lock

	if !nolocks {
		var err error

		flk, err = fslock.Acquire(opts.Path)
		if err != nil {
			if errors.Is(err, fslock.ErrWouldBlock) {
				return nil, fmt.Errorf("store already open at %s: %w", opts.Path, ErrInvalidState)
			}

			return nil, err
		}
	}

	s, err := open(opts, flk)
	if err != nil {
		if flk != nil {
			_ = flk.Close()
		}

		return nil, err
	}

	return s, nil
}

func open(opts Opts, flk *fslock.Lock) (*Store, error) {
	rdonly := opts.Flags&Rdonly != 0
	nolocks := opts.Flags&NoLocks != 0

	st, statErr := os.Stat(opts.Path)
	missing := errors.Is(statErr, os.ErrNotExist)

	if statErr != nil && !missing {
		return nil, fmt.Errorf("stat %s: %w", opts.Path, statErr)
	}

	fresh := missing || (statErr == nil && st.Size() == 0) || opts.Flags&Trunc != 0
	if fresh {
		if rdonly {
			return nil, fmt.Errorf("no store at %s: %w", opts.Path, ErrReadonly)
		}

		if err := writeFreshHeader(opts.Path); err != nil {
			return nil, err
		}
	}

	exflags := exfile.OpenFlags(0)
	if rdonly {
		exflags |= exfile.Rdonly
	}

	if nolocks {
		exflags |= exfile.NoLocks
	}

	exf, err := exfile.Open(exfile.Opts{
		Path:        opts.Path,
		Flags:       exflags,
		InitialSize: opts.InitialSize,
		MaxOff:      opts.MaxOff,
		Policy:      opts.Policy,
		FileMode:    opts.FileMode,
	})
	if err != nil {
		return nil, err
	}

	if err := exf.AddMmap(0, exfile.MaxOffLimit); err != nil {
		_ = exf.Close()

		return nil, err
	}

	var mu rwLocker = &sync.RWMutex{}

	var allocMu sync.Locker = &sync.Mutex{}

	if nolocks {
		mu = noLock{}
		allocMu = noopLocker{}
	}

	s := &Store{
		mu:      mu,
		allocMu: allocMu,
		exf:     exf,
		flk:     flk,
		path:    opts.Path,
		rdonly:  rdonly,
		nolocks: nolocks,
		seed:    opts.RandomSeed,
		dbs:     make(map[uint32]*DB),
	}

	if err := s.loadHeader(); err != nil {
		_ = exf.Close()

		return nil, err
	}

	return s, nil
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// writeFreshHeader atomically replaces the file at path with a single
// initialized header page.
func writeFreshHeader(path string) error {
	psize := int64(os.Getpagesize())

	buf := make([]byte, psize)
	copy(buf[offMagic:], ikvMagic)
	buf[offVersion] = ikvVersion
	binary.LittleEndian.PutUint32(buf[offPageSize:], uint32(psize))
	binary.LittleEndian.PutUint32(buf[offMaxDBID:], 0)
	binary.LittleEndian.PutUint64(buf[offDataEnd:], uint64(psize))

	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("write store header: %w", err)
	}

	return nil
}

// loadHeader validates the file header and caches immutable layout fields.
func (s *Store) loadHeader() error {
	hdr := make([]byte, hdrEnd)
	if _, err := s.exf.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("read header: %v: %w", err, ErrCorrupted)
	}

	if string(hdr[offMagic:offMagic+8]) != ikvMagic {
		return fmt.Errorf("bad magic %q: %w", hdr[offMagic:offMagic+8], ErrCorrupted)
	}

	if hdr[offVersion] != ikvVersion {
		return fmt.Errorf("unsupported version %d: %w", hdr[offVersion], ErrCorrupted)
	}

	psize := int64(binary.LittleEndian.Uint32(hdr[offPageSize:]))
	if psize != int64(os.Getpagesize()) {
		return fmt.Errorf("store created with page size %d, system page size is %d: %w",
			psize, os.Getpagesize(), ErrInvalidState)
	}

	s.pageSize = psize
	s.dataStart = psize

	dend := int64(binary.LittleEndian.Uint64(hdr[offDataEnd:]))

	fsize, err := s.exf.Size()
	if err != nil {
		return err
	}

	if dend < s.dataStart || dend > fsize {
		return fmt.Errorf("data end %d outside [%d,%d]: %w", dend, s.dataStart, fsize, ErrCorrupted)
	}

	return nil
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// SyncFlags select the durability primitive used by Sync.
type SyncFlags = exfile.SyncFlags

// Sync flushes all completed writes to disk. On successful return every
// write that finished before the call is durable.
func (s *Store) Sync(flags SyncFlags) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if !s.rdonly {
		for _, db := range s.dbs {
			if err := db.flushAtime(); err != nil {
				return err
			}
		}
	}

	return s.exf.Sync(flags)
}

// Close releases the store. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var firstErr error

	if !s.rdonly {
		for _, db := range s.dbs {
			if err := db.flushAtime(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := s.exf.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if s.flk != nil {
		if err := s.flk.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// DB returns the database with the given id, creating it with the supplied
// flags on first reference. id must be non-zero. Opening an existing
// database with a different flag set fails with ErrIncompatibleDBMode.
func (s *Store) DB(id uint32, flags DBFlags) (*DB, error) {
	if id == 0 {
		return nil, fmt.Errorf("database id must be non-zero: %w", ErrInvalidState)
	}

	if !flags.valid() {
		return nil, fmt.Errorf("conflicting database flags %#x: %w", uint32(flags), ErrIncompatibleDBMode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if db, ok := s.dbs[id]; ok {
		if db.flags != flags {
			return nil, fmt.Errorf("db %d open with flags %#x, requested %#x: %w",
				id, uint32(db.flags), uint32(flags), ErrIncompatibleDBMode)
		}

		db.touch()

		return db, nil
	}

	// Look for the database in the on-disk registry.
	slot, rs, err := s.findRegSlot(id)
	if err != nil {
		return nil, err
	}

	if slot >= 0 {
		if DBFlags(rs.Flags) != flags {
			return nil, fmt.Errorf("db %d created with flags %#x, requested %#x: %w",
				id, rs.Flags, uint32(flags), ErrIncompatibleDBMode)
		}

		db := s.newDBHandle(id, flags, slot, rs)
		s.dbs[id] = db

		db.touch()

		return db, nil
	}

	// First reference: create.
	if s.rdonly {
		return nil, fmt.Errorf("create db %d: %w", id, ErrReadonly)
	}

	db, err := s.createDB(id, flags)
	if err != nil {
		return nil, err
	}

	s.dbs[id] = db

	return db, nil
}

// findRegSlot scans the registry for id. Returns (-1, _, nil) when absent.
func (s *Store) findRegSlot(id uint32) (int, regSlot, error) {
	buf := make([]byte, maxDatabases*regSlotSize)
	if _, err := s.exf.ReadAt(buf, offRegistry); err != nil {
		return 0, regSlot{}, fmt.Errorf("read registry: %v: %w", err, ErrCorrupted)
	}

	for i := range maxDatabases {
		rs := decodeRegSlot(buf[i*regSlotSize:])
		if rs.ID == id {
			return i, rs, nil
		}
	}

	return -1, regSlot{}, nil
}

// newDBHandle builds the in-memory handle for a registered database.
func (s *Store) newDBHandle(id uint32, flags DBFlags, slot int, rs regSlot) *DB {
	var mu rwLocker = &sync.RWMutex{}
	if s.nolocks {
		mu = noLock{}
	}

	db := &DB{
		s:     s,
		mu:    mu,
		id:    id,
		flags: flags,
		slot:  slot,
		root:  int64(rs.Root),
		seed:  rs.Seed,
		rnd:   rand.New(rand.NewPCG(rs.Seed, uint64(id))),
	}
	db.atime.Store(rs.Atime)

	return db
}

// createDB allocates the head SBLK and registers a new database.
func (s *Store) createDB(id uint32, flags DBFlags) (*DB, error) {
	slot, _, err := s.findRegSlot(0)
	if err != nil {
		return nil, err
	}

	if slot < 0 {
		return nil, fmt.Errorf("database registry full (%d slots): %w", maxDatabases, ErrInvalidState)
	}

	rootOff, err := s.allocSBLK()
	if err != nil {
		return nil, err
	}

	head := &sblk{off: rootOff, level: maxLevel}
	if err := s.writeSBLK(head); err != nil {
		return nil, err
	}

	seed := s.seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	rs := regSlot{
		ID:    id,
		Flags: uint32(flags),
		Root:  uint64(rootOff),
		Seed:  seed,
		Atime: uint64(time.Now().UnixMilli()),
	}

	if err := s.writeRegSlot(slot, rs); err != nil {
		return nil, err
	}

	if err := s.bumpMaxDBID(id); err != nil {
		return nil, err
	}

	return s.newDBHandle(id, flags, slot, rs), nil
}

func (s *Store) writeRegSlot(slot int, rs regSlot) error {
	buf := make([]byte, regSlotSize)
	encodeRegSlot(buf, rs)

	if _, err := s.exf.WriteAt(buf, regSlotOff(slot)); err != nil {
		return fmt.Errorf("write registry slot %d: %w", slot, err)
	}

	return nil
}

func (s *Store) bumpMaxDBID(id uint32) error {
	cur, err := s.readU32(offMaxDBID)
	if err != nil {
		return err
	}

	if id <= cur {
		return nil
	}

	return s.writeU32(offMaxDBID, id)
}

// ReleaseDB evicts the cached in-memory handle of a database, flushing its
// last-access time. The on-disk database is untouched; the next Store.DB
// call builds a fresh handle from the registry. Existing handles and cursors
// become unusable.
func (s *Store) ReleaseDB(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	db, ok := s.dbs[id]
	if !ok {
		return nil
	}

	if !s.rdonly {
		if err := db.flushAtime(); err != nil {
			return err
		}
	}

	db.mu.Lock()
	db.dropped = true
	db.mu.Unlock()

	delete(s.dbs, id)

	return nil
}

// DestroyDB drops the database with the given id, releasing all its blocks
// to the free lists and clearing its registry slot. Open cursors over the
// database are invalidated.
func (s *Store) DestroyDB(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.rdonly {
		return fmt.Errorf("destroy db %d: %w", id, ErrReadonly)
	}

	slot, rs, err := s.findRegSlot(id)
	if err != nil {
		return err
	}

	if slot < 0 {
		return fmt.Errorf("db %d: %w", id, ErrNotFound)
	}

	if db, ok := s.dbs[id]; ok {
		db.mu.Lock()
		db.dropped = true
		db.mu.Unlock()

		delete(s.dbs, id)
	}

	// Release every node and its payload block, head included.
	off := int64(rs.Root)
	for off != 0 {
		n, err := s.readSBLK(off)
		if err != nil {
			return err
		}

		if n.kvblkOff != 0 {
			pow, err := s.readKVBlockPow(n.kvblkOff)
			if err != nil {
				return err
			}

			if err := s.freeBlock(n.kvblkOff, pow); err != nil {
				return err
			}
		}

		next := n.fwd[0]

		if err := s.freeSBLK(off); err != nil {
			return err
		}

		off = next
	}

	return s.writeRegSlot(slot, regSlot{})
}

// --- small header field helpers ---

func (s *Store) readU32(off int64) (uint32, error) {
	var b [4]byte
	if _, err := s.exf.ReadAt(b[:], off); err != nil {
		return 0, fmt.Errorf("read u32 at %d: %v: %w", off, err, ErrCorrupted)
	}

	return binary.LittleEndian.Uint32(b[:]), nil
}

func (s *Store) writeU32(off int64, v uint32) error {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], v)

	if _, err := s.exf.WriteAt(b[:], off); err != nil {
		return fmt.Errorf("write u32 at %d: %w", off, err)
	}

	return nil
}

func (s *Store) readU64(off int64) (uint64, error) {
	var b [8]byte
	if _, err := s.exf.ReadAt(b[:], off); err != nil {
		return 0, fmt.Errorf("read u64 at %d: %v: %w", off, err, ErrCorrupted)
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

func (s *Store) writeU64(off int64, v uint64) error {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], v)

	if _, err := s.exf.WriteAt(b[:], off); err != nil {
		return fmt.Errorf("write u64 at %d: %w", off, err)
	}

	return nil
}
