// Package exfile implements an extendable, optionally memory-mapped file.
//
// A File owns an OS file handle, a logical size, and a set of page-aligned,
// non-overlapping mmap windows ("slots") sorted by offset. Reads and writes
// are hybrid: byte ranges covered by a mapped slot are served by memcpy
// against the mapping, everything else falls back to positional file I/O.
// Writes past the current logical size grow the file under a pluggable
// [ResizePolicy].
package exfile

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxOffLimit is the largest addressable file offset. Engine offsets are
// stored in 64-bit little-endian fields but the on-disk format caps files at
// just under 256 GiB (256 GiB minus 64 bytes).
const MaxOffLimit = 0x3fffffffc0

// OpenFlags control how a File is opened.
type OpenFlags uint8

const (
	// Rdonly opens the file read-only; mutating calls return ErrReadonly.
	Rdonly OpenFlags = 1 << iota
	// Trunc discards existing file content on open.
	Trunc
	// NoLocks disables the internal read/write lock. The file is then only
	// safe for single-threaded use.
	NoLocks
)

// Opts configure [Open].
type Opts struct {
	// Path of the backing file. Required.
	Path string
	// Flags is a bitmask of open flags.
	Flags OpenFlags
	// InitialSize grows the file to at least this size on open.
	InitialSize int64
	// MaxOff caps the file size. Zero means MaxOffLimit.
	MaxOff int64
	// Policy decides growth beyond requested sizes. Nil means
	// [PageAlignPolicy]. Disposed when the file closes.
	Policy ResizePolicy
	// FileMode for file creation. Zero means 0600.
	FileMode os.FileMode
}

// rwLocker is the internal locking seam; NoLocks swaps in the no-op variant.
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

// mmapSlot is one contiguous mapped window over a page-aligned file range.
// data is nil or empty while the slot is unmapped (for example when the slot
// lies entirely beyond EOF).
type mmapSlot struct {
	off    int64
	maxLen int64 // page-aligned upper bound for the mapping
	data   []byte
}

// File is an extendable file. All methods are safe for concurrent use unless
// the file was opened with NoLocks.
type File struct {
	lk rwLocker

	f        *os.File
	fd       int
	path     string
	size     int64
	pageSize int64
	maxOff   int64
	rdonly   bool
	closed   bool

	policy ResizePolicy

	// slots is kept sorted by off; ranges [off, off+maxLen) never overlap.
	slots []*mmapSlot
}

// Open opens or creates the file at opts.Path.
func Open(opts Opts) (*File, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if opts.FileMode == 0 {
		opts.FileMode = 0o600
	}

	rdonly := opts.Flags&Rdonly != 0

	oflags := os.O_RDWR | os.O_CREATE
	if rdonly {
		oflags = os.O_RDONLY
	}

	if opts.Flags&Trunc != 0 {
		if rdonly {
			return nil, fmt.Errorf("cannot truncate a read-only file: %w", ErrReadonly)
		}

		oflags |= os.O_TRUNC
	}

	osf, err := os.OpenFile(opts.Path, oflags, opts.FileMode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}

	st, err := osf.Stat()
	if err != nil {
		_ = osf.Close()

		return nil, fmt.Errorf("stat %s: %w", opts.Path, err)
	}

	pageSize := int64(os.Getpagesize())

	maxOff := opts.MaxOff
	if maxOff <= 0 || maxOff > MaxOffLimit {
		maxOff = MaxOffLimit
	}

	maxOff &^= pageSize - 1

	policy := opts.Policy
	if policy == nil {
		policy = PageAlignPolicy{}
	}

	var lk rwLocker = &sync.RWMutex{}
	if opts.Flags&NoLocks != 0 {
		lk = noLock{}
	}

	f := &File{
		lk:       lk,
		f:        osf,
		fd:       int(osf.Fd()),
		path:     opts.Path,
		size:     st.Size(),
		pageSize: pageSize,
		maxOff:   maxOff,
		rdonly:   rdonly,
		policy:   policy,
	}

	if opts.InitialSize > f.size && !rdonly {
		if err := f.growLocked(opts.InitialSize); err != nil {
			_ = osf.Close()

			return nil, err
		}
	}

	return f, nil
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

// PageSize returns the system page size used for alignment.
func (f *File) PageSize() int64 { return f.pageSize }

// Size returns the current logical file size.
func (f *File) Size() (int64, error) {
	f.lk.RLock()
	defer f.lk.RUnlock()

	if f.closed {
		return 0, ErrClosed
	}

	return f.size, nil
}

// ReadAt reads len(p) bytes starting at off using the hybrid mmap/pread
// path. Short reads at EOF return io.EOF.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.lk.RLock()
	defer f.lk.RUnlock()

	if f.closed {
		return 0, ErrClosed
	}

	if off < 0 {
		return 0, fmt.Errorf("read at %d: %w", off, ErrOutOfBounds)
	}

	n, err := f.ioLocked(p, off, false)
	if err != nil {
		return n, err
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt writes len(p) bytes starting at off using the hybrid mmap/pwrite
// path, growing the file first if the range extends past the current size.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.lk.Lock()
	defer f.lk.Unlock()

	if f.closed {
		return 0, ErrClosed
	}

	if f.rdonly {
		return 0, ErrReadonly
	}

	if off < 0 {
		return 0, fmt.Errorf("write at %d: %w", off, ErrOutOfBounds)
	}

	end := off + int64(len(p))
	if end > f.size {
		if err := f.growLocked(end); err != nil {
			return 0, err
		}
	}

	return f.ioLocked(p, off, true)
}

// EnsureSize grows the file to at least sz via the resize policy. A no-op if
// the file is already large enough.
func (f *File) EnsureSize(sz int64) error {
	f.lk.Lock()
	defer f.lk.Unlock()

	if f.closed {
		return ErrClosed
	}

	if sz <= f.size {
		return nil
	}

	if f.rdonly {
		return ErrReadonly
	}

	return f.growLocked(sz)
}

// Truncate sets the file size to exactly sz and re-initializes every mmap
// slot against the new size.
func (f *File) Truncate(sz int64) error {
	f.lk.Lock()
	defer f.lk.Unlock()

	if f.closed {
		return ErrClosed
	}

	if f.rdonly {
		return ErrReadonly
	}

	if sz < 0 || sz > f.maxOff {
		return fmt.Errorf("truncate to %d: %w", sz, ErrMaxOff)
	}

	return f.truncateLocked(sz)
}

// growLocked computes the new size via the resize policy and truncates up.
// Policy results below the request or off page alignment fall back to plain
// page round-up.
func (f *File) growLocked(sz int64) error {
	if sz > f.maxOff {
		return fmt.Errorf("grow to %d exceeds max offset %d: %w", sz, f.maxOff, ErrMaxOff)
	}

	ns, err := f.policy.Compute(sz, f.size, f)
	if err != nil {
		if errors.Is(err, ErrResizePolicyFail) {
			return err
		}

		return fmt.Errorf("resize policy: %v: %w", err, ErrResizePolicyFail)
	}

	if ns < sz || ns%f.pageSize != 0 {
		log.Printf("exfile: resize policy returned %d for request %d; using page round-up", ns, sz)
		ns = roundUp(sz, f.pageSize)
	}

	if ns > f.maxOff {
		ns = f.maxOff
		if ns < sz {
			return fmt.Errorf("grow to %d exceeds max offset %d: %w", sz, f.maxOff, ErrMaxOff)
		}
	}

	return f.truncateLocked(ns)
}

// truncateLocked changes the file size and refreshes all mappings. On
// ftruncate failure the old size is restored and mappings re-initialized
// best-effort against it.
func (f *File) truncateLocked(sz int64) error {
	old := f.size

	if err := unix.Ftruncate(f.fd, sz); err != nil {
		_ = unix.Ftruncate(f.fd, old)
		_ = f.remapLocked()

		return fmt.Errorf("ftruncate %s to %d: %w", f.path, sz, err)
	}

	f.size = sz

	return f.remapLocked()
}

// remapLocked re-initializes every slot against the current size. Continues
// past individual failures and returns the first error.
func (f *File) remapLocked() error {
	var firstErr error

	for _, s := range f.slots {
		if err := f.initSlotLocked(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// initSlotLocked (re)maps a slot so that its mapped length equals
// min(maxLen, size-off), or unmaps it when the slot lies beyond EOF.
func (f *File) initSlotLocked(s *mmapSlot) error {
	want := f.size - s.off
	if want > s.maxLen {
		want = s.maxLen
	}

	if want < 0 {
		want = 0
	}

	if int64(len(s.data)) == want {
		return nil
	}

	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("munmap slot at %d: %w", s.off, err)
		}

		s.data = nil
	}

	if want == 0 {
		return nil
	}

	prot := unix.PROT_READ
	if !f.rdonly {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(f.fd, s.off, int(want), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap slot at %d len %d: %w", s.off, want, err)
	}

	s.data = data

	return nil
}

// AddMmap registers a mapped window over [off, off+maxLen). off must be
// page-aligned; maxLen is rounded up to the page size. The window must not
// overlap any existing slot.
func (f *File) AddMmap(off, maxLen int64) error {
	f.lk.Lock()
	defer f.lk.Unlock()

	if f.closed {
		return ErrClosed
	}

	if off < 0 || off%f.pageSize != 0 {
		return fmt.Errorf("mmap offset %d: %w", off, ErrNotAligned)
	}

	if maxLen <= 0 {
		return fmt.Errorf("mmap max length %d: %w", maxLen, ErrInvalidInput)
	}

	maxLen = roundUp(maxLen, f.pageSize)

	for _, s := range f.slots {
		if off < s.off+s.maxLen && s.off < off+maxLen {
			return fmt.Errorf("slot [%d,%d) overlaps [%d,%d): %w",
				off, off+maxLen, s.off, s.off+s.maxLen, ErrMmapOverlap)
		}
	}

	s := &mmapSlot{off: off, maxLen: maxLen}

	idx := sort.Search(len(f.slots), func(i int) bool { return f.slots[i].off > off })
	f.slots = slices.Insert(f.slots, idx, s)

	if err := f.initSlotLocked(s); err != nil {
		f.slots = slices.Delete(f.slots, idx, idx+1)

		return err
	}

	return nil
}

// RemoveMmap unmaps and unregisters the slot that starts at off.
func (f *File) RemoveMmap(off int64) error {
	f.lk.Lock()
	defer f.lk.Unlock()

	if f.closed {
		return ErrClosed
	}

	for i, s := range f.slots {
		if s.off != off {
			continue
		}

		if s.data != nil {
			if err := unix.Munmap(s.data); err != nil {
				return fmt.Errorf("munmap slot at %d: %w", off, err)
			}

			s.data = nil
		}

		f.slots = slices.Delete(f.slots, i, i+1)

		return nil
	}

	return fmt.Errorf("no slot at %d: %w", off, ErrNotMmaped)
}

// AcquireMmap returns the mapped bytes from off to the end of the slot that
// covers it, holding the file's read lock until the returned release func is
// called. The caller may touch the bytes without racing a truncation.
func (f *File) AcquireMmap(off int64) ([]byte, func(), error) {
	f.lk.RLock()

	if f.closed {
		f.lk.RUnlock()

		return nil, nil, ErrClosed
	}

	data := f.probeLocked(off)
	if data == nil {
		f.lk.RUnlock()

		return nil, nil, fmt.Errorf("offset %d not mapped: %w", off, ErrNotMmaped)
	}

	return data, f.lk.RUnlock, nil
}

// ProbeMmap returns the mapped bytes covering off without retaining the read
// lock. The slice is invalidated by any later resize; callers must provide
// their own exclusion.
func (f *File) ProbeMmap(off int64) ([]byte, error) {
	f.lk.RLock()
	defer f.lk.RUnlock()

	if f.closed {
		return nil, ErrClosed
	}

	data := f.probeLocked(off)
	if data == nil {
		return nil, fmt.Errorf("offset %d not mapped: %w", off, ErrNotMmaped)
	}

	return data, nil
}

// probeLocked finds the mapped slot whose live mapping covers off.
func (f *File) probeLocked(off int64) []byte {
	idx := sort.Search(len(f.slots), func(i int) bool { return f.slots[i].off > off })
	if idx == 0 {
		return nil
	}

	s := f.slots[idx-1]
	if off < s.off || off >= s.off+int64(len(s.data)) {
		return nil
	}

	return s.data[off-s.off:]
}

// SyncFlags select the durability primitive used by Sync and SyncMmap.
type SyncFlags uint8

const (
	// SyncData uses fdatasync instead of fsync.
	SyncData SyncFlags = 1 << iota
	// SyncAsync schedules msync asynchronously (MS_ASYNC).
	SyncAsync
)

// Sync flushes every mapped slot via msync and then the file handle.
func (f *File) Sync(flags SyncFlags) error {
	f.lk.RLock()
	defer f.lk.RUnlock()

	if f.closed {
		return ErrClosed
	}

	for _, s := range f.slots {
		if err := msync(s.data, flags); err != nil {
			return fmt.Errorf("msync slot at %d: %w", s.off, err)
		}
	}

	if flags&SyncData != 0 {
		if err := unix.Fdatasync(f.fd); err != nil {
			return fmt.Errorf("fdatasync %s: %w", f.path, err)
		}

		return nil
	}

	if err := unix.Fsync(f.fd); err != nil {
		return fmt.Errorf("fsync %s: %w", f.path, err)
	}

	return nil
}

// SyncMmap flushes the single slot covering off.
func (f *File) SyncMmap(off int64, flags SyncFlags) error {
	f.lk.RLock()
	defer f.lk.RUnlock()

	if f.closed {
		return ErrClosed
	}

	idx := sort.Search(len(f.slots), func(i int) bool { return f.slots[i].off > off })
	if idx == 0 {
		return fmt.Errorf("offset %d not mapped: %w", off, ErrNotMmaped)
	}

	s := f.slots[idx-1]
	if off >= s.off+s.maxLen {
		return fmt.Errorf("offset %d not mapped: %w", off, ErrNotMmaped)
	}

	return msync(s.data, flags)
}

func msync(data []byte, flags SyncFlags) error {
	if len(data) == 0 {
		return nil
	}

	mode := unix.MS_SYNC
	if flags&SyncAsync != 0 {
		mode = unix.MS_ASYNC
	}

	return unix.Msync(data, mode)
}

// Close disposes the resize policy, unmaps all slots and closes the file.
// Subsequent calls return nil.
func (f *File) Close() error {
	f.lk.Lock()
	defer f.lk.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true
	f.policy.Dispose()

	var firstErr error

	for _, s := range f.slots {
		if s.data == nil {
			continue
		}

		if err := unix.Munmap(s.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap slot at %d: %w", s.off, err)
		}

		s.data = nil
	}

	f.slots = nil

	if err := f.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close %s: %w", f.path, err)
	}

	return firstErr
}

// ioLocked walks the slot list in offset order serving the range [off,
// off+len(p)) from mappings where covered and from positional file I/O in
// the gaps. Reads are clamped to the logical size.
func (f *File) ioLocked(p []byte, off int64, write bool) (int, error) {
	end := off + int64(len(p))
	if !write && end > f.size {
		end = f.size
	}

	if end <= off {
		return 0, nil
	}

	pos := off

	for _, s := range f.slots {
		if len(s.data) == 0 {
			continue
		}

		send := s.off + int64(len(s.data))
		if send <= pos {
			continue
		}

		if s.off >= end {
			break
		}

		if s.off > pos {
			n, err := f.fileIO(p[pos-off:s.off-off], pos, write)
			pos += int64(n)

			if err != nil {
				return int(pos - off), err
			}
		}

		lo := pos - s.off
		hi := min(send, end) - s.off

		if write {
			copy(s.data[lo:hi], p[pos-off:])
		} else {
			copy(p[pos-off:], s.data[lo:hi])
		}

		pos = s.off + hi
		if pos >= end {
			break
		}
	}

	if pos < end {
		n, err := f.fileIO(p[pos-off:end-off], pos, write)
		pos += int64(n)

		if err != nil {
			return int(pos - off), err
		}
	}

	return int(pos - off), nil
}

// fileIO performs positional I/O, looping until the buffer is drained and
// retrying EINTR. A zero-byte read (EOF) stops the loop.
func (f *File) fileIO(p []byte, off int64, write bool) (int, error) {
	done := 0

	for done < len(p) {
		var (
			n   int
			err error
		)

		if write {
			n, err = unix.Pwrite(f.fd, p[done:], off+int64(done))
		} else {
			n, err = unix.Pread(f.fd, p[done:], off+int64(done))
		}

		if n > 0 {
			done += n
		}

		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			op := "pread"
			if write {
				op = "pwrite"
			}

			return done, fmt.Errorf("%s %s at %d: %w", op, f.path, off+int64(done), err)
		}

		if n == 0 && !write {
			break
		}
	}

	return done, nil
}
