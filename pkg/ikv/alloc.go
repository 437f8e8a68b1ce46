package ikv

import (
	"fmt"
)

// The block allocator hands out file regions for SBLK and KVBLK blocks.
// Freed blocks are pushed onto intrusive singly linked free lists, one per
// KVBLK size class plus a dedicated one for SBLKs. A free block stores the
// offset of the next free block at byte 8, leaving byte 0 untouched by the
// list link: a free KVBLK keeps its szpow for integrity scans, while
// freeSBLK zeroes a node's in-use marker so freed nodes are recognisable.
const freeNextOff = 8

// allocBlock returns a block of size 1<<pow, reusing the size class free
// list when possible and appending at the end of the data region otherwise.
func (s *Store) allocBlock(pow int) (int64, error) {
	if pow < kvblkMinPow || pow > kvblkMaxPow {
		return 0, fmt.Errorf("block class %d out of range: %w", pow, ErrInvalidState)
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	headOff := freeKVOff(pow)

	head, err := s.readU64(headOff)
	if err != nil {
		return 0, err
	}

	if head != 0 {
		next, err := s.readU64(int64(head) + freeNextOff)
		if err != nil {
			return 0, err
		}

		if err := s.writeU64(headOff, next); err != nil {
			return 0, err
		}

		return int64(head), nil
	}

	return s.appendBlock(int64(1) << pow)
}

// freeBlock pushes a KVBLK back onto its size class free list.
func (s *Store) freeBlock(off int64, pow int) error {
	if pow < kvblkMinPow || pow > kvblkMaxPow {
		return fmt.Errorf("block class %d out of range: %w", pow, ErrInvalidState)
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	headOff := freeKVOff(pow)

	head, err := s.readU64(headOff)
	if err != nil {
		return err
	}

	if err := s.writeU64(off+freeNextOff, head); err != nil {
		return err
	}

	return s.writeU64(headOff, uint64(off))
}

// allocSBLK returns a 256-byte node block.
func (s *Store) allocSBLK() (int64, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	head, err := s.readU64(offFreeSBLK)
	if err != nil {
		return 0, err
	}

	if head != 0 {
		next, err := s.readU64(int64(head) + freeNextOff)
		if err != nil {
			return 0, err
		}

		if err := s.writeU64(offFreeSBLK, next); err != nil {
			return 0, err
		}

		return int64(head), nil
	}

	return s.appendBlock(sblkSize)
}

// freeSBLK clears the node's in-use marker and pushes it onto the SBLK free
// list.
func (s *Store) freeSBLK(off int64) error {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	if _, err := s.exf.WriteAt([]byte{0}, off); err != nil {
		return fmt.Errorf("clear sblk at %d: %w", off, err)
	}

	head, err := s.readU64(offFreeSBLK)
	if err != nil {
		return err
	}

	if err := s.writeU64(off+freeNextOff, head); err != nil {
		return err
	}

	return s.writeU64(offFreeSBLK, uint64(off))
}

// appendBlock extends the data region by size bytes. Caller holds allocMu.
func (s *Store) appendBlock(size int64) (int64, error) {
	dend, err := s.readU64(offDataEnd)
	if err != nil {
		return 0, err
	}

	off := alignBlock(int64(dend))

	if err := s.exf.EnsureSize(off + size); err != nil {
		return 0, err
	}

	if err := s.writeU64(offDataEnd, uint64(off+size)); err != nil {
		return 0, err
	}

	return off, nil
}

// readKVBlockPow reads the size class byte of a KVBLK.
func (s *Store) readKVBlockPow(off int64) (int, error) {
	var b [1]byte
	if _, err := s.exf.ReadAt(b[:], off); err != nil {
		return 0, fmt.Errorf("read block class at %d: %v: %w", off, err, ErrCorrupted)
	}

	pow := int(b[0])
	if pow < kvblkMinPow || pow > kvblkMaxPow {
		return 0, fmt.Errorf("block class %d at offset %d: %w", pow, off, ErrCorrupted)
	}

	return pow, nil
}
