package ikv

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// CheckStats summarizes a structural integrity scan.
type CheckStats struct {
	Databases int
	Records   int64
	Nodes     int64
	KVBlocks  int64
	FreeKV    int64
	FreeNodes int64
	DataEnd   int64
	FileSize  int64
}

// Check runs a full structural scan of the store: every skip-list chain and
// every free list is walked, and each visited block is marked in a
// block-occupancy bitmap. Overlapping blocks, double-linked free entries,
// out-of-range offsets and malformed headers all surface as ErrCorrupted.
//
// The scan freezes the store (engine write lock) and reads the file through
// a pinned mmap window.
func (s *Store) Check() (CheckStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st CheckStats

	if s.closed {
		return st, ErrClosed
	}

	data, release, err := s.exf.AcquireMmap(0)
	if err != nil {
		return st, err
	}
	defer release()

	if int64(len(data)) < hdrEnd {
		return st, fmt.Errorf("file smaller than header: %w", ErrCorrupted)
	}

	dend := int64(binary.LittleEndian.Uint64(data[offDataEnd:]))
	if dend < s.dataStart || dend > int64(len(data)) {
		return st, fmt.Errorf("data end %d out of range: %w", dend, ErrCorrupted)
	}

	st.DataEnd = dend
	st.FileSize = int64(len(data))

	// One bit per allocation unit inside the data region.
	occ := bitset.New(uint((dend - s.dataStart) / blockAlign))

	mark := func(off, size int64, what string) error {
		if off < s.dataStart || off%blockAlign != 0 || off+size > dend {
			return fmt.Errorf("%s block [%d,%d) outside data region: %w", what, off, off+size, ErrCorrupted)
		}

		lo := uint((off - s.dataStart) / blockAlign)
		hi := uint((off + size - s.dataStart + blockAlign - 1) / blockAlign)

		for u := lo; u < hi; u++ {
			if occ.Test(u) {
				return fmt.Errorf("%s block at %d overlaps another block: %w", what, off, ErrCorrupted)
			}

			occ.Set(u)
		}

		return nil
	}

	kvblkSize := func(off int64) (int64, error) {
		if off < s.dataStart || off >= dend {
			return 0, fmt.Errorf("kvblk offset %d out of range: %w", off, ErrCorrupted)
		}

		pow := int(data[off])
		if pow < kvblkMinPow || pow > kvblkMaxPow {
			return 0, fmt.Errorf("kvblk class %d at %d: %w", pow, off, ErrCorrupted)
		}

		return int64(1) << pow, nil
	}

	// Skip-list chains, one per registered database.
	for i := range maxDatabases {
		rs := decodeRegSlot(data[regSlotOff(i):])
		if rs.ID == 0 {
			continue
		}

		st.Databases++

		off := int64(rs.Root)
		for off != 0 {
			if off+sblkSize > dend {
				return st, fmt.Errorf("sblk at %d past data end: %w", off, ErrCorrupted)
			}

			if err := mark(off, sblkSize, "sblk"); err != nil {
				return st, err
			}

			blk := data[off:]
			if blk[sblkOffFlags]&sblkInUse == 0 {
				return st, fmt.Errorf("chained sblk at %d not in use: %w", off, ErrCorrupted)
			}

			st.Nodes++
			st.Records += int64(blk[sblkOffPnum])

			if kvOff := int64(binary.LittleEndian.Uint64(blk[sblkOffKVBlk:])); kvOff != 0 {
				size, err := kvblkSize(kvOff)
				if err != nil {
					return st, err
				}

				if err := mark(kvOff, size, "kvblk"); err != nil {
					return st, err
				}

				st.KVBlocks++
			}

			off = int64(binary.LittleEndian.Uint64(blk[sblkOffFwd:]))
		}
	}

	// KVBLK free lists, one per size class.
	for pow := kvblkMinPow; pow <= kvblkMaxPow; pow++ {
		off := int64(binary.LittleEndian.Uint64(data[freeKVOff(pow):]))
		for off != 0 {
			if err := mark(off, int64(1)<<pow, "free kvblk"); err != nil {
				return st, err
			}

			st.FreeKV++
			off = int64(binary.LittleEndian.Uint64(data[off+freeNextOff:]))
		}
	}

	// SBLK free list.
	off := int64(binary.LittleEndian.Uint64(data[offFreeSBLK:]))
	for off != 0 {
		if err := mark(off, sblkSize, "free sblk"); err != nil {
			return st, err
		}

		st.FreeNodes++
		off = int64(binary.LittleEndian.Uint64(data[off+freeNextOff:]))
	}

	return st, nil
}
