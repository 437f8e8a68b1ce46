package ikv

import (
	"encoding/binary"
)

// IKV1 file format constants. All multi-byte integers are little-endian
// except stored keys of integer-key databases, which the caller supplies in
// big-endian so lexicographic order equals numeric order.
const (
	// Magic bytes at the start of every store file.
	ikvMagic = "IKVDB100"

	// File format version.
	ikvVersion = 1

	// Registry capacity: number of databases multiplexed into one file.
	maxDatabases = 64

	// Skip-list geometry.
	maxLevel     = 24
	levelBranch  = 4 // geometric level distribution with p = 1/branch
	sblkSize     = 256
	sblkKeyCache = 40 // first-key bytes cached inline in an SBLK

	// KVBLK geometry. Size classes are powers of two; the top class holds a
	// single record at the size cap plus the block header and directory.
	kvblkMaxEntries = 63
	kvblkMinPow     = 10
	kvblkMaxPow     = 29
	numSizeClasses  = kvblkMaxPow - kvblkMinPow + 1
	kvblkHdrSize    = 8
	kvdirEntrySize  = 12
	kvblkPayloadOff = kvblkHdrSize + kvblkMaxEntries*kvdirEntrySize

	// Maximum combined key+value size per record: 256 MiB - 1.
	maxKVSize = 0xFFFFFFF

	// Block allocation granularity.
	blockAlign = 64
)

// Header field offsets (bytes from file start).
const (
	offMagic    = 0x000 // [8]byte
	offVersion  = 0x008 // uint8 (+3 reserved)
	offPageSize = 0x00C // uint32
	offMaxDBID  = 0x010 // uint32
	offReserved = 0x014 // uint32
	offDataEnd  = 0x018 // uint64: end of the allocated block region
	offRegistry = 0x020 // maxDatabases * regSlotSize bytes
	offFreeKV   = offRegistry + maxDatabases*regSlotSize // numSizeClasses * uint64
	offFreeSBLK = offFreeKV + numSizeClasses*8           // uint64
	hdrEnd      = offFreeSBLK + 8
)

// Registry slot layout: {id u32, flags u32, root u64, seed u64, atime u64}.
// id == 0 marks an empty slot.
const regSlotSize = 32

// regSlot is one decoded database registry entry.
type regSlot struct {
	ID    uint32
	Flags uint32
	Root  uint64
	Seed  uint64
	Atime uint64
}

func encodeRegSlot(buf []byte, r regSlot) {
	binary.LittleEndian.PutUint32(buf[0:], r.ID)
	binary.LittleEndian.PutUint32(buf[4:], r.Flags)
	binary.LittleEndian.PutUint64(buf[8:], r.Root)
	binary.LittleEndian.PutUint64(buf[16:], r.Seed)
	binary.LittleEndian.PutUint64(buf[24:], r.Atime)
}

func decodeRegSlot(buf []byte) regSlot {
	return regSlot{
		ID:    binary.LittleEndian.Uint32(buf[0:]),
		Flags: binary.LittleEndian.Uint32(buf[4:]),
		Root:  binary.LittleEndian.Uint64(buf[8:]),
		Seed:  binary.LittleEndian.Uint64(buf[16:]),
		Atime: binary.LittleEndian.Uint64(buf[24:]),
	}
}

// regSlotOff returns the file offset of registry slot i.
func regSlotOff(i int) int64 {
	return offRegistry + int64(i)*regSlotSize
}

// freeKVOff returns the file offset of the free-list head for size class pow.
func freeKVOff(pow int) int64 {
	return offFreeKV + int64(pow-kvblkMinPow)*8
}

// sizeClassFor returns the smallest KVBLK size class whose block fits need
// payload bytes, or kvblkMaxPow+1 when nothing fits.
func sizeClassFor(need int64) int {
	for pow := kvblkMinPow; pow <= kvblkMaxPow; pow++ {
		if int64(1)<<pow-kvblkPayloadOff >= need {
			return pow
		}
	}

	return kvblkMaxPow + 1
}

// alignBlock rounds x up to the block allocation granularity.
func alignBlock(x int64) int64 {
	return (x + blockAlign - 1) &^ (blockAlign - 1)
}
