package ikv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// KVBLK block layout (size 1<<szpow):
//
//	0x000  szpow u8
//	0x001  pnum  u8   live directory entries
//	0x002  flags u8
//	0x003  pad   u8
//	0x004  dused u32  payload append cursor, relative to the payload base
//	0x008  dir[63] x {off u32, klen u32, vlen u32}
//	0x2FC  payload: key bytes immediately followed by value bytes per entry
//
// The directory is kept dense and key-sorted; entry i's key is at block
// offset dir[i].off, its value right after the key. Deleting or relocating
// an entry leaves its payload bytes behind as a hole; holes are reclaimed by
// compaction once they exceed a quarter of the block.
//
// dir[0] always holds the block's smallest key.

// errKVBlockFull signals that an entry does not fit this block even after
// compaction; the caller relocates the block or splits the node.
var errKVBlockFull = errors.New("ikv: kv block full")

type kvdir struct {
	off  uint32 // key offset relative to block start; 0 = unused entry
	klen uint32
	vlen uint32
}

type kvblk struct {
	s     *Store
	off   int64
	szpow uint8
	pnum  uint8
	dused uint32
	holes uint32 // stale payload bytes; recomputed on load, not persisted
	dir   [kvblkMaxEntries]kvdir
}

// newKVBlock allocates and initializes an empty block of the given class.
func (s *Store) newKVBlock(pow int) (*kvblk, error) {
	off, err := s.allocBlock(pow)
	if err != nil {
		return nil, err
	}

	b := &kvblk{s: s, off: off, szpow: uint8(pow)}
	if err := b.writeMeta(); err != nil {
		return nil, err
	}

	return b, nil
}

// readKVBlock loads a block's header and directory.
func (s *Store) readKVBlock(off int64) (*kvblk, error) {
	var buf [kvblkPayloadOff]byte
	if _, err := s.exf.ReadAt(buf[:], off); err != nil {
		return nil, fmt.Errorf("read kvblk at %d: %v: %w", off, err, ErrCorrupted)
	}

	b := &kvblk{
		s:     s,
		off:   off,
		szpow: buf[0],
		pnum:  buf[1],
		dused: binary.LittleEndian.Uint32(buf[4:]),
	}

	if b.szpow < kvblkMinPow || b.szpow > kvblkMaxPow || b.pnum > kvblkMaxEntries {
		return nil, fmt.Errorf("kvblk header at %d (szpow=%d pnum=%d): %w", off, b.szpow, b.pnum, ErrCorrupted)
	}

	var live uint32

	for i := range int(b.pnum) {
		b.dir[i] = kvdir{
			off:  binary.LittleEndian.Uint32(buf[kvblkHdrSize+i*kvdirEntrySize:]),
			klen: binary.LittleEndian.Uint32(buf[kvblkHdrSize+i*kvdirEntrySize+4:]),
			vlen: binary.LittleEndian.Uint32(buf[kvblkHdrSize+i*kvdirEntrySize+8:]),
		}
		live += b.dir[i].klen + b.dir[i].vlen
	}

	if live > b.dused || int64(b.dused) > b.payloadCap() {
		return nil, fmt.Errorf("kvblk payload accounting at %d: %w", off, ErrCorrupted)
	}

	b.holes = b.dused - live

	return b, nil
}

func (b *kvblk) size() int64 {
	return int64(1) << b.szpow
}

func (b *kvblk) payloadCap() int64 {
	return b.size() - kvblkPayloadOff
}

// liveBytes is the payload volume that survives compaction.
func (b *kvblk) liveBytes() int64 {
	return int64(b.dused - b.holes)
}

// writeMeta persists the header and directory.
func (b *kvblk) writeMeta() error {
	var buf [kvblkPayloadOff]byte

	buf[0] = b.szpow
	buf[1] = b.pnum
	binary.LittleEndian.PutUint32(buf[4:], b.dused)

	for i := range int(b.pnum) {
		binary.LittleEndian.PutUint32(buf[kvblkHdrSize+i*kvdirEntrySize:], b.dir[i].off)
		binary.LittleEndian.PutUint32(buf[kvblkHdrSize+i*kvdirEntrySize+4:], b.dir[i].klen)
		binary.LittleEndian.PutUint32(buf[kvblkHdrSize+i*kvdirEntrySize+8:], b.dir[i].vlen)
	}

	if _, err := b.s.exf.WriteAt(buf[:], b.off); err != nil {
		return fmt.Errorf("write kvblk meta at %d: %w", b.off, err)
	}

	return nil
}

// readKey returns a copy of entry i's key bytes.
func (b *kvblk) readKey(i int) ([]byte, error) {
	d := b.dir[i]

	key := make([]byte, d.klen)
	if _, err := b.s.exf.ReadAt(key, b.off+int64(d.off)); err != nil {
		return nil, fmt.Errorf("read key %d of kvblk at %d: %v: %w", i, b.off, err, ErrCorrupted)
	}

	return key, nil
}

// readVal returns a copy of entry i's value bytes.
func (b *kvblk) readVal(i int) ([]byte, error) {
	d := b.dir[i]

	val := make([]byte, d.vlen)
	if _, err := b.s.exf.ReadAt(val, b.off+int64(d.off)+int64(d.klen)); err != nil {
		return nil, fmt.Errorf("read value %d of kvblk at %d: %v: %w", i, b.off, err, ErrCorrupted)
	}

	return val, nil
}

// find locates key in the sorted directory. When absent, idx is the
// insertion position.
func (b *kvblk) find(key []byte) (idx int, found bool, err error) {
	var cmpErr error

	idx = sort.Search(int(b.pnum), func(i int) bool {
		if cmpErr != nil {
			return true
		}

		k, e := b.readKey(i)
		if e != nil {
			cmpErr = e

			return true
		}

		return bytes.Compare(k, key) >= 0
	})

	if cmpErr != nil {
		return 0, false, cmpErr
	}

	if idx < int(b.pnum) {
		k, e := b.readKey(idx)
		if e != nil {
			return 0, false, e
		}

		found = bytes.Equal(k, key)
	}

	return idx, found, nil
}

// insert places (key, val) at sorted position idx. Returns errKVBlockFull
// when the payload cannot fit even after compaction; a full directory must
// be handled by the caller before calling insert.
func (b *kvblk) insert(idx int, key, val []byte) error {
	if int(b.pnum) >= kvblkMaxEntries {
		return errKVBlockFull
	}

	need := int64(len(key) + len(val))

	if err := b.reserve(need); err != nil {
		return err
	}

	pos := kvblkPayloadOff + int64(b.dused)

	if _, err := b.s.exf.WriteAt(key, b.off+pos); err != nil {
		return fmt.Errorf("write key into kvblk at %d: %w", b.off, err)
	}

	if _, err := b.s.exf.WriteAt(val, b.off+pos+int64(len(key))); err != nil {
		return fmt.Errorf("write value into kvblk at %d: %w", b.off, err)
	}

	copy(b.dir[idx+1:int(b.pnum)+1], b.dir[idx:int(b.pnum)])
	b.dir[idx] = kvdir{off: uint32(pos), klen: uint32(len(key)), vlen: uint32(len(val))}
	b.pnum++
	b.dused += uint32(need)

	return b.writeMeta()
}

// remove deletes entry idx, leaving its payload as a hole. Compacts when
// holes exceed a quarter of the block.
func (b *kvblk) remove(idx int) error {
	d := b.dir[idx]
	b.holes += d.klen + d.vlen

	copy(b.dir[idx:], b.dir[idx+1:int(b.pnum)])
	b.pnum--
	b.dir[b.pnum] = kvdir{}

	if int64(b.holes) > b.size()/4 {
		return b.compact()
	}

	return b.writeMeta()
}

// setVal replaces entry idx's value. Fits in place when the new value is no
// longer than the old one; otherwise the whole entry is re-appended.
func (b *kvblk) setVal(idx int, val []byte) error {
	d := b.dir[idx]

	if uint32(len(val)) <= d.vlen {
		if _, err := b.s.exf.WriteAt(val, b.off+int64(d.off)+int64(d.klen)); err != nil {
			return fmt.Errorf("write value into kvblk at %d: %w", b.off, err)
		}

		b.holes += d.vlen - uint32(len(val))
		b.dir[idx].vlen = uint32(len(val))

		return b.writeMeta()
	}

	key, err := b.readKey(idx)
	if err != nil {
		return err
	}

	need := int64(len(key) + len(val))

	// The old entry's payload becomes a hole once the new copy lands, so it
	// counts as reclaimable while checking fit. Its directory slot is cleared
	// meanwhile so that a compaction does not carry the old bytes along.
	b.holes += d.klen + d.vlen
	b.dir[idx] = kvdir{}

	if err := b.reserve(need); err != nil {
		b.holes -= d.klen + d.vlen
		b.dir[idx] = d

		return err
	}

	pos := kvblkPayloadOff + int64(b.dused)

	if _, err := b.s.exf.WriteAt(key, b.off+pos); err != nil {
		return fmt.Errorf("write key into kvblk at %d: %w", b.off, err)
	}

	if _, err := b.s.exf.WriteAt(val, b.off+pos+int64(len(key))); err != nil {
		return fmt.Errorf("write value into kvblk at %d: %w", b.off, err)
	}

	b.dir[idx] = kvdir{off: uint32(pos), klen: uint32(len(key)), vlen: uint32(len(val))}
	b.dused += uint32(need)

	return b.writeMeta()
}

// setValPrefix overwrites the leading bytes of entry idx's value without
// changing its reserved length. Used by duplicate arrays, which keep their
// live element count inside the value bytes.
func (b *kvblk) setValPrefix(idx int, val []byte) error {
	d := b.dir[idx]

	if uint32(len(val)) > d.vlen {
		return fmt.Errorf("prefix %d exceeds reserved %d: %w", len(val), d.vlen, ErrInvalidState)
	}

	if _, err := b.s.exf.WriteAt(val, b.off+int64(d.off)+int64(d.klen)); err != nil {
		return fmt.Errorf("write value into kvblk at %d: %w", b.off, err)
	}

	return nil
}

// reserve ensures the payload region can absorb need more bytes, compacting
// if the holes make up the difference.
func (b *kvblk) reserve(need int64) error {
	if kvblkPayloadOff+int64(b.dused)+need <= b.size() {
		return nil
	}

	if b.liveBytes()+need > b.payloadCap() {
		return errKVBlockFull
	}

	return b.compact()
}

// compact rewrites the payload densely in directory order and zeroes the
// hole counter.
func (b *kvblk) compact() error {
	payload := make([]byte, 0, b.liveBytes())

	for i := range int(b.pnum) {
		d := b.dir[i]

		kv := make([]byte, d.klen+d.vlen)
		if _, err := b.s.exf.ReadAt(kv, b.off+int64(d.off)); err != nil {
			return fmt.Errorf("read entry %d of kvblk at %d: %v: %w", i, b.off, err, ErrCorrupted)
		}

		b.dir[i].off = uint32(kvblkPayloadOff + len(payload))
		payload = append(payload, kv...)
	}

	if len(payload) > 0 {
		if _, err := b.s.exf.WriteAt(payload, b.off+kvblkPayloadOff); err != nil {
			return fmt.Errorf("write compacted payload of kvblk at %d: %w", b.off, err)
		}
	}

	b.dused = uint32(len(payload))
	b.holes = 0

	return b.writeMeta()
}

// kvEntry is one materialized record, used while splitting or relocating.
type kvEntry struct {
	key []byte
	val []byte
}

// loadAll materializes every live entry in key order.
func (b *kvblk) loadAll() ([]kvEntry, error) {
	out := make([]kvEntry, 0, b.pnum)

	for i := range int(b.pnum) {
		key, err := b.readKey(i)
		if err != nil {
			return nil, err
		}

		val, err := b.readVal(i)
		if err != nil {
			return nil, err
		}

		out = append(out, kvEntry{key: key, val: val})
	}

	return out, nil
}
