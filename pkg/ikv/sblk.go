package ikv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SBLK block layout (256 bytes):
//
//	0x00  flags   u8   bit0 = in use
//	0x01  level   u8
//	0x02  pnum    u8   live entries in the referenced KVBLK
//	0x03  fklen   u8   cached first-key length; 0xFF = longer than the cache
//	0x04  pad     u32
//	0x08  kvblk   u64  offset of the KVBLK, 0 for the head sentinel
//	0x10  fwd[24] u64  forward offsets per level
//	0xD0  prev0   u64  level-0 back pointer
//	0xD8  fk[40]  byte first-key cache (full key or prefix)
const (
	sblkInUse = 0x01

	sblkOffFlags = 0x00
	sblkOffLevel = 0x01
	sblkOffPnum  = 0x02
	sblkOffFKLen = 0x03
	sblkOffKVBlk = 0x08
	sblkOffFwd   = 0x10
	sblkOffPrev0 = 0xD0
	sblkOffFK    = 0xD8

	// fklen marker for first keys longer than the inline cache.
	fkLong = 0xFF
)

// sblk is one decoded skip-list node block.
type sblk struct {
	off      int64
	flags    uint8
	level    uint8
	pnum     uint8
	fklen    uint8
	kvblkOff int64
	fwd      [maxLevel]int64
	prev0    int64
	fk       [sblkKeyCache]byte
}

func (n *sblk) inUse() bool {
	return n.flags&sblkInUse != 0
}

// setFirstKey refreshes the cached first key from the full key bytes.
func (n *sblk) setFirstKey(key []byte) {
	n.fk = [sblkKeyCache]byte{}

	if len(key) > sblkKeyCache {
		n.fklen = fkLong
		copy(n.fk[:], key[:sblkKeyCache])

		return
	}

	n.fklen = uint8(len(key))
	copy(n.fk[:], key)
}

// readSBLK loads the node block at off.
func (s *Store) readSBLK(off int64) (*sblk, error) {
	var buf [sblkSize]byte
	if _, err := s.exf.ReadAt(buf[:], off); err != nil {
		return nil, fmt.Errorf("read sblk at %d: %v: %w", off, err, ErrCorrupted)
	}

	n := &sblk{
		off:      off,
		flags:    buf[sblkOffFlags],
		level:    buf[sblkOffLevel],
		pnum:     buf[sblkOffPnum],
		fklen:    buf[sblkOffFKLen],
		kvblkOff: int64(binary.LittleEndian.Uint64(buf[sblkOffKVBlk:])),
		prev0:    int64(binary.LittleEndian.Uint64(buf[sblkOffPrev0:])),
	}

	if n.level > maxLevel {
		return nil, fmt.Errorf("sblk level %d at offset %d: %w", n.level, off, ErrCorrupted)
	}

	for i := range maxLevel {
		n.fwd[i] = int64(binary.LittleEndian.Uint64(buf[sblkOffFwd+i*8:]))
	}

	copy(n.fk[:], buf[sblkOffFK:sblkOffFK+sblkKeyCache])

	return n, nil
}

// writeSBLK stores the node block, setting the in-use marker.
func (s *Store) writeSBLK(n *sblk) error {
	var buf [sblkSize]byte

	buf[sblkOffFlags] = n.flags | sblkInUse
	buf[sblkOffLevel] = n.level
	buf[sblkOffPnum] = n.pnum
	buf[sblkOffFKLen] = n.fklen
	binary.LittleEndian.PutUint64(buf[sblkOffKVBlk:], uint64(n.kvblkOff))
	binary.LittleEndian.PutUint64(buf[sblkOffPrev0:], uint64(n.prev0))

	for i := range maxLevel {
		binary.LittleEndian.PutUint64(buf[sblkOffFwd+i*8:], uint64(n.fwd[i]))
	}

	copy(buf[sblkOffFK:], n.fk[:])

	if _, err := s.exf.WriteAt(buf[:], n.off); err != nil {
		return fmt.Errorf("write sblk at %d: %w", n.off, err)
	}

	return nil
}

// cmpFirstKey compares a node's first key against key. The head sentinel
// sorts before every key. When the inline cache holds only a prefix and the
// prefix ties, the full key is read from the node's KVBLK.
func (db *DB) cmpFirstKey(n *sblk, key []byte) (int, error) {
	if n.off == db.root {
		return -1, nil
	}

	if n.fklen != fkLong {
		return bytes.Compare(n.fk[:n.fklen], key), nil
	}

	probe := key
	if len(probe) > sblkKeyCache {
		probe = probe[:sblkKeyCache]
	}

	if c := bytes.Compare(n.fk[:], probe); c != 0 {
		return c, nil
	}

	if len(key) <= sblkKeyCache {
		// Cached prefix ties the whole key; the real first key is longer.
		return 1, nil
	}

	full, err := db.firstKey(n)
	if err != nil {
		return 0, err
	}

	return bytes.Compare(full, key), nil
}

// firstKey reads the full smallest key of a node from its KVBLK.
func (db *DB) firstKey(n *sblk) ([]byte, error) {
	if n.pnum == 0 || n.kvblkOff == 0 {
		return nil, fmt.Errorf("first key of empty sblk at %d: %w", n.off, ErrCorrupted)
	}

	kb, err := db.s.readKVBlock(n.kvblkOff)
	if err != nil {
		return nil, err
	}

	return kb.readKey(0)
}
