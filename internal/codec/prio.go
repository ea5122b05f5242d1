package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PrioVersion is the wire-format version of the prio_set header.
const PrioVersion uint32 = 0

// NoNextBucket is the sentinel NextBucket value terminating a prio_set
// chain.
const NoNextBucket = math.MaxUint64

// prioSetHeaderSize is the fixed portion of a prio_set: csum(8) + magic(8)
// + next bucket(8) + version(4) + entry count(4).
const prioSetHeaderSize = 8 + 8 + 8 + 4 + 4

// prioEntrySize is the packed size of one (prio, gen) pair.
const prioEntrySize = 3

// PrioEntry is one bucket's persisted LRU priority and generation.
type PrioEntry struct {
	Prio uint16
	Gen  uint8
}

// EncodePrioSet serializes one page of a prio_set chain: a header plus the
// packed (prio, gen) entries for a contiguous run of buckets, and a pointer
// to the next bucket in the chain ([NoNextBucket] if this is the last
// page). magic should be [Superblock.PrioMagic].
func EncodePrioSet(magic, next uint64, entries []PrioEntry) []byte {
	buf := make([]byte, prioSetHeaderSize+len(entries)*prioEntrySize)
	body := buf[8:]

	binary.LittleEndian.PutUint64(body[0:], magic)
	binary.LittleEndian.PutUint64(body[8:], next)
	binary.LittleEndian.PutUint32(body[16:], PrioVersion)
	binary.LittleEndian.PutUint32(body[20:], uint32(len(entries)))

	off := prioSetHeaderSize - 8
	for _, e := range entries {
		binary.LittleEndian.PutUint16(body[off:], e.Prio)
		body[off+2] = e.Gen
		off += prioEntrySize
	}

	binary.LittleEndian.PutUint64(buf[:8], CRC64(body))

	return buf
}

// DecodePrioSet parses a prio_set page produced by [EncodePrioSet].
func DecodePrioSet(buf []byte, wantMagic uint64) (entries []PrioEntry, next uint64, err error) {
	if len(buf) < prioSetHeaderSize {
		return nil, 0, fmt.Errorf("%w: prio_set header", ErrTruncated)
	}

	wantCRC := binary.LittleEndian.Uint64(buf[:8])
	body := buf[8:]

	magic := binary.LittleEndian.Uint64(body[0:])
	next = binary.LittleEndian.Uint64(body[8:])
	version := binary.LittleEndian.Uint32(body[16:])
	count := binary.LittleEndian.Uint32(body[20:])

	needBytes := prioSetHeaderSize - 8 + int(count)*prioEntrySize
	if len(body) < needBytes {
		return nil, 0, fmt.Errorf("%w: prio_set body", ErrTruncated)
	}

	if CRC64(body[:needBytes]) != wantCRC {
		return nil, 0, fmt.Errorf("%w: prio_set", ErrChecksumMismatch)
	}

	if magic != wantMagic {
		return nil, 0, fmt.Errorf("%w: prio_set magic", ErrIncompatibleVersion)
	}

	if version != PrioVersion {
		return nil, 0, fmt.Errorf("%w: prio_set version %d", ErrIncompatibleVersion, version)
	}

	entries = make([]PrioEntry, count)
	off := prioSetHeaderSize - 8
	for i := range entries {
		entries[i] = PrioEntry{
			Prio: binary.LittleEndian.Uint16(body[off:]),
			Gen:  body[off+2],
		}
		off += prioEntrySize
	}

	return entries, next, nil
}
