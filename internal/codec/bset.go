package codec

import (
	"encoding/binary"
	"fmt"
)

// BsetVersion is the wire-format version of the bset header.
const BsetVersion uint32 = 0

// bsetHeaderSize is the fixed portion of a bset: csum(8) + magic(8) +
// seq(8) + version(4) + key word count(4).
const bsetHeaderSize = 8 + 8 + 8 + 4 + 4

// EncodeBset serializes a sorted run of keys as one self-describing bset
//: csum, magic, seq, version, word count, then the keys' packed
// words back to back. magic should be the owning cache set's
// [Superblock.BsetMagic].
func EncodeBset(magic, seq uint64, keys []Key) []byte {
	wordCount := 0
	for _, k := range keys {
		wordCount += k.WireWords()
	}

	buf := make([]byte, bsetHeaderSize+wordCount*8)
	body := buf[8:]

	binary.LittleEndian.PutUint64(body[0:], magic)
	binary.LittleEndian.PutUint64(body[8:], seq)
	binary.LittleEndian.PutUint32(body[16:], BsetVersion)
	binary.LittleEndian.PutUint32(body[20:], uint32(wordCount))

	off := bsetHeaderSize - 8
	for _, k := range keys {
		for _, w := range k.Encode() {
			binary.LittleEndian.PutUint64(body[off:], w)
			off += 8
		}
	}

	binary.LittleEndian.PutUint64(buf[:8], CRC64(body))

	return buf
}

// DecodeBset parses a bset produced by [EncodeBset]. wantMagic must match
// the cache set's current BsetMagic or the record is rejected as
// incompatible (it belongs to a different, or stale, cache set).
func DecodeBset(buf []byte, wantMagic uint64) (keys []Key, seq uint64, err error) {
	if len(buf) < bsetHeaderSize {
		return nil, 0, fmt.Errorf("%w: bset header", ErrTruncated)
	}

	wantCRC := binary.LittleEndian.Uint64(buf[:8])
	body := buf[8:]

	magic := binary.LittleEndian.Uint64(body[0:])
	seq = binary.LittleEndian.Uint64(body[8:])
	version := binary.LittleEndian.Uint32(body[16:])
	wordCount := binary.LittleEndian.Uint32(body[20:])

	needBytes := bsetHeaderSize - 8 + int(wordCount)*8
	if len(body) < needBytes {
		return nil, 0, fmt.Errorf("%w: bset body", ErrTruncated)
	}

	if CRC64(body[:needBytes]) != wantCRC {
		return nil, 0, fmt.Errorf("%w: bset", ErrChecksumMismatch)
	}

	if magic != wantMagic {
		return nil, 0, fmt.Errorf("%w: bset magic", ErrIncompatibleVersion)
	}

	if version != BsetVersion {
		return nil, 0, fmt.Errorf("%w: bset version %d", ErrIncompatibleVersion, version)
	}

	words := make([]uint64, wordCount)
	off := bsetHeaderSize - 8
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(body[off:])
		off += 8
	}

	for len(words) > 0 {
		k, n, err := DecodeKey(words)
		if err != nil {
			return nil, 0, err
		}

		keys = append(keys, k)
		words = words[n:]
	}

	return keys, seq, nil
}
