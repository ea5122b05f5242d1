package codec

import (
	"encoding/binary"
	"fmt"
)

// JournalVersion is the wire-format version of a journal record.
const JournalVersion uint32 = 0

// journalHeaderSize is the fixed portion of a journal record: csum(8) +
// magic(8) + seq(8) + last_seq(8) + version(4) + btree_level(4) + key word
// count(4).
const journalHeaderSize = 8 + 8 + 8 + 8 + 4 + 4 + 4

// JournalRecord is the decoded form of one journal entry: a batch of
// leaf-level key inserts committed together.
type JournalRecord struct {
	Seq        uint64
	LastSeq    uint64
	BtreeLevel uint32 // always 0: only leaf updates are journalled
	Keys       []Key
}

// EncodeJournalRecord serializes r as one self-describing, CRC-covered
// record. magic should be [Superblock.JournalMagic].
func EncodeJournalRecord(magic uint64, r JournalRecord) []byte {
	wordCount := 0
	for _, k := range r.Keys {
		wordCount += k.WireWords()
	}

	buf := make([]byte, journalHeaderSize+wordCount*8)
	body := buf[8:]

	binary.LittleEndian.PutUint64(body[0:], magic)
	binary.LittleEndian.PutUint64(body[8:], r.Seq)
	binary.LittleEndian.PutUint64(body[16:], r.LastSeq)
	binary.LittleEndian.PutUint32(body[24:], JournalVersion)
	binary.LittleEndian.PutUint32(body[28:], r.BtreeLevel)
	binary.LittleEndian.PutUint32(body[32:], uint32(wordCount))

	off := journalHeaderSize - 8
	for _, k := range r.Keys {
		for _, w := range k.Encode() {
			binary.LittleEndian.PutUint64(body[off:], w)
			off += 8
		}
	}

	binary.LittleEndian.PutUint64(buf[:8], CRC64(body))

	return buf
}

// DecodeJournalRecord parses a record produced by [EncodeJournalRecord].
// Callers replaying a journal bucket should treat a decode error as "this
// and all subsequent records in the bucket are stale/torn" and stop: a
// checksum or magic mismatch on a journal record is not fatal to the cache
// set, it just ends replay of that bucket.
func DecodeJournalRecord(buf []byte, wantMagic uint64) (JournalRecord, int, error) {
	if len(buf) < journalHeaderSize {
		return JournalRecord{}, 0, fmt.Errorf("%w: journal record header", ErrTruncated)
	}

	wantCRC := binary.LittleEndian.Uint64(buf[:8])
	body := buf[8:]

	magic := binary.LittleEndian.Uint64(body[0:])
	seq := binary.LittleEndian.Uint64(body[8:])
	lastSeq := binary.LittleEndian.Uint64(body[16:])
	version := binary.LittleEndian.Uint32(body[24:])
	level := binary.LittleEndian.Uint32(body[28:])
	wordCount := binary.LittleEndian.Uint32(body[32:])

	needBytes := journalHeaderSize - 8 + int(wordCount)*8
	if len(body) < needBytes {
		return JournalRecord{}, 0, fmt.Errorf("%w: journal record body", ErrTruncated)
	}

	if CRC64(body[:needBytes]) != wantCRC {
		return JournalRecord{}, 0, fmt.Errorf("%w: journal record", ErrChecksumMismatch)
	}

	if magic != wantMagic {
		return JournalRecord{}, 0, fmt.Errorf("%w: journal record magic", ErrIncompatibleVersion)
	}

	if version != JournalVersion {
		return JournalRecord{}, 0, fmt.Errorf("%w: journal record version %d", ErrIncompatibleVersion, version)
	}

	words := make([]uint64, wordCount)
	off := journalHeaderSize - 8
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(body[off:])
		off += 8
	}

	r := JournalRecord{Seq: seq, LastSeq: lastSeq, BtreeLevel: level}
	for len(words) > 0 {
		k, n, err := DecodeKey(words)
		if err != nil {
			return JournalRecord{}, 0, err
		}

		r.Keys = append(r.Keys, k)
		words = words[n:]
	}

	return r, journalHeaderSize + int(wordCount)*8, nil
}
