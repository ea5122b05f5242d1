package codec

import (
	"encoding/binary"
	"fmt"
)

// SuperblockSize is the fixed on-disk size of a superblock.
const SuperblockSize = 4096

// SuperblockSector is the sector offset of the superblock on every device
// (cache or backing), sector size 512 bytes.
const SuperblockSector = 8

// MaxJournalBuckets bounds the number of journal bucket indices a
// superblock's tail can carry.
const MaxJournalBuckets = 256

// SBVersion enumerates the superblock's version field.
type SBVersion uint64

const (
	SBVersionCache          SBVersion = 0
	SBVersionBacking        SBVersion = 1
	SBVersionCacheNewUUID   SBVersion = 3
	SBVersionBackingDataOff SBVersion = 4
)

// IsCache reports whether v is one of the cache-device versions.
func (v SBVersion) IsCache() bool {
	return v == SBVersionCache || v == SBVersionCacheNewUUID
}

// IsBacking reports whether v is one of the backing-device versions.
func (v SBVersion) IsBacking() bool {
	return v == SBVersionBacking || v == SBVersionBackingDataOff
}

// Superblock flag bits.
const (
	FlagCacheSync        uint64 = 1 << 0
	FlagCacheDiscard     uint64 = 1 << 1
	FlagCacheReplacement uint64 = 0b111 << 2 // 3-bit replacement policy field
)

// BackingCacheMode enumerates a backing device's cache mode, packed into its
// superblock flags.
type BackingCacheMode uint8

const (
	CacheModeWriteThrough BackingCacheMode = 0
	CacheModeWriteBack    BackingCacheMode = 1
	CacheModeWriteAround  BackingCacheMode = 2
	CacheModeNone         BackingCacheMode = 3
)

// BackingState enumerates a backing device's attach state, packed into its
// superblock flags.
type BackingState uint8

const (
	BackingStateNone     BackingState = 0
	BackingStateClean    BackingState = 1
	BackingStateDirty    BackingState = 2
	BackingStateStale    BackingState = 3
)

var sbMagic = [16]byte{0xc6, 0x85, 0x73, 0xf6, 0x4e, 0x1a, 0x45, 0xca,
	0x82, 0x65, 0xf5, 0x7f, 0x48, 0xba, 0x6d, 0x81}

// Superblock is the decoded form of the fixed 4KiB on-disk superblock
//. Fields only meaningful for one branch (cache or backing) are
// zero-valued on the other.
type Superblock struct {
	Offset  uint64
	Version SBVersion
	DevUUID [16]byte
	SetUUID [16]byte
	Label   [32]byte
	Flags   uint64
	Seq     uint64

	// Cache branch.
	NBuckets   uint64
	BlockSize  uint16
	BucketSize uint16
	NrInSet    uint16
	NrThisDev  uint16

	// Backing branch.
	DataOffset uint64

	// Tail, cache branch only: first usable bucket index and the journal
	// bucket ring.
	FirstBucket     uint16
	JournalBuckets  []uint64
}

// SetMagic derives the magic value used to bind bset/prio/journal records to
// this superblock's cache set, as sb.SetUUID XOR constant.
func (s Superblock) SetMagic() uint64 {
	u := binary.LittleEndian.Uint64(s.SetUUID[:8])
	return u ^ 0x3051a7b75a4b7a7e
}

const (
	bsetMagicXOR    = 0x90135c78b4886673
	prioMagicXOR    = 0x4ba69bc6f1c5f93b
	journalMagicXOR = 0xc70a7f5c8bb9c270
)

// BsetMagic, PrioMagic, JournalMagic derive the per-record-type magic from
// the set magic.
func (s Superblock) BsetMagic() uint64    { return s.SetMagic() ^ bsetMagicXOR }
func (s Superblock) PrioMagic() uint64    { return s.SetMagic() ^ prioMagicXOR }
func (s Superblock) JournalMagic() uint64 { return s.SetMagic() ^ journalMagicXOR }

// EncodeSuperblock serializes s into a SuperblockSize-byte block, with the
// leading 8 bytes holding the CRC64 of the remainder.
func EncodeSuperblock(s Superblock) []byte {
	buf := make([]byte, SuperblockSize)
	body := buf[8:]

	off := 0
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(body[off:], v)
		off += 8
	}
	putU16 := func(v uint16) {
		binary.LittleEndian.PutUint16(body[off:], v)
		off += 2
	}

	putU64(s.Offset)
	putU64(uint64(s.Version))
	copy(body[off:], sbMagic[:])
	off += 16
	copy(body[off:], s.DevUUID[:])
	off += 16
	copy(body[off:], s.SetUUID[:])
	off += 16
	copy(body[off:], s.Label[:])
	off += 32
	putU64(s.Flags)
	putU64(s.Seq)
	putU64(s.NBuckets)
	putU16(s.BlockSize)
	putU16(s.BucketSize)
	putU16(s.NrInSet)
	putU16(s.NrThisDev)
	putU64(s.DataOffset)
	putU16(s.FirstBucket)
	putU16(uint16(len(s.JournalBuckets)))

	for _, b := range s.JournalBuckets {
		putU64(b)
	}

	binary.LittleEndian.PutUint64(buf[:8], CRC64(body))

	return buf
}

// DecodeSuperblock parses a SuperblockSize-byte block produced by
// [EncodeSuperblock]. Returns an error wrapping [ErrChecksumMismatch] if the
// CRC does not match, or [ErrIncompatibleVersion] if the magic is wrong or
// the version field is unrecognized.
func DecodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < SuperblockSize {
		return Superblock{}, fmt.Errorf("%w: superblock", ErrTruncated)
	}

	wantCRC := binary.LittleEndian.Uint64(buf[:8])
	body := buf[8:]

	off := 0
	getU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(body[off:])
		off += 8
		return v
	}
	getU16 := func() uint16 {
		v := binary.LittleEndian.Uint16(body[off:])
		off += 2
		return v
	}

	var s Superblock
	s.Offset = getU64()
	s.Version = SBVersion(getU64())

	var magic [16]byte
	copy(magic[:], body[off:off+16])
	off += 16

	copy(s.DevUUID[:], body[off:off+16])
	off += 16
	copy(s.SetUUID[:], body[off:off+16])
	off += 16
	copy(s.Label[:], body[off:off+32])
	off += 32
	s.Flags = getU64()
	s.Seq = getU64()
	s.NBuckets = getU64()
	s.BlockSize = getU16()
	s.BucketSize = getU16()
	s.NrInSet = getU16()
	s.NrThisDev = getU16()
	s.DataOffset = getU64()
	s.FirstBucket = getU16()

	njournal := getU16()
	if int(njournal) > MaxJournalBuckets {
		return Superblock{}, fmt.Errorf("%w: journal bucket count %d exceeds max %d", ErrIncompatibleVersion, njournal, MaxJournalBuckets)
	}

	if njournal > 0 {
		s.JournalBuckets = make([]uint64, njournal)
		for i := range s.JournalBuckets {
			s.JournalBuckets[i] = getU64()
		}
	}

	gotCRC := CRC64(body[:SuperblockSize-8])
	if gotCRC != wantCRC {
		return Superblock{}, fmt.Errorf("%w: superblock", ErrChecksumMismatch)
	}

	if magic != sbMagic {
		return Superblock{}, fmt.Errorf("%w: superblock magic", ErrIncompatibleVersion)
	}

	switch s.Version {
	case SBVersionCache, SBVersionBacking, SBVersionCacheNewUUID, SBVersionBackingDataOff:
	default:
		return Superblock{}, fmt.Errorf("%w: superblock version %d", ErrIncompatibleVersion, s.Version)
	}

	return s, nil
}
