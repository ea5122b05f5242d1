package codec

import (
	"hash/crc32"
	"hash/crc64"
)

// jonesTable is the CRC64 table using the "Jones" polynomial
// 0xad93d23594c935a9, the polynomial used on-disk throughout the codec
// package for superblock, bset, prio_set, and journal checksums.
var jonesTable = crc64.MakeTable(0xad93d23594c935a9)

// CRC64 computes the Jones-polynomial CRC64 of data.
func CRC64(data []byte) uint64 {
	return crc64.Checksum(data, jonesTable)
}

// castagnoliTable is the CRC32-C table behind [CRC32C].
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the Castagnoli CRC32 of data. No on-disk format in this
// package uses it; every record, the superblock included, carries a [CRC64].
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}
