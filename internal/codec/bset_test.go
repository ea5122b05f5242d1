package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/bcachecore/internal/codec"
)

const testBsetMagic = 0xfeedfacecafebeef

func Test_Bset_RoundTrips_Through_Encode_Decode(t *testing.T) {
	t.Parallel()

	keys := []codec.Key{
		{Inode: 1, Offset: 10, Size: 10, Ptrs: []codec.Ptr{{Dev: 0, Offset: 0, Gen: 1}}},
		{Inode: 1, Offset: 20, Size: 10, Dirty: true, Ptrs: []codec.Ptr{{Dev: 1, Offset: 100, Gen: 2}}},
		{Inode: 2, Offset: 5, Size: 5},
	}

	buf := codec.EncodeBset(testBsetMagic, 42, keys)

	got, seq, err := codec.DecodeBset(buf, testBsetMagic)
	require.NoError(t, err)
	require.Equal(t, uint64(42), seq)
	require.Equal(t, keys, got)
}

func Test_Bset_Empty_RoundTrips(t *testing.T) {
	t.Parallel()

	buf := codec.EncodeBset(testBsetMagic, 1, nil)

	got, seq, err := codec.DecodeBset(buf, testBsetMagic)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	require.Empty(t, got)
}

func Test_DecodeBset_Returns_ErrIncompatibleVersion_When_Magic_Mismatches(t *testing.T) {
	t.Parallel()

	buf := codec.EncodeBset(testBsetMagic, 1, nil)

	_, _, err := codec.DecodeBset(buf, testBsetMagic^1)
	require.ErrorIs(t, err, codec.ErrIncompatibleVersion)
}

func Test_DecodeBset_Returns_ErrChecksumMismatch_When_Corrupted(t *testing.T) {
	t.Parallel()

	keys := []codec.Key{{Inode: 1, Offset: 10, Size: 10, Ptrs: []codec.Ptr{{Dev: 0}}}}
	buf := codec.EncodeBset(testBsetMagic, 1, keys)
	buf[len(buf)-1] ^= 0xFF

	_, _, err := codec.DecodeBset(buf, testBsetMagic)
	require.ErrorIs(t, err, codec.ErrChecksumMismatch)
}
