package device_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/bcachecore/internal/codec"
	"github.com/calvinalkan/bcachecore/internal/device"
	"github.com/calvinalkan/bcachecore/internal/fs"
)

func testSuperblock() codec.Superblock {
	return codec.Superblock{
		Version:        codec.SBVersionCache,
		SetUUID:        [16]byte{9, 9, 9},
		NBuckets:       64,
		BucketSize:     4096,
		FirstBucket:    3,
		JournalBuckets: []uint64{0, 1, 2},
	}
}

// An unsynced write has no durability guarantee (see [fs.FS.WriteFile]'s
// doc comment); a crash before the next fsync must be free to lose it.
func Test_Superblock_Write_Without_Sync_Does_Not_Survive_A_Crash(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	data := codec.EncodeSuperblock(testSuperblock())
	require.NoError(t, crash.WriteFile("sb", data, 0o600))

	require.NoError(t, crash.SimulateCrash())

	_, err = device.ReadSuperblockFS(crash, "sb")
	assert.Error(t, err, "an unsynced superblock write must not survive a simulated crash")
}

// A write durably committed via explicit Sync before the crash must read
// back intact: this is the property [device.WriteSuperblock] depends on
// from natefinch/atomic's own fsync-then-rename sequence.
func Test_Superblock_Write_Then_Sync_Survives_A_Crash(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	sb := testSuperblock()
	data := codec.EncodeSuperblock(sb)

	f, err := crash.OpenFile("sb", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	require.NoError(t, crash.SimulateCrash())

	got, err := device.ReadSuperblockFS(crash, "sb")
	require.NoError(t, err)
	assert.Equal(t, sb.NBuckets, got.NBuckets)
	assert.Equal(t, sb.JournalBuckets, got.JournalBuckets)
}

// Chaos fault injection covers the other half of the same invariant:
// ReadSuperblockFS must surface an I/O error as an error, never as a
// silently empty or zero-value superblock.
func Test_Superblock_Read_Surfaces_Injected_IO_Failure(t *testing.T) {
	t.Parallel()

	real := fs.NewReal()
	tmp := t.TempDir() + "/sb"
	require.NoError(t, device.WriteSuperblock(tmp, testSuperblock()))

	chaos := fs.NewChaos(real, 1, &fs.ChaosConfig{ReadFailRate: 1})

	_, err := device.ReadSuperblockFS(chaos, tmp)
	require.Error(t, err)
}
