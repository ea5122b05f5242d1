package journal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/bcachecore/internal/codec"
	"github.com/calvinalkan/bcachecore/internal/journal"
)

const testMagic = 0x1234

type memIO struct {
	buckets map[int][]byte
	size    int
}

func newMemIO(size int) *memIO {
	return &memIO{buckets: make(map[int][]byte), size: size}
}

func (m *memIO) WriteBucket(idx int, data []byte) error {
	buf := make([]byte, m.size)
	copy(buf, data)
	m.buckets[idx] = buf

	return nil
}

func (m *memIO) ReadBucket(idx int) ([]byte, error) {
	if buf, ok := m.buckets[idx]; ok {
		return buf, nil
	}

	return make([]byte, m.size), nil
}

type recordingReclaimer struct {
	reclaimed []int
}

func (r *recordingReclaimer) ReclaimBucket(idx int) error {
	r.reclaimed = append(r.reclaimed, idx)
	return nil
}

func key(inode uint32, offset uint64) codec.Key {
	return codec.Key{Inode: inode, Offset: offset, Size: 10, Ptrs: []codec.Ptr{{Dev: 0, Offset: offset, Gen: 1}}}
}

func Test_Journal_Flush_Then_Replay_Recovers_Appended_Keys(t *testing.T) {
	t.Parallel()

	io := newMemIO(4096)
	j := journal.New(io, nil, []int{10, 11, 12}, 4096, testMagic)

	j.Append([]codec.Key{key(1, 20)})
	seq1, err := j.Flush()
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	j.Append([]codec.Key{key(1, 40), key(1, 60)})
	seq2, err := j.Flush()
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)

	replayed := journal.New(io, nil, []int{10, 11, 12}, 4096, testMagic)

	keys, err := replayed.Replay()
	require.NoError(t, err)
	require.Len(t, keys, 3)

	require.Equal(t, uint64(20), keys[0].Offset)
	require.Equal(t, uint64(40), keys[1].Offset)
	require.Equal(t, uint64(60), keys[2].Offset)
}

func Test_Journal_Replay_Is_Tolerant_Of_Never_Written_Buckets(t *testing.T) {
	t.Parallel()

	io := newMemIO(4096)
	j := journal.New(io, nil, []int{10, 11, 12}, 4096, testMagic)

	keys, err := j.Replay()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func Test_Journal_Flush_Rolls_To_Next_Bucket_When_Current_Is_Full(t *testing.T) {
	t.Parallel()

	// Bucket holds exactly one record, forcing every flush onto a fresh
	// bucket.
	io := newMemIO(80)
	j := journal.New(io, nil, []int{10, 11, 12}, 80, testMagic)

	for i := range 3 {
		j.Append([]codec.Key{key(1, uint64(20*(i+1)))})
		_, err := j.Flush()
		require.NoError(t, err)
	}

	replayed := journal.New(io, nil, []int{10, 11, 12}, 80, testMagic)
	keys, err := replayed.Replay()
	require.NoError(t, err)
	require.Len(t, keys, 3)
}

func Test_Journal_Flush_Returns_ErrJournalFull_When_Ring_Exhausted(t *testing.T) {
	t.Parallel()

	io := newMemIO(80)
	j := journal.New(io, nil, []int{10, 11}, 80, testMagic)

	for i := range 2 {
		j.Append([]codec.Key{key(1, uint64(20*(i+1)))})
		_, err := j.Flush()
		require.NoError(t, err)
	}

	j.Append([]codec.Key{key(1, 999)})
	_, err := j.Flush()
	require.ErrorIs(t, err, journal.ErrJournalFull)
}

func Test_Journal_Reclaim_Frees_Buckets_Below_Threshold(t *testing.T) {
	t.Parallel()

	io := newMemIO(128)
	reclaimer := &recordingReclaimer{}
	j := journal.New(io, reclaimer, []int{10, 11}, 128, testMagic)

	j.Append([]codec.Key{key(1, 20)})
	seq1, err := j.Flush()
	require.NoError(t, err)

	j.Append([]codec.Key{key(1, 40)})
	_, err = j.Flush()
	require.NoError(t, err)

	require.NoError(t, j.Reclaim(seq1+1))
	require.Equal(t, []int{10}, reclaimer.reclaimed)

	// The bucket holding seq1 is now free to roll into again.
	j.Append([]codec.Key{key(1, 60)})
	_, err = j.Flush()
	require.NoError(t, err)
}

func Test_Journal_Flush_With_Nothing_Pending_Is_A_NoOp(t *testing.T) {
	t.Parallel()

	io := newMemIO(4096)
	j := journal.New(io, nil, []int{10}, 4096, testMagic)

	seq, err := j.Flush()
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq)
}
