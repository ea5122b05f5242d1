// Package bucket holds the in-memory per-bucket state array: priority,
// generation discipline, the GC mark, and the periodic priority rescale.
// The on-disk prio_set wire format for this state lives in
// internal/codec/prio.go; nothing in this module persists it yet (see
// DESIGN.md).
package bucket

// MarkState is the 2-bit classification a bucket carries after a completed
// GC mark pass.
type MarkState uint8

const (
	MarkClean       MarkState = 0
	MarkDirty       MarkState = 1
	MarkMetadata    MarkState = 2
	MarkReclaimable MarkState = 3
)

// maxSectorsUsed is the largest value the 14-bit sectors_used field can
// hold.
const maxSectorsUsed = 1<<14 - 1

// GCMark is the packed `gc_mark` field: a 2-bit state plus a 14-bit sector
// count, fitting in 16 bits on disk and in memory.
type GCMark struct {
	State       MarkState
	SectorsUsed uint16
}

// Pack encodes m into its 16-bit wire/in-memory representation.
func (m GCMark) Pack() uint16 {
	used := m.SectorsUsed
	if used > maxSectorsUsed {
		used = maxSectorsUsed
	}

	return uint16(m.State)<<14 | used
}

// UnpackGCMark decodes a packed gc_mark value.
func UnpackGCMark(v uint16) GCMark {
	return GCMark{
		State:       MarkState(v >> 14),
		SectorsUsed: v & maxSectorsUsed,
	}
}

// Reclaimable reports whether a bucket in this mark state is free to enter
// the allocator's free lists. A bucket marked dirty or metadata must never
// appear there.
func (m GCMark) Reclaimable() bool {
	return m.State == MarkClean || m.State == MarkReclaimable
}
