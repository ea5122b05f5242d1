package device

import (
	"bytes"
	"fmt"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/bcachecore/internal/codec"
	"github.com/calvinalkan/bcachecore/internal/fs"
)

// WriteSuperblock encodes sb and atomically replaces the file at path (temp
// file + rename), so a reader never observes a half-written superblock —
// the same durability shape as the journal's "roll cursor only after the
// write lands" rule, applied to the one record format that has no ring to
// fall back on.
func WriteSuperblock(path string, sb codec.Superblock) error {
	data := codec.EncodeSuperblock(sb)

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("device: writing superblock %s: %w", path, err)
	}

	return nil
}

// ReadSuperblock reads and decodes the superblock at path.
func ReadSuperblock(path string) (codec.Superblock, error) {
	return ReadSuperblockFS(fs.NewReal(), path)
}

// ReadSuperblockFS is [ReadSuperblock] routed through an [fs.FS], so tests
// can drive it with [fs.Chaos] or [fs.Crash] instead of the real
// filesystem.
func ReadSuperblockFS(fsys fs.FS, path string) (codec.Superblock, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return codec.Superblock{}, fmt.Errorf("device: reading superblock %s: %w", path, err)
	}

	sb, err := codec.DecodeSuperblock(data)
	if err != nil {
		return codec.Superblock{}, fmt.Errorf("device: decoding superblock %s: %w", path, err)
	}

	return sb, nil
}
