// Package config holds the tunables for a cache set: watermarks, generation
// discipline limits, rescale and GC thresholds, and journal batching.
//
// Config is loaded from a HuJSON (JWCC) file: standardize-then-unmarshal,
// defaults first, then validate.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/bcachecore/internal/fs"
)

// ReplacementPolicy selects how the allocator's invalidation step picks a
// victim bucket.
type ReplacementPolicy string

const (
	ReplacementLRU    ReplacementPolicy = "lru"
	ReplacementFIFO   ReplacementPolicy = "fifo"
	ReplacementRandom ReplacementPolicy = "random"
)

// Config holds every tunable recognized by a cache set.
type Config struct {
	// InitialPrio is the LRU weight a bucket is reset to on access or
	// invalidation.
	InitialPrio uint16 `json:"initial_prio"`

	// BucketDiskGenMax bounds (gen - disk_gen) mod 256. Default 64.
	BucketDiskGenMax uint8 `json:"bucket_disk_gen_max"`

	// BucketGCGenMax bounds (gen - last_gc) mod 256. Default 96.
	BucketGCGenMax uint8 `json:"bucket_gc_gen_max"`

	// Replacement selects the victim-selection policy for invalidation.
	Replacement ReplacementPolicy `json:"replacement"`

	// WatermarkReserve maps each watermark class to the number of buckets
	// reserved below free-ring capacity (stricter watermarks reserve more).
	WatermarkReserve WatermarkReserves `json:"watermark_reserve"`

	// RescaleSectors is the sector count that decrements the shared rescale
	// counter; crossing zero halves all priorities.
	RescaleSectors uint64 `json:"rescale_sectors"`

	// JournalDelayMS is a journal flush delay in milliseconds. No code in
	// this module reads it: CacheSet flushes the journal on every Insert and
	// Replace, so no journal buffer waits on a timer.
	JournalDelayMS uint64 `json:"journal_delay_ms"`

	// CongestedReadThresholdUS / CongestedWriteThresholdUS feed admission
	// decisions made by the (external, out-of-scope) request layer; the
	// core only carries the values through.
	CongestedReadThresholdUS  uint64 `json:"congested_read_threshold_us"`
	CongestedWriteThresholdUS uint64 `json:"congested_write_threshold_us"`

	// GCTriggerSectors is the number of sectors written since the last GC
	// that triggers a new mark pass.
	GCTriggerSectors uint64 `json:"gc_trigger_sectors"`

	// MovingGCOccupancyThreshold selects buckets below this fraction of
	// capacity used as moving-GC compaction sources.
	MovingGCOccupancyThreshold float64 `json:"moving_gc_occupancy_threshold"`

	// StaleRewriteThreshold is the fraction of stale pointers in a node
	// that triggers a node rewrite during GC.
	StaleRewriteThreshold float64 `json:"stale_rewrite_threshold"`

	// ErrorLimit / ErrorDecay configure the per-device exponentially
	// decaying I/O error budget.
	ErrorLimit uint64 `json:"error_limit"`
	ErrorDecay float64 `json:"error_decay"`

	// DiscardEnabled issues a TRIM before returning a bucket to the free
	// ring.
	DiscardEnabled bool `json:"discard_enabled"`

	// DiscardSlots bounds how many discard operations may be in flight.
	DiscardSlots int `json:"discard_slots"`

	// BucketSizeSectors is the power-of-two bucket size for a newly
	// created cache device.
	BucketSizeSectors uint64 `json:"bucket_size_sectors"`
}

// WatermarkReserves holds the headroom, in buckets, reserved below the free
// ring's capacity for each watermark class, strictest first.
type WatermarkReserves struct {
	Prio     int `json:"prio"`
	Metadata int `json:"metadata"`
	MovingGC int `json:"moving_gc"`
}

// Default tunable values, conservative enough to run unmodified on a
// freshly formatted device.
const (
	DefaultInitialPrio               = 0
	DefaultBucketDiskGenMax          = 64
	DefaultBucketGCGenMax            = 96
	DefaultRescaleSectors            = 1 << 20 // 512MiB worth of sectors
	DefaultJournalDelayMS            = 100
	DefaultCongestedReadThresholdUS  = 2000
	DefaultCongestedWriteThresholdUS = 20000
	DefaultGCTriggerSectors          = 1 << 24
	DefaultMovingGCOccupancyThresh   = 0.25
	DefaultStaleRewriteThreshold     = 0.5
	DefaultErrorLimit                = 16
	DefaultErrorDecay                = 0.5
	DefaultDiscardSlots              = 4
	DefaultBucketSizeSectors         = 1024 // 512KiB at 512B sectors
)

// Default returns a Config populated with its documented defaults.
func Default() Config {
	return Config{
		InitialPrio:      DefaultInitialPrio,
		BucketDiskGenMax: DefaultBucketDiskGenMax,
		BucketGCGenMax:   DefaultBucketGCGenMax,
		Replacement:      ReplacementLRU,
		WatermarkReserve: WatermarkReserves{
			Prio:     1,
			Metadata: 4,
			MovingGC: 16,
		},
		RescaleSectors:             DefaultRescaleSectors,
		JournalDelayMS:             DefaultJournalDelayMS,
		CongestedReadThresholdUS:   DefaultCongestedReadThresholdUS,
		CongestedWriteThresholdUS:  DefaultCongestedWriteThresholdUS,
		GCTriggerSectors:           DefaultGCTriggerSectors,
		MovingGCOccupancyThreshold: DefaultMovingGCOccupancyThresh,
		StaleRewriteThreshold:      DefaultStaleRewriteThreshold,
		ErrorLimit:                 DefaultErrorLimit,
		ErrorDecay:                 DefaultErrorDecay,
		DiscardEnabled:             false,
		DiscardSlots:               DefaultDiscardSlots,
		BucketSizeSectors:          DefaultBucketSizeSectors,
	}
}

// Load reads a HuJSON config file at path, merges it over [Default], and
// validates the result.
//
// A missing file is not an error; Load returns [Default] in that case.
func Load(path string) (Config, error) {
	return LoadFS(fs.NewReal(), path)
}

// LoadFS is [Load] routed through an [fs.FS], so tests can drive it with
// [fs.Chaos] instead of the real filesystem.
func LoadFS(fsys fs.FS, path string) (Config, error) {
	cfg := Default()

	data, err := fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JWCC in %s: %w", path, err)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config JSON in %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save atomically writes cfg as indented JSON to path, so a concurrent
// reader of path never observes a half-written config file.
func Save(path string, cfg Config) error {
	return SaveFS(fs.NewReal(), path, cfg)
}

// SaveFS is [Save] routed through an [fs.FS], so tests can drive it with
// [fs.StrictTestFS] to assert it never trips a real (non-injected) fs error.
func SaveFS(fsys fs.FS, path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting config: %w", err)
	}

	w := fs.NewAtomicWriter(fsys)
	if err := w.WriteWithDefaults(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}

	return nil
}

// Validate checks internal consistency of a Config.
func Validate(cfg Config) error {
	if cfg.BucketDiskGenMax == 0 {
		return fmt.Errorf("%w: bucket_disk_gen_max must be > 0", ErrInvalidConfig)
	}

	if cfg.BucketGCGenMax == 0 {
		return fmt.Errorf("%w: bucket_gc_gen_max must be > 0", ErrInvalidConfig)
	}

	switch cfg.Replacement {
	case ReplacementLRU, ReplacementFIFO, ReplacementRandom:
	default:
		return fmt.Errorf("%w: unknown replacement policy %q", ErrInvalidConfig, cfg.Replacement)
	}

	if cfg.WatermarkReserve.Prio < 0 || cfg.WatermarkReserve.Metadata < 0 || cfg.WatermarkReserve.MovingGC < 0 {
		return fmt.Errorf("%w: watermark reserves must be non-negative", ErrInvalidConfig)
	}

	// Stricter watermarks must reserve at least as much headroom as looser
	// ones, or the ordering PRIO < METADATA < MOVINGGC < NONE collapses.
	if cfg.WatermarkReserve.Prio > cfg.WatermarkReserve.Metadata ||
		cfg.WatermarkReserve.Metadata > cfg.WatermarkReserve.MovingGC {
		return fmt.Errorf("%w: watermark reserves must be non-decreasing from prio to moving_gc", ErrInvalidConfig)
	}

	if cfg.BucketSizeSectors == 0 || cfg.BucketSizeSectors&(cfg.BucketSizeSectors-1) != 0 {
		return fmt.Errorf("%w: bucket_size_sectors must be a power of two", ErrInvalidConfig)
	}

	if cfg.MovingGCOccupancyThreshold < 0 || cfg.MovingGCOccupancyThreshold > 1 {
		return fmt.Errorf("%w: moving_gc_occupancy_threshold must be in [0,1]", ErrInvalidConfig)
	}

	if cfg.StaleRewriteThreshold < 0 || cfg.StaleRewriteThreshold > 1 {
		return fmt.Errorf("%w: stale_rewrite_threshold must be in [0,1]", ErrInvalidConfig)
	}

	return nil
}

// Format renders cfg as indented JSON, for `bcachectl print-config`.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("formatting config: %w", err)
	}

	return string(data), nil
}
