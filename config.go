package xfdb

import "time"

// Mode is the engine-global open mode (spec.md §6 "Configuration").
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
	WriteOnly
)

// EngineConfig holds the engine-global settings spec.md §6 enumerates:
// cache sizing, worker pool sizing and the notify/reload mechanism. It has
// no per-database or per-bucket knowledge.
type EngineConfig struct {
	Mode Mode

	// Cache sizes, in entry counts (blockcache.New interprets <=0 as disabled).
	BloomCacheSize int
	IndexCacheSize int
	DataCacheSize  int

	// NotifyDir is required when Mode==ReadOnly and AutoReloadDB is set;
	// Validate checks only that it is non-empty. Buckets write their .ntf
	// sidecar inside their own directory, and no engine in this module
	// watches it.
	NotifyDir string

	// Worker pool sizes (spec.md §6's thread-pool sizes).
	WriteSegmentWorkers int
	WriteMetadataWorkers int
	PartMergeWorkers    int
	FullMergeWorkers    int
	ReloadDBWorkers     int

	MaxMemtableSize    int
	MaxMemtableObjects int
	FlushInterval      time.Duration
	CleanInterval      time.Duration

	MergeFactor  int
	MaxMergeSize uint64

	AutoReloadDB bool
}

// DefaultEngineConfig returns the defaults spec.md §6 names.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Mode:                 ReadWrite,
		BloomCacheSize:       4096,
		IndexCacheSize:       4096,
		DataCacheSize:        1024,
		WriteSegmentWorkers:  2,
		WriteMetadataWorkers: 1,
		PartMergeWorkers:     2,
		FullMergeWorkers:     1,
		ReloadDBWorkers:      1,
		MaxMemtableSize:      64 << 20,
		MaxMemtableObjects:   200000,
		FlushInterval:        60 * time.Second,
		CleanInterval:        30 * time.Second,
		MergeFactor:          10,
		MaxMergeSize:         32 << 30,
		AutoReloadDB:         false,
	}
}

// Validate enforces spec.md §6's bounded ranges and the ReadOnly/notify_dir
// combination rule.
func (c EngineConfig) Validate() error {
	if c.MaxMemtableSize < 1<<20 || c.MaxMemtableSize > 1<<30 {
		return newErr(KindInvalidConfig, "validate", "max_memtable_size", errRange("max_memtable_size"))
	}
	if c.MaxMemtableObjects < 1000 || c.MaxMemtableObjects > 1000000 {
		return newErr(KindInvalidConfig, "validate", "max_memtable_objects", errRange("max_memtable_objects"))
	}
	if c.FlushInterval < time.Second || c.FlushInterval > 600*time.Second {
		return newErr(KindInvalidConfig, "validate", "flush_interval_s", errRange("flush_interval_s"))
	}
	if c.Mode == ReadOnly && c.AutoReloadDB && c.NotifyDir == "" {
		return newErr(KindInvalidConfig, "validate", "notify_dir", errRange("notify_dir required for auto-reload in ReadOnly mode"))
	}
	return nil
}

// DBConfig holds database-level settings: whether missing buckets are
// created on first use, and per-bucket overrides keyed by bucket name.
type DBConfig struct {
	CreateBucketIfMissing bool
	BucketOverrides       map[string]BucketConfig
}

// BucketConfig holds per-bucket settings spec.md §6 enumerates.
type BucketConfig struct {
	MaxLevelNum       int
	BloomFilterBitnum int
	SyncData          bool
}

// DefaultBucketConfig returns the defaults spec.md §6 implies.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{MaxLevelNum: 15, BloomFilterBitnum: 10, SyncData: true}
}

func (c BucketConfig) Validate() error {
	if c.MaxLevelNum < 0 || c.MaxLevelNum > 15 {
		return newErr(KindInvalidConfig, "validate", "max_level_num", errRange("max_level_num"))
	}
	return nil
}

type rangeErr struct{ field string }

func (e rangeErr) Error() string { return "value out of range: " + e.field }

func errRange(field string) error { return rangeErr{field: field} }
