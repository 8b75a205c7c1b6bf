package config

import "time"

// StreamlineConfig is the full `runtime/current_config.toml` document (spec
// §6.4). Transport sections (TCP/QUIC/HTTP) are intentionally opaque to the
// CORE and are not modeled here — they decode into RawTransport for a
// transport layer to interpret.
type StreamlineConfig struct {
	System              SystemConfig              `toml:"system"`
	Cache               CacheConfig               `toml:"cache"`
	Partition           PartitionDefaults         `toml:"partition"`
	Segment             SegmentDefaults           `toml:"segment"`
	Topic               TopicDefaults             `toml:"topic"`
	MessageDeduplication MessageDeduplicationConfig `toml:"message_deduplication"`
	DataMaintenance     DataMaintenanceConfig     `toml:"data_maintenance"`
	RawTransport        map[string]interface{}    `toml:"transport"`
}

// SystemConfig covers `system.path` and `system.logging.*`.
type SystemConfig struct {
	Path    string        `toml:"path"`
	Logging LoggingConfig `toml:"logging"`
}

type LoggingConfig struct {
	Path      string `toml:"path"`
	Level     string `toml:"level"`
	MaxSize   int64  `toml:"max_size"`
	Retention string `toml:"retention"`
}

// CacheConfig covers `cache.enabled`/`cache.size`. Size is kept as the raw
// string (a byte count or a percentage such as "10%"); nothing in the module
// parses it, and pkg/cache takes a plain byte count.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Size    string `toml:"size"`
}

// PartitionDefaults covers `partition.*`. System.topicTemplate copies
// ValidateChecksum into every topic's partition.Config; the other fields are
// loaded but not read outside pkg/config.
type PartitionDefaults struct {
	MessagesRequiredToSave int64 `toml:"messages_required_to_save"`
	EnforceFsync           bool  `toml:"enforce_fsync"`
	ValidateChecksum       bool  `toml:"validate_checksum"`
	DeduplicateMessages    bool  `toml:"deduplicate_messages"`
}

// SegmentDefaults covers `segment.*`.
type SegmentDefaults struct {
	Size              int64         `toml:"size"`
	CacheIndexes      bool          `toml:"cache_indexes"`
	CacheTimeIndexes  bool          `toml:"cache_time_indexes"`
	MessageExpiry     time.Duration `toml:"message_expiry"`
	ArchiveExpired    bool          `toml:"archive_expired"`
}

// TopicDefaults covers `topic.*`.
type TopicDefaults struct {
	MaxSize              int64 `toml:"max_size"`
	DeleteOldestSegments bool  `toml:"delete_oldest_segments"`
}

// MessageDeduplicationConfig covers `message_deduplication.*`.
type MessageDeduplicationConfig struct {
	Enabled    bool          `toml:"enabled"`
	MaxEntries int           `toml:"max_entries"`
	Expiry     time.Duration `toml:"expiry"`
}

// DataMaintenanceConfig covers `data_maintenance.*`, the background task
// subsystem's configuration (spec §4.6 / §6.4).
type DataMaintenanceConfig struct {
	Archiver ArchiverConfig        `toml:"archiver"`
	Messages MessagesMaintenance   `toml:"messages"`
	State    StateMaintenanceConfig `toml:"state"`
}

type ArchiverConfig struct {
	Enabled bool             `toml:"enabled"`
	Kind    string           `toml:"kind"` // "disk" | "object-store"
	Disk    DiskArchiverConfig `toml:"disk"`
	S3      S3ArchiverConfig   `toml:"s3"`
}

type DiskArchiverConfig struct {
	Path string `toml:"path"`
}

type S3ArchiverConfig struct {
	KeyID     string `toml:"key_id"`
	KeySecret string `toml:"key_secret"`
	Bucket    string `toml:"bucket"`
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
}

type MessagesMaintenance struct {
	ArchiverEnabled bool          `toml:"archiver_enabled"`
	CleanerEnabled  bool          `toml:"cleaner_enabled"`
	Interval        time.Duration `toml:"interval"`
}

type StateMaintenanceConfig struct {
	ArchiverEnabled bool          `toml:"archiver_enabled"`
	Overwrite       bool          `toml:"overwrite"`
	Interval        time.Duration `toml:"interval"`
}

// Default returns the configuration a fresh CORE instance starts with when
// no `runtime/current_config.toml` exists yet.
func Default() StreamlineConfig {
	return StreamlineConfig{
		System: SystemConfig{
			Path:    "local_data",
			Logging: LoggingConfig{Level: "info", MaxSize: 100 << 20, Retention: "7d"},
		},
		Cache: CacheConfig{Enabled: true, Size: "10%"},
		Partition: PartitionDefaults{
			MessagesRequiredToSave: 1000,
			EnforceFsync:           false,
			ValidateChecksum:       false,
			DeduplicateMessages:    false,
		},
		Segment: SegmentDefaults{
			Size:             1 << 30,
			CacheIndexes:     true,
			CacheTimeIndexes: true,
			ArchiveExpired:   false,
		},
		Topic: TopicDefaults{MaxSize: 0, DeleteOldestSegments: false},
		MessageDeduplication: MessageDeduplicationConfig{
			Enabled:    false,
			MaxEntries: 10_000,
			Expiry:     time.Minute,
		},
		DataMaintenance: DataMaintenanceConfig{
			Messages: MessagesMaintenance{Interval: time.Minute},
			State:    StateMaintenanceConfig{Interval: 5 * time.Minute},
		},
	}
}

// LoadStreamlineConfig loads runtime/current_config.toml at path, falling
// back to Default() field-by-field for anything the file omits, then
// applies STREAMLINE_-prefixed environment overrides and validates.
func LoadStreamlineConfig(path string) (*StreamlineConfig, error) {
	cfg := Default()
	if err := LoadTOML(path, &cfg); err != nil {
		return nil, err
	}
	if err := ApplyEnvOverrides("STREAMLINE", &cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg,
		OneOfValidator("DataMaintenance.Archiver.Kind", "", "disk", "object-store"),
	); err != nil {
		return nil, err
	}
	return &cfg, nil
}
