// Package config loads the storage core's recognized configuration
// options from a YAML file, falling back to documented defaults.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the options a Connection recognizes. YAML tags keep
// the on-disk format in snake_case the way an operator would write it.
type Config struct {
	WALEnabled             bool  `yaml:"wal_enabled"`
	WALSyncIntervalMS      int   `yaml:"wal_sync_interval_ms"`
	CheckpointWaitSecs     *int  `yaml:"checkpoint_wait_secs"`
	CheckpointLogSizeBytes int64 `yaml:"checkpoint_log_size_bytes"`
	PageSize               int   `yaml:"page_size"`
	LockStatsEnabled       bool  `yaml:"lock_stats_enabled"`

	// CheckpointDrainWaitMS bounds how long the checkpoint
	// coordinator's prepare phase waits for exclusively pinned pages
	// to drain before returning CheckpointBusy.
	CheckpointDrainWaitMS int `yaml:"checkpoint_drain_wait_ms"`
}

const (
	defaultWALSyncIntervalMS      = 100
	defaultCheckpointWaitSecs     = 60
	defaultCheckpointLogSizeBytes = 64 << 20
	defaultPageSize               = 4096
	defaultCheckpointDrainWaitMS  = 2000
)

// Default returns the documented defaults.
func Default() Config {
	wait := defaultCheckpointWaitSecs
	return Config{
		WALEnabled:             true,
		WALSyncIntervalMS:      defaultWALSyncIntervalMS,
		CheckpointWaitSecs:     &wait,
		CheckpointLogSizeBytes: defaultCheckpointLogSizeBytes,
		PageSize:               defaultPageSize,
		LockStatsEnabled:       false,
		CheckpointDrainWaitMS:  defaultCheckpointDrainWaitMS,
	}
}

// Load reads a YAML config file, applying defaults for any option the
// file omits. A missing file is not an error: the caller gets Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}

	// Decode onto a config pre-seeded with defaults so a partial file
	// only overrides the keys it sets.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CheckpointDisabled reports whether background checkpointing is off.
func (c Config) CheckpointDisabled() bool {
	return c.CheckpointWaitSecs == nil || *c.CheckpointWaitSecs <= 0
}
