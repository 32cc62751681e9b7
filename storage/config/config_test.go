package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.True(t, cfg.WALEnabled)
	require.Equal(t, 100, cfg.WALSyncIntervalMS)
	require.Equal(t, 4096, cfg.PageSize)
	require.EqualValues(t, 64<<20, cfg.CheckpointLogSizeBytes)
	require.False(t, cfg.CheckpointDisabled())
}

func TestLoadPartialFileKeepsOtherDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrongo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("page_size: 512\nwal_sync_interval_ms: 0\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 512, cfg.PageSize)
	require.Equal(t, 0, cfg.WALSyncIntervalMS)
	require.True(t, cfg.WALEnabled, "unset keys keep their defaults")
}

func TestCheckpointDisabled(t *testing.T) {
	cfg := Default()
	require.False(t, cfg.CheckpointDisabled())

	cfg.CheckpointWaitSecs = nil
	require.True(t, cfg.CheckpointDisabled())

	zero := 0
	cfg.CheckpointWaitSecs = &zero
	require.True(t, cfg.CheckpointDisabled())
}
