package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, DefaultAssistantName, cfg.AssistantName)
	require.Equal(t, DefaultWorkerGroupPrefix, cfg.WorkerGroupPrefix)
	require.Equal(t, DefaultMaxConcurrent, cfg.MaxConcurrentContainers)
	require.Equal(t, DefaultHardTimeout, cfg.HardTimeout)

	// Derived paths hang off data_dir.
	require.Equal(t, filepath.Join("data", "nanoclaw.db"), cfg.DBPath)
	require.Equal(t, filepath.Join("data", "ipc"), cfg.IPCRoot)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
assistant_name: Jarvis
data_dir: /var/lib/nanoclaw
max_concurrent_containers: 7
hard_timeout: 10m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Jarvis", cfg.AssistantName)
	require.Equal(t, 7, cfg.MaxConcurrentContainers)
	require.Equal(t, 10*time.Minute, cfg.HardTimeout)
	require.Equal(t, "/var/lib/nanoclaw/nanoclaw.db", cfg.DBPath)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.AssistantName = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxConcurrentContainers = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.LeaseTTL = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.NoContainerGrace = -time.Second
	require.Error(t, cfg.Validate())
}

func TestSnapshotDir(t *testing.T) {
	cfg := Config{IPCRoot: "/data/ipc"}
	require.Equal(t, "/data/ipc/jarvis-worker-1", cfg.SnapshotDir("jarvis-worker-1"))
}
