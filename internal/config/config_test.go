package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestDefaultPopulatesTuningConstants(t *testing.T) {
	cfg := Default()
	require.Equal(t, -1, cfg.StaticLeaderIndex)
	require.Equal(t, MaxDurability, cfg.Durability)
	require.Equal(t, SchemaManual, cfg.SchemaRegistryMode)
	require.Greater(t, cfg.ElectionTimeoutMax, cfg.ElectionTimeoutMin)
}

func TestLoadWithMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaultsFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lithair.toml")
	body := `
data_dir = "/var/lib/lithair"
node_id = 2
durability = "performance"
schema_registry_mode = "strict"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/lithair", cfg.DataDir)
	require.Equal(t, 2, cfg.NodeID)
	require.Equal(t, Performance, cfg.Durability)
	require.Equal(t, SchemaStrict, cfg.SchemaRegistryMode)
	// Unspecified fields keep their defaults.
	require.Equal(t, Default().HeartbeatInterval, cfg.HeartbeatInterval)
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func TestBindFlagsOverridesDefault(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--node-id=5", "--durability=performance"}))
	require.Equal(t, 5, cfg.NodeID)
	require.Equal(t, Performance, cfg.Durability)
}

func TestElectionTimeoutsAreReasonable(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.ElectionTimeoutMin > 0)
	require.True(t, cfg.HeartbeatInterval < cfg.ElectionTimeoutMin)
	require.True(t, cfg.GroupCommitMaxDelay < time.Second)
}
