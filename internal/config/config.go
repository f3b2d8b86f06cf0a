// Package config loads Lithair's typed runtime configuration. Values are read
// from an optional TOML file (github.com/BurntSushi/toml) and may be
// overridden by command-line flags (github.com/spf13/pflag); the defaults
// mirror conservative tuning constants suitable for a first deployment.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// DurabilityMode selects the event log's fsync strategy.
type DurabilityMode string

const (
	// MaxDurability blocks Flush callers until fsync returns.
	MaxDurability DurabilityMode = "max_durability"
	// Performance fsyncs on a periodic timer, trading a bounded loss window
	// for throughput.
	Performance DurabilityMode = "performance"
)

// SchemaMode selects how the Schema Registry reacts to detected changes.
type SchemaMode string

const (
	SchemaManual SchemaMode = "manual"
	SchemaAuto   SchemaMode = "auto"
	SchemaStrict SchemaMode = "strict"
	SchemaWarn   SchemaMode = "warn"
)

// Config is the core's complete tunable surface.
type Config struct {
	DataDir string   `toml:"data_dir"`
	NodeID  int      `toml:"node_id"`
	Peers   []string `toml:"peers"`

	// StaticLeaderIndex, when >= 0, disables election entirely: that peer
	// index is permanently the leader.
	// -1 selects the elected-leader (full Raft-shaped) mode, the default.
	StaticLeaderIndex int `toml:"static_leader_index"`

	ElectionTimeoutMin time.Duration `toml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `toml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval"`

	GroupCommitMaxBatch int           `toml:"group_commit_max_batch"`
	GroupCommitMaxDelay time.Duration `toml:"group_commit_max_delay"`
	Durability          DurabilityMode `toml:"durability"`
	PerformanceFsyncEvery time.Duration `toml:"performance_fsync_every"`

	SegmentRotateBytes int64 `toml:"segment_rotate_bytes"`

	ReplicationBatchSize        int           `toml:"replication_batch_size"`
	DesyncFailureThreshold      int           `toml:"desync_failure_threshold"`
	DesyncLagThreshold          uint64        `toml:"desync_lag_threshold"`
	ReplicationRPCTimeout       time.Duration `toml:"replication_rpc_timeout"`
	SnapshotTransferRateBytes   int           `toml:"snapshot_transfer_rate_bytes"`
	SnapshotTransferConcurrency int64         `toml:"snapshot_transfer_concurrency"`
	SnapshotTransferChunkBytes  int           `toml:"snapshot_transfer_chunk_bytes"`

	SnapshotEntryThreshold uint64 `toml:"snapshot_entry_threshold"`

	SchemaRegistryMode SchemaMode `toml:"schema_registry_mode"`

	CommandQueueHighWatermark int `toml:"command_queue_high_watermark"`

	StateReadCacheSize int `toml:"state_read_cache_size"`
}

// Default returns the configuration populated with indicative tuning
// defaults suitable for a first deployment.
func Default() *Config {
	return &Config{
		DataDir:                   "./data",
		NodeID:                    0,
		StaticLeaderIndex:         -1,
		ElectionTimeoutMin:        150 * time.Millisecond,
		ElectionTimeoutMax:        300 * time.Millisecond,
		HeartbeatInterval:         50 * time.Millisecond,
		GroupCommitMaxBatch:       1000,
		GroupCommitMaxDelay:       5 * time.Millisecond,
		Durability:                MaxDurability,
		PerformanceFsyncEvery:     10 * time.Millisecond,
		SegmentRotateBytes:        64 << 20,
		ReplicationBatchSize:      100,
		DesyncFailureThreshold:    10,
		DesyncLagThreshold:        1000,
		ReplicationRPCTimeout:       2 * time.Second,
		SnapshotTransferRateBytes:   8 << 20,
		SnapshotTransferConcurrency: 2,
		SnapshotTransferChunkBytes:  1 << 20,
		SnapshotEntryThreshold:      10000,
		SchemaRegistryMode:        SchemaManual,
		CommandQueueHighWatermark: 10000,
		StateReadCacheSize:        4096,
	}
}

// Load reads a TOML file at path on top of Default(). An empty path returns
// the defaults alone; a path that cannot be read or decoded is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// BindFlags registers pflag overrides for the most commonly tuned knobs,
// letting an operator override the TOML file from the command line.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "data directory root")
	fs.IntVar(&c.NodeID, "node-id", c.NodeID, "this node's index into the peer list")
	fs.StringSliceVar(&c.Peers, "peers", c.Peers, "replica set addresses")
	fs.IntVar(&c.StaticLeaderIndex, "static-leader-index", c.StaticLeaderIndex, "fixed leader index, or -1 for elected leadership")
	fs.DurationVar(&c.ElectionTimeoutMin, "election-timeout-min", c.ElectionTimeoutMin, "minimum randomized election timeout")
	fs.DurationVar(&c.ElectionTimeoutMax, "election-timeout-max", c.ElectionTimeoutMax, "maximum randomized election timeout")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "leader heartbeat interval")
	fs.StringVar((*string)(&c.Durability), "durability", string(c.Durability), "max_durability or performance")
	fs.StringVar((*string)(&c.SchemaRegistryMode), "schema-mode", string(c.SchemaRegistryMode), "manual, auto, strict, or warn")
}
