// Package config loads dedupconsumer's YAML configuration and applies
// environment-variable overrides, the same two-step load roach88-nysm
// uses for its scenario files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a dedupconsumer worker.
type Config struct {
	// Topic is the source Kafka topic this worker consumes.
	Topic string `yaml:"topic"`

	// Brokers are the bootstrap addresses for the source log client.
	Brokers []string `yaml:"brokers"`

	// GroupID is the consumer group this worker joins.
	GroupID string `yaml:"group_id"`

	Store      StoreConfig      `yaml:"store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Assigner   AssignerConfig   `yaml:"assigner"`
	Raft       RaftConfig       `yaml:"raft"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type StoreConfig struct {
	Root            string `yaml:"root"`
	MaxCapacity     int64  `yaml:"max_capacity_bytes"`
	CacheBytes      int64  `yaml:"cache_bytes"`
	MaxInFlight     int    `yaml:"max_in_flight"`
	BloomBitsPerKey int    `yaml:"bloom_bits_per_key"`
}

type CheckpointConfig struct {
	Interval            time.Duration `yaml:"interval"`
	LocalRoot           string        `yaml:"local_root"`
	RemotePrefix        string        `yaml:"remote_prefix"`
	RemoteBucket        string        `yaml:"remote_bucket"`
	FullEveryNth        int           `yaml:"full_every_nth"`
	MaxLocalCheckpoints int           `yaml:"max_local_checkpoints"`
	RemoteRetention     int           `yaml:"remote_retention"`
	UploadConcurrency   int           `yaml:"upload_concurrency"`
}

type AssignerConfig struct {
	Name              string        `yaml:"name"`
	TotalPartitions   int32         `yaml:"total_partitions"`
	RouterCount       int           `yaml:"router_count"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	DebounceWindow    time.Duration `yaml:"debounce_window"`
	ElectionRetryWait time.Duration `yaml:"election_retry_wait"`
}

type RaftConfig struct {
	NodeID    string `yaml:"node_id"`
	BindAddr  string `yaml:"bind_addr"`
	DataDir   string `yaml:"data_dir"`
	Bootstrap bool   `yaml:"bootstrap"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads and parses the YAML file at path, then applies environment
// overrides on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides layers a small, explicit set of environment variables
// on top of the parsed file. No env-binding library appears anywhere in
// the pack, so this step is plain os.Getenv rather than an ecosystem pick.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOPIC"); v != "" {
		cfg.Topic = v
	}
	if v := os.Getenv("GROUP_ID"); v != "" {
		cfg.GroupID = v
	}
	if v := os.Getenv("DEDUP_STORE_ROOT"); v != "" {
		cfg.Store.Root = v
	}
	if v := os.Getenv("MAX_STORE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Store.MaxCapacity = n
		}
	}
	if v := os.Getenv("CHECKPOINT_REMOTE_BUCKET"); v != "" {
		cfg.Checkpoint.RemoteBucket = v
	}
	if v := os.Getenv("RAFT_BIND_ADDR"); v != "" {
		cfg.Raft.BindAddr = v
	}
	if v := os.Getenv("RAFT_BOOTSTRAP"); v != "" {
		cfg.Raft.Bootstrap = v == "true" || v == "1"
	}
}
