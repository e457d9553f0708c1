// Package config loads proctord configuration from an optional YAML file
// and environment overrides.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

//go:embed roster.yaml
var defaultRoster []byte

// Student is one roster entry. Marks are generated when the store is seeded.
type Student struct {
	RollNumber string `yaml:"roll_number"`
	Name       string `yaml:"name"`
}

// Clock configures the Berkeley synchronization service.
type Clock struct {
	MinParticipants int `yaml:"min_participants"`
}

// LoadBalance configures admission and the background drain.
type LoadBalance struct {
	MigrateThreshold int           `yaml:"migrate_threshold"`
	DrainInterval    time.Duration `yaml:"drain_interval"`
	ProcessingTime   time.Duration `yaml:"processing_time"`
	BatchSize        int           `yaml:"batch_size"`
}

// Database configures chunking, replication and the seeded roster.
type Database struct {
	ChunkSize         int       `yaml:"chunk_size"`
	ReplicationFactor int       `yaml:"replication_factor"`
	Replicas          []string  `yaml:"replicas"`
	Seed              uint64    `yaml:"seed"`
	Roster            []Student `yaml:"roster"`
}

// Config is the full server configuration.
type Config struct {
	Addr        string      `yaml:"addr"`
	Clock       Clock       `yaml:"clock"`
	LoadBalance LoadBalance `yaml:"loadbalance"`
	Database    Database    `yaml:"database"`
}

// Default returns the built-in configuration with the embedded roster.
func Default() Config {
	return Config{
		Addr:  ":8000",
		Clock: Clock{MinParticipants: 2},
		LoadBalance: LoadBalance{
			MigrateThreshold: 8,
			DrainInterval:    2 * time.Second,
			ProcessingTime:   2 * time.Second,
			BatchSize:        15,
		},
		Database: Database{
			ChunkSize:         7,
			ReplicationFactor: 2,
			Replicas:          []string{"R1", "R2", "R3"},
			Seed:              42,
			Roster:            DefaultRoster(),
		},
	}
}

// DefaultRoster parses the embedded roster. The embedded file is part of the
// binary, so a parse failure is a build defect and panics.
func DefaultRoster() []Student {
	var roster []Student
	if err := yaml.Unmarshal(defaultRoster, &roster); err != nil {
		panic(fmt.Sprintf("config: embedded roster: %v", err))
	}
	return roster
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Addr = getenv("PROCTOR_ADDR", c.Addr)

	if v := os.Getenv("PROCTOR_MIGRATE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROCTOR_MIGRATE_THRESHOLD: %w", err)
		}
		c.LoadBalance.MigrateThreshold = n
	}
	if v := os.Getenv("PROCTOR_DRAIN_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PROCTOR_DRAIN_INTERVAL: %w", err)
		}
		c.LoadBalance.DrainInterval = d
	}
	if v := os.Getenv("PROCTOR_PROCESSING_TIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PROCTOR_PROCESSING_TIME: %w", err)
		}
		c.LoadBalance.ProcessingTime = d
	}
	if v := os.Getenv("PROCTOR_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PROCTOR_SEED: %w", err)
		}
		c.Database.Seed = n
	}
	return nil
}

// Validate checks the invariants every service constructor relies on.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if c.Clock.MinParticipants < 2 {
		return fmt.Errorf("clock.min_participants must be at least 2, got %d", c.Clock.MinParticipants)
	}
	if c.LoadBalance.MigrateThreshold <= 0 {
		return fmt.Errorf("loadbalance.migrate_threshold must be positive, got %d", c.LoadBalance.MigrateThreshold)
	}
	if c.LoadBalance.BatchSize <= 0 {
		return fmt.Errorf("loadbalance.batch_size must be positive, got %d", c.LoadBalance.BatchSize)
	}
	if c.LoadBalance.DrainInterval <= 0 || c.LoadBalance.ProcessingTime < 0 {
		return errors.New("loadbalance drain_interval must be positive and processing_time non-negative")
	}

	db := c.Database
	if db.ChunkSize <= 0 {
		return fmt.Errorf("database.chunk_size must be positive, got %d", db.ChunkSize)
	}
	if len(db.Replicas) == 0 {
		return errors.New("database.replicas cannot be empty")
	}
	if db.ReplicationFactor < 1 || db.ReplicationFactor > len(db.Replicas) {
		return fmt.Errorf("database.replication_factor must be in [1, %d], got %d",
			len(db.Replicas), db.ReplicationFactor)
	}
	for i, name := range db.Replicas {
		if name == "" {
			return errors.New("database.replicas contains an empty name")
		}
		if slices.Contains(db.Replicas[:i], name) {
			return fmt.Errorf("duplicate replica %q", name)
		}
	}
	seen := make(map[string]bool, len(db.Roster))
	for _, s := range db.Roster {
		if s.RollNumber == "" {
			return errors.New("roster entry with empty roll_number")
		}
		if seen[s.RollNumber] {
			return fmt.Errorf("duplicate roll_number %q", s.RollNumber)
		}
		seen[s.RollNumber] = true
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
