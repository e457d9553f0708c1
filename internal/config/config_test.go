package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, 8, cfg.LoadBalance.MigrateThreshold)
	assert.Equal(t, 15, cfg.LoadBalance.BatchSize)
	assert.Equal(t, 7, cfg.Database.ChunkSize)
	assert.Equal(t, 2, cfg.Database.ReplicationFactor)
	assert.Equal(t, []string{"R1", "R2", "R3"}, cfg.Database.Replicas)
	require.Len(t, cfg.Database.Roster, 28)
	assert.Equal(t, "23102A0055", cfg.Database.Roster[0].RollNumber)
	assert.Equal(t, "SHRAVANI CHAVAN", cfg.Database.Roster[0].Name)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proctor.yaml")
	raw := `
addr: ":9090"
loadbalance:
  migrate_threshold: 3
  drain_interval: 500ms
database:
  chunk_size: 2
  roster:
    - roll_number: A1
      name: Alice
    - roll_number: B2
      name: Bob
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 3, cfg.LoadBalance.MigrateThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.LoadBalance.DrainInterval)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.LoadBalance.ProcessingTime)
	assert.Equal(t, 2, cfg.Database.ChunkSize)
	assert.Equal(t, []Student{{"A1", "Alice"}, {"B2", "Bob"}}, cfg.Database.Roster)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PROCTOR_ADDR", ":7000")
	t.Setenv("PROCTOR_MIGRATE_THRESHOLD", "5")
	t.Setenv("PROCTOR_DRAIN_INTERVAL", "1s")
	t.Setenv("PROCTOR_SEED", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, 5, cfg.LoadBalance.MigrateThreshold)
	assert.Equal(t, time.Second, cfg.LoadBalance.DrainInterval)
	assert.Equal(t, uint64(7), cfg.Database.Seed)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("PROCTOR_MIGRATE_THRESHOLD", "many")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"one participant", func(c *Config) { c.Clock.MinParticipants = 1 }},
		{"zero threshold", func(c *Config) { c.LoadBalance.MigrateThreshold = 0 }},
		{"zero batch size", func(c *Config) { c.LoadBalance.BatchSize = 0 }},
		{"zero drain interval", func(c *Config) { c.LoadBalance.DrainInterval = 0 }},
		{"zero chunk size", func(c *Config) { c.Database.ChunkSize = 0 }},
		{"no replicas", func(c *Config) { c.Database.Replicas = nil }},
		{"replication factor too high", func(c *Config) { c.Database.ReplicationFactor = 4 }},
		{"duplicate replica", func(c *Config) { c.Database.Replicas = []string{"R1", "R1"} }},
		{"duplicate roll", func(c *Config) {
			c.Database.Roster = []Student{{"A", "x"}, {"A", "y"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
