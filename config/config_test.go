package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "redis://localhost:6379/0", cfg.Coordination.RedisURL)
	assert.Equal(t, "coord", cfg.Coordination.KeyPrefix)
	assert.Equal(t, []string{"security", "performance", "style"}, cfg.Swarm.DefaultReviewers)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 7*24*time.Hour, cfg.Coordination.MessageTTL())
	assert.Equal(t, 5*time.Minute, cfg.Coordination.PresenceTimeout())
	assert.Equal(t, 300*time.Second, cfg.Swarm.TaskTimeout())
	assert.Equal(t, 60*time.Second, cfg.Swarm.AggregateTimeout())
	assert.Equal(t, 86400*time.Second, cfg.Swarm.ResultTTL())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty redis url", func(c *Config) { c.Coordination.RedisURL = "" }},
		{"empty key prefix", func(c *Config) { c.Coordination.KeyPrefix = "" }},
		{"zero message ttl", func(c *Config) { c.Coordination.MessageTTLDays = 0 }},
		{"zero timeline size", func(c *Config) { c.Coordination.TimelineMaxSize = 0 }},
		{"zero presence timeout", func(c *Config) { c.Coordination.PresenceTimeoutMinutes = 0 }},
		{"empty swarm prefix", func(c *Config) { c.Swarm.KeyPrefix = "" }},
		{"zero task timeout", func(c *Config) { c.Swarm.TaskTimeoutSeconds = 0 }},
		{"zero aggregate timeout", func(c *Config) { c.Swarm.AggregateTimeoutSeconds = 0 }},
		{"zero max swarms", func(c *Config) { c.Swarm.MaxConcurrentSwarms = 0 }},
		{"zero result ttl", func(c *Config) { c.Swarm.ResultTTLSeconds = 0 }},
		{"nil threshold", func(c *Config) { c.Swarm.DuplicateSimilarityThreshold = nil }},
		{"threshold above one", func(c *Config) { c.Swarm.DuplicateSimilarityThreshold = float64Ptr(1.5) }},
		{"threshold negative", func(c *Config) { c.Swarm.DuplicateSimilarityThreshold = float64Ptr(-0.1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Coordination.KeyPrefix = "myproject"
	cfg.Swarm.AllowedPathPrefixes = []string{"/src/**"}

	path := filepath.Join(t.TempDir(), "semswarm.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestMergeOverridesNonZeroOnly(t *testing.T) {
	base := DefaultConfig()
	other := &Config{}
	other.Coordination.KeyPrefix = "override"
	other.Swarm.MaxConcurrentSwarms = 9

	base.Merge(other)

	assert.Equal(t, "override", base.Coordination.KeyPrefix)
	assert.Equal(t, 9, base.Swarm.MaxConcurrentSwarms)
	// Untouched fields keep their defaults.
	assert.Equal(t, "redis://localhost:6379/0", base.Coordination.RedisURL)
	assert.Equal(t, 300, base.Swarm.TaskTimeoutSeconds)
}

func TestMergeHonorsExplicitZeroThreshold(t *testing.T) {
	base := DefaultConfig()
	other := &Config{}
	other.Swarm.DuplicateSimilarityThreshold = float64Ptr(0)

	base.Merge(other)

	assert.Equal(t, 0.0, base.Swarm.SimilarityThreshold())

	// A config that never mentions the threshold leaves the default alone.
	base = DefaultConfig()
	base.Merge(&Config{})
	assert.Equal(t, 0.80, base.Swarm.SimilarityThreshold())
}

func TestLoaderHonorsExplicitZeroThreshold(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Chdir(tmp)

	project := DefaultConfig()
	project.Swarm.DuplicateSimilarityThreshold = float64Ptr(0)
	require.NoError(t, project.SaveToFile(filepath.Join(tmp, "semswarm.yaml")))

	cfg, err := NewLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Swarm.SimilarityThreshold())
}

func TestLoaderLayersAndEnv(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Chdir(tmp)

	t.Setenv("SEMSWARM_KEY_PREFIX", "envprefix")
	t.Setenv("SEMSWARM_MESSAGE_TTL_DAYS", "3")
	t.Setenv("SEMSWARM_DEFAULT_REVIEWERS", "security, style")

	cfg, err := NewLoader(nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "envprefix", cfg.Coordination.KeyPrefix)
	assert.Equal(t, 3, cfg.Coordination.MessageTTLDays)
	assert.Equal(t, []string{"security", "style"}, cfg.Swarm.DefaultReviewers)
	// Everything else falls through to defaults.
	assert.Equal(t, "redis://localhost:6379/0", cfg.Coordination.RedisURL)
}

func TestLoaderProjectConfigPrecedence(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Chdir(tmp)

	project := DefaultConfig()
	project.Coordination.KeyPrefix = "projectprefix"
	require.NoError(t, project.SaveToFile(filepath.Join(tmp, "semswarm.yaml")))

	cfg, err := NewLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, "projectprefix", cfg.Coordination.KeyPrefix)

	// Environment beats the project file.
	t.Setenv("SEMSWARM_KEY_PREFIX", "envwins")
	cfg, err = NewLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, "envwins", cfg.Coordination.KeyPrefix)
}

func TestEnvInvalidIntFails(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Chdir(tmp)
	t.Setenv("SEMSWARM_MESSAGE_TTL_DAYS", "lots")

	_, err := NewLoader(nil).Load()
	require.Error(t, err)
}
