// Package config provides configuration loading and management for semswarm.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete semswarm configuration
type Config struct {
	Coordination CoordinationConfig `yaml:"coordination"`
	Swarm        SwarmConfig        `yaml:"swarm"`
}

// CoordinationConfig configures the coordination substrate
type CoordinationConfig struct {
	// RedisURL is the Redis endpoint (default: redis://localhost:6379/0)
	RedisURL string `yaml:"redis_url"`
	// KeyPrefix namespaces all coordination keys and channels
	KeyPrefix string `yaml:"key_prefix"`
	// MessageTTLDays is the message retention in days (minimum 1)
	MessageTTLDays int `yaml:"message_ttl_days"`
	// TimelineMaxSize bounds the timeline sorted set
	TimelineMaxSize int `yaml:"timeline_max_size"`
	// PresenceTimeoutMinutes is the heartbeat staleness window
	PresenceTimeoutMinutes int `yaml:"presence_timeout_minutes"`
}

// MessageTTL returns the message TTL as a duration.
func (c CoordinationConfig) MessageTTL() time.Duration {
	return time.Duration(c.MessageTTLDays) * 24 * time.Hour
}

// PresenceTimeout returns the presence staleness window as a duration.
func (c CoordinationConfig) PresenceTimeout() time.Duration {
	return time.Duration(c.PresenceTimeoutMinutes) * time.Minute
}

// SwarmConfig configures the parallel review swarm orchestrator
type SwarmConfig struct {
	// KeyPrefix namespaces swarm session keys
	KeyPrefix string `yaml:"key_prefix"`
	// TaskTimeoutSeconds bounds a single swarm dispatch
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	// AggregateTimeoutSeconds bounds report aggregation
	AggregateTimeoutSeconds int `yaml:"aggregate_timeout_seconds"`
	// MaxConcurrentSwarms bounds simultaneous sessions
	MaxConcurrentSwarms int `yaml:"max_concurrent_swarms"`
	// DefaultReviewers are dispatched when the caller names none
	DefaultReviewers []string `yaml:"default_reviewers"`
	// ResultTTLSeconds is the session state retention
	ResultTTLSeconds int `yaml:"result_ttl_seconds"`
	// DuplicateSimilarityThreshold is the title-similarity cutoff for
	// finding deduplication (0.0-1.0). A pointer so an explicit 0.0
	// survives merging; nil means unset.
	DuplicateSimilarityThreshold *float64 `yaml:"duplicate_similarity_threshold"`
	// AllowedPathPrefixes restricts review targets; entries may be plain
	// prefixes or doublestar glob patterns. Empty allows all paths.
	AllowedPathPrefixes []string `yaml:"allowed_path_prefixes"`
}

// TaskTimeout returns the per-dispatch timeout as a duration.
func (c SwarmConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// AggregateTimeout returns the aggregation timeout as a duration.
func (c SwarmConfig) AggregateTimeout() time.Duration {
	return time.Duration(c.AggregateTimeoutSeconds) * time.Second
}

// ResultTTL returns the session retention as a duration.
func (c SwarmConfig) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLSeconds) * time.Second
}

// SimilarityThreshold returns the deduplication threshold value, or 0 when
// unset.
func (c SwarmConfig) SimilarityThreshold() float64 {
	if c.DuplicateSimilarityThreshold == nil {
		return 0
	}
	return *c.DuplicateSimilarityThreshold
}

func float64Ptr(f float64) *float64 { return &f }

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Coordination: CoordinationConfig{
			RedisURL:               "redis://localhost:6379/0",
			KeyPrefix:              "coord",
			MessageTTLDays:         7,
			TimelineMaxSize:        1000,
			PresenceTimeoutMinutes: 5,
		},
		Swarm: SwarmConfig{
			KeyPrefix:                    "swarm",
			TaskTimeoutSeconds:           300,
			AggregateTimeoutSeconds:      60,
			MaxConcurrentSwarms:          5,
			DefaultReviewers:             []string{"security", "performance", "style"},
			ResultTTLSeconds:             86400,
			DuplicateSimilarityThreshold: float64Ptr(0.80),
			AllowedPathPrefixes:          nil, // Allow all
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Coordination.RedisURL == "" {
		return fmt.Errorf("coordination.redis_url is required")
	}
	if c.Coordination.KeyPrefix == "" {
		return fmt.Errorf("coordination.key_prefix is required")
	}
	if c.Coordination.MessageTTLDays < 1 {
		return fmt.Errorf("coordination.message_ttl_days must be at least 1, got %d", c.Coordination.MessageTTLDays)
	}
	if c.Coordination.TimelineMaxSize < 1 {
		return fmt.Errorf("coordination.timeline_max_size must be positive, got %d", c.Coordination.TimelineMaxSize)
	}
	if c.Coordination.PresenceTimeoutMinutes < 1 {
		return fmt.Errorf("coordination.presence_timeout_minutes must be positive, got %d", c.Coordination.PresenceTimeoutMinutes)
	}
	if c.Swarm.KeyPrefix == "" {
		return fmt.Errorf("swarm.key_prefix is required")
	}
	if c.Swarm.TaskTimeoutSeconds < 1 {
		return fmt.Errorf("swarm.task_timeout_seconds must be positive, got %d", c.Swarm.TaskTimeoutSeconds)
	}
	if c.Swarm.AggregateTimeoutSeconds < 1 {
		return fmt.Errorf("swarm.aggregate_timeout_seconds must be positive, got %d", c.Swarm.AggregateTimeoutSeconds)
	}
	if c.Swarm.MaxConcurrentSwarms < 1 {
		return fmt.Errorf("swarm.max_concurrent_swarms must be positive, got %d", c.Swarm.MaxConcurrentSwarms)
	}
	if c.Swarm.ResultTTLSeconds < 1 {
		return fmt.Errorf("swarm.result_ttl_seconds must be positive, got %d", c.Swarm.ResultTTLSeconds)
	}
	if c.Swarm.DuplicateSimilarityThreshold == nil {
		return fmt.Errorf("swarm.duplicate_similarity_threshold is required")
	}
	if t := *c.Swarm.DuplicateSimilarityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("swarm.duplicate_similarity_threshold must be between 0 and 1, got %v", t)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Coordination
	if other.Coordination.RedisURL != "" {
		c.Coordination.RedisURL = other.Coordination.RedisURL
	}
	if other.Coordination.KeyPrefix != "" {
		c.Coordination.KeyPrefix = other.Coordination.KeyPrefix
	}
	if other.Coordination.MessageTTLDays != 0 {
		c.Coordination.MessageTTLDays = other.Coordination.MessageTTLDays
	}
	if other.Coordination.TimelineMaxSize != 0 {
		c.Coordination.TimelineMaxSize = other.Coordination.TimelineMaxSize
	}
	if other.Coordination.PresenceTimeoutMinutes != 0 {
		c.Coordination.PresenceTimeoutMinutes = other.Coordination.PresenceTimeoutMinutes
	}

	// Swarm
	if other.Swarm.KeyPrefix != "" {
		c.Swarm.KeyPrefix = other.Swarm.KeyPrefix
	}
	if other.Swarm.TaskTimeoutSeconds != 0 {
		c.Swarm.TaskTimeoutSeconds = other.Swarm.TaskTimeoutSeconds
	}
	if other.Swarm.AggregateTimeoutSeconds != 0 {
		c.Swarm.AggregateTimeoutSeconds = other.Swarm.AggregateTimeoutSeconds
	}
	if other.Swarm.MaxConcurrentSwarms != 0 {
		c.Swarm.MaxConcurrentSwarms = other.Swarm.MaxConcurrentSwarms
	}
	if len(other.Swarm.DefaultReviewers) > 0 {
		c.Swarm.DefaultReviewers = other.Swarm.DefaultReviewers
	}
	if other.Swarm.ResultTTLSeconds != 0 {
		c.Swarm.ResultTTLSeconds = other.Swarm.ResultTTLSeconds
	}
	if other.Swarm.DuplicateSimilarityThreshold != nil {
		c.Swarm.DuplicateSimilarityThreshold = other.Swarm.DuplicateSimilarityThreshold
	}
	if len(other.Swarm.AllowedPathPrefixes) > 0 {
		c.Swarm.AllowedPathPrefixes = other.Swarm.AllowedPathPrefixes
	}
}
