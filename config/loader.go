package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semswarm.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semswarm"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"

	// EnvPrefix is the prefix for environment variable overrides
	EnvPrefix = "SEMSWARM_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semswarm/config.yaml)
// 3. Project config (semswarm.yaml in current or parent directories)
// 4. Environment variables (SEMSWARM_*)
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// Apply environment overrides
	if err := applyEnv(config); err != nil {
		return nil, err
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semswarm.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// applyEnv applies SEMSWARM_* environment variable overrides to config.
// Unrecognized SEMSWARM_ variables are ignored; malformed numeric values
// fail the load.
func applyEnv(config *Config) error {
	if v := os.Getenv(EnvPrefix + "REDIS_URL"); v != "" {
		config.Coordination.RedisURL = v
	}
	if v := os.Getenv(EnvPrefix + "KEY_PREFIX"); v != "" {
		config.Coordination.KeyPrefix = v
	}
	if err := envInt(EnvPrefix+"MESSAGE_TTL_DAYS", &config.Coordination.MessageTTLDays); err != nil {
		return err
	}
	if err := envInt(EnvPrefix+"TIMELINE_MAX_SIZE", &config.Coordination.TimelineMaxSize); err != nil {
		return err
	}
	if err := envInt(EnvPrefix+"PRESENCE_TIMEOUT_MINUTES", &config.Coordination.PresenceTimeoutMinutes); err != nil {
		return err
	}

	if v := os.Getenv(EnvPrefix + "SWARM_KEY_PREFIX"); v != "" {
		config.Swarm.KeyPrefix = v
	}
	if err := envInt(EnvPrefix+"TASK_TIMEOUT_SECONDS", &config.Swarm.TaskTimeoutSeconds); err != nil {
		return err
	}
	if err := envInt(EnvPrefix+"AGGREGATE_TIMEOUT_SECONDS", &config.Swarm.AggregateTimeoutSeconds); err != nil {
		return err
	}
	if err := envInt(EnvPrefix+"MAX_CONCURRENT_SWARMS", &config.Swarm.MaxConcurrentSwarms); err != nil {
		return err
	}
	if err := envInt(EnvPrefix+"RESULT_TTL_SECONDS", &config.Swarm.ResultTTLSeconds); err != nil {
		return err
	}
	if v := os.Getenv(EnvPrefix + "DUPLICATE_SIMILARITY_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sDUPLICATE_SIMILARITY_THRESHOLD: %w", EnvPrefix, err)
		}
		config.Swarm.DuplicateSimilarityThreshold = &f
	}
	if v := os.Getenv(EnvPrefix + "DEFAULT_REVIEWERS"); v != "" {
		config.Swarm.DefaultReviewers = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "ALLOWED_PATH_PREFIXES"); v != "" {
		config.Swarm.AllowedPathPrefixes = splitList(v)
	}

	return nil
}

// envInt parses an integer environment variable into dst if set.
func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

// splitList splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
