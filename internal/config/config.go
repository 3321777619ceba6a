package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete mdpilot configuration
type Config struct {
	Workdir      string             `mapstructure:"workdir"`
	Loop         LoopConfig         `mapstructure:"loop"`
	Job          JobConfig          `mapstructure:"job"`
	Slurm        SlurmConfig        `mapstructure:"slurm"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Structure    StructureConfig    `mapstructure:"structure"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// LoopConfig bounds a pipeline run
type LoopConfig struct {
	// MaxInvocations caps how many capability invocations one run may
	// dispatch before it is aborted (default: 50)
	MaxInvocations int `mapstructure:"max_invocations"`
	// RecallLimit caps corrections recalled from memory per query (default: 5)
	RecallLimit int `mapstructure:"recall_limit"`
}

// JobConfig controls asynchronous job polling and retries
type JobConfig struct {
	// Runner selects the job backend
	// Options: "local", "slurm"
	Runner string `mapstructure:"runner"`
	// PollMinSeconds is the initial poll interval for job status (default: 2)
	PollMinSeconds int `mapstructure:"poll_min_seconds"`
	// PollMaxSeconds caps the poll interval after backoff (default: 120)
	PollMaxSeconds int `mapstructure:"poll_max_seconds"`
	// MaxWallClockMinutes is the maximum total runtime per job before it is
	// marked timed out (default: 1440, i.e. 24h)
	MaxWallClockMinutes int `mapstructure:"max_wall_clock_minutes"`
	// MaxAttempts is how many consecutive transient poll failures are
	// retried before the job is marked failed (default: 4)
	MaxAttempts int `mapstructure:"max_attempts"`
}

// SlurmConfig holds cluster submission settings, used when job.runner is "slurm"
type SlurmConfig struct {
	// Partition is the Slurm partition jobs are submitted to
	Partition string `mapstructure:"partition"`
	// Account is the Slurm billing account, empty to use the cluster default
	Account string `mapstructure:"account"`
}

// MemoryConfig controls the corrective-memory store
type MemoryConfig struct {
	// Enabled turns correction recall and storage on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Path is the SQLite database file; empty means <workdir>/memory.db
	Path string `mapstructure:"path"`
}

// CapabilitiesConfig controls where capability definitions come from
type CapabilitiesConfig struct {
	// File is a YAML capability definition file layered over the
	// built-in set; empty means built-ins only
	File string `mapstructure:"file"`
}

// StructureConfig controls structure retrieval
type StructureConfig struct {
	// DownloadURL is the base URL PDB structures are fetched from
	DownloadURL string `mapstructure:"download_url"`
	// TimeoutSeconds bounds one download request (default: 60)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether file logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// PollMin returns the initial poll interval as a time.Duration
func (c *JobConfig) PollMin() time.Duration {
	return time.Duration(c.PollMinSeconds) * time.Second
}

// PollMax returns the poll interval cap as a time.Duration
func (c *JobConfig) PollMax() time.Duration {
	return time.Duration(c.PollMaxSeconds) * time.Second
}

// MaxWallClock returns the per-job runtime limit as a time.Duration
func (c *JobConfig) MaxWallClock() time.Duration {
	return time.Duration(c.MaxWallClockMinutes) * time.Minute
}

// Timeout returns the download timeout as a time.Duration
func (c *StructureConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MemoryPath returns the resolved corrective-memory database path.
func (c *Config) MemoryPath() string {
	if c.Memory.Path != "" {
		return c.Memory.Path
	}
	return filepath.Join(c.Workdir, "memory.db")
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Workdir: ".",
		Loop: LoopConfig{
			MaxInvocations: 50,
			RecallLimit:    5,
		},
		Job: JobConfig{
			Runner:              "local",
			PollMinSeconds:      2,
			PollMaxSeconds:      120,
			MaxWallClockMinutes: 1440, // 24h
			MaxAttempts:         4,
		},
		Slurm: SlurmConfig{
			Partition: "",
			Account:   "",
		},
		Memory: MemoryConfig{
			Enabled: true,
			Path:    "", // Empty means <workdir>/memory.db
		},
		Capabilities: CapabilitiesConfig{
			File: "",
		},
		Structure: StructureConfig{
			DownloadURL:    "https://files.rcsb.org/download",
			TimeoutSeconds: 60,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("workdir", defaults.Workdir)

	// Loop defaults
	viper.SetDefault("loop.max_invocations", defaults.Loop.MaxInvocations)
	viper.SetDefault("loop.recall_limit", defaults.Loop.RecallLimit)

	// Job defaults
	viper.SetDefault("job.runner", defaults.Job.Runner)
	viper.SetDefault("job.poll_min_seconds", defaults.Job.PollMinSeconds)
	viper.SetDefault("job.poll_max_seconds", defaults.Job.PollMaxSeconds)
	viper.SetDefault("job.max_wall_clock_minutes", defaults.Job.MaxWallClockMinutes)
	viper.SetDefault("job.max_attempts", defaults.Job.MaxAttempts)

	// Slurm defaults
	viper.SetDefault("slurm.partition", defaults.Slurm.Partition)
	viper.SetDefault("slurm.account", defaults.Slurm.Account)

	// Memory defaults
	viper.SetDefault("memory.enabled", defaults.Memory.Enabled)
	viper.SetDefault("memory.path", defaults.Memory.Path)

	// Capabilities defaults
	viper.SetDefault("capabilities.file", defaults.Capabilities.File)

	// Structure defaults
	viper.SetDefault("structure.download_url", defaults.Structure.DownloadURL)
	viper.SetDefault("structure.timeout_seconds", defaults.Structure.TimeoutSeconds)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mdpilot")
	}
	// Fall back to ~/.config/mdpilot
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mdpilot"
	}
	return filepath.Join(home, ".config", "mdpilot")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
