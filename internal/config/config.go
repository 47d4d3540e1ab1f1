package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path
const EnvConfigPath = "ENV_BACKUP_CONFIG"

// ErrConfig marks every configuration error; it is fatal for a run
var ErrConfig = errors.New("configuration error")

// Archiver strategy names
const (
	StrategyAuto   = "auto"
	StrategyGNU    = "gnu"
	StrategyBSD    = "bsd"
	StrategyNative = "native"
)

// Fingerprint algorithm names
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmBLAKE3 = "blake3"
)

// DefaultSchedule is used by the schedule command when schedule.cron is empty
const DefaultSchedule = "@hourly"

// Config represents the complete envbackup configuration
type Config struct {
	Backups     []Entry           `yaml:"backups"`
	Archiver    ArchiverConfig    `yaml:"archiver"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	State       StateConfig       `yaml:"state"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
}

// Entry identifies one backup target
type Entry struct {
	Name       string `yaml:"name"`
	Source     string `yaml:"source"`
	Latest     string `yaml:"latest"`
	ArchiveDir string `yaml:"archive_dir"`
	// Type is accepted for older config files; the source kind is always
	// detected from the filesystem
	Type string `yaml:"type,omitempty"`
}

// ArchiverConfig selects how directories are archived
type ArchiverConfig struct {
	Strategy string `yaml:"strategy"`
	TempDir  string `yaml:"temp_dir"`
}

// FingerprintConfig selects the content hash
type FingerprintConfig struct {
	Algorithm string `yaml:"algorithm"`
}

// StateConfig configures the optional run ledger
type StateConfig struct {
	LedgerPath string `yaml:"ledger_path"`
}

// ScheduleConfig configures the schedule command
type ScheduleConfig struct {
	Cron string `yaml:"cron"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfig, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %w", ErrConfig, err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %w", ErrConfig, err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path fields
func (c *Config) expandEnv() {
	for i := range c.Backups {
		e := &c.Backups[i]
		e.Source = os.ExpandEnv(e.Source)
		e.Latest = os.ExpandEnv(e.Latest)
		e.ArchiveDir = os.ExpandEnv(e.ArchiveDir)
	}
	c.Archiver.TempDir = os.ExpandEnv(c.Archiver.TempDir)
	c.State.LedgerPath = os.ExpandEnv(c.State.LedgerPath)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Archiver.Strategy == "" {
		c.Archiver.Strategy = StrategyAuto
	}
	if c.Fingerprint.Algorithm == "" {
		c.Fingerprint.Algorithm = AlgorithmSHA256
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = DefaultSchedule
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Backups) == 0 {
		return fmt.Errorf("backups: at least one entry is required")
	}

	names := make(map[string]bool, len(c.Backups))
	for i, e := range c.Backups {
		if e.Name == "" {
			return fmt.Errorf("backups[%d].name is required", i)
		}
		if names[e.Name] {
			return fmt.Errorf("backups[%d]: duplicate name %q", i, e.Name)
		}
		names[e.Name] = true

		if e.Source == "" {
			return fmt.Errorf("backups[%d] (%s): source is required", i, e.Name)
		}
		if e.Latest == "" {
			return fmt.Errorf("backups[%d] (%s): latest is required", i, e.Name)
		}
		if e.ArchiveDir == "" {
			return fmt.Errorf("backups[%d] (%s): archive_dir is required", i, e.Name)
		}
		if filepath.Clean(e.Source) == filepath.Clean(e.Latest) {
			return fmt.Errorf("backups[%d] (%s): latest must differ from source", i, e.Name)
		}
	}

	switch c.Archiver.Strategy {
	case StrategyAuto, StrategyGNU, StrategyBSD, StrategyNative:
		// valid
	default:
		return fmt.Errorf("invalid archiver.strategy: %s (must be auto, gnu, bsd, or native)", c.Archiver.Strategy)
	}

	switch c.Fingerprint.Algorithm {
	case AlgorithmSHA256, AlgorithmBLAKE3:
		// valid
	default:
		return fmt.Errorf("invalid fingerprint.algorithm: %s (must be sha256 or blake3)", c.Fingerprint.Algorithm)
	}

	if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
		return fmt.Errorf("invalid schedule.cron %q: %w", c.Schedule.Cron, err)
	}

	return nil
}

// Entry returns the backup entry with the given name
func (c *Config) Entry(name string) (Entry, bool) {
	for _, e := range c.Backups {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// DefaultPath returns the config path used when none is given explicitly:
// $ENV_BACKUP_CONFIG if set, else ~/.config/envbackup/config.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "envbackup", "config.yaml"), nil
}
