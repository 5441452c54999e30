package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete lifecycle subsystem configuration. It is an
// explicit value passed into each component constructor; there is no global
// configuration state.
type Config struct {
	DatabasePath    string `mapstructure:"database_path" yaml:"database_path"`
	BackupDir       string `mapstructure:"backup_dir" yaml:"backup_dir"`
	ArchiveDir      string `mapstructure:"archive_dir" yaml:"archive_dir"`
	VerificationDir string `mapstructure:"verification_dir" yaml:"verification_dir"`
	LogDir          string `mapstructure:"log_dir" yaml:"log_dir"`
	ConfigDir       string `mapstructure:"config_dir" yaml:"config_dir"`

	Verification VerificationConfig `mapstructure:"verification" yaml:"verification"`
	Archival     ArchivalConfig     `mapstructure:"archival" yaml:"archival"`

	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
}

// VerificationConfig holds backup verification settings
type VerificationConfig struct {
	MaxBackupAgeDays int      `mapstructure:"max_backup_age_days" yaml:"max_backup_age_days"`
	SampleSize       int      `mapstructure:"sample_size" yaml:"sample_size"`
	CriticalTables   []string `mapstructure:"critical_tables" yaml:"critical_tables"`
}

// ArchivalConfig holds retention policies and snapshot settings
type ArchivalConfig struct {
	// Compression selects the snapshot codec: gzip, zstd, or lz4
	Compression string `mapstructure:"compression" yaml:"compression"`
	// Tables maps archivable table names to their date column and retention
	Tables map[string]TablePolicy `mapstructure:"tables" yaml:"tables"`
	// DefaultRetentionDays applies to tables without an explicit policy
	DefaultRetentionDays int `mapstructure:"default_retention_days" yaml:"default_retention_days"`
	// LogRetentionDays applies to flat log files under LogDir
	LogRetentionDays int `mapstructure:"log_retention_days" yaml:"log_retention_days"`
}

// TablePolicy describes how one table is archived
type TablePolicy struct {
	DateColumn    string `mapstructure:"date_column" yaml:"date_column"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

// SetDefaults fills in default values for any unset fields
func (c *Config) SetDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join("data", "canary_protocol.db")
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join("data", "backups")
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join("data", "archives")
	}
	if c.VerificationDir == "" {
		c.VerificationDir = filepath.Join("data", "verification")
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.ConfigDir == "" {
		c.ConfigDir = "config"
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 30 * time.Second
	}

	if c.Verification.MaxBackupAgeDays == 0 {
		c.Verification.MaxBackupAgeDays = 30
	}
	if c.Verification.SampleSize == 0 {
		c.Verification.SampleSize = 100
	}
	if len(c.Verification.CriticalTables) == 0 {
		c.Verification.CriticalTables = []string{"weekly_digests", "daily_headlines", "user_feedback"}
	}

	if c.Archival.Compression == "" {
		c.Archival.Compression = "gzip"
	}
	if c.Archival.DefaultRetentionDays == 0 {
		c.Archival.DefaultRetentionDays = 365
	}
	if c.Archival.LogRetentionDays == 0 {
		c.Archival.LogRetentionDays = 90
	}
	if len(c.Archival.Tables) == 0 {
		c.Archival.Tables = DefaultTablePolicies()
	}
}

// DefaultTablePolicies returns the built-in per-table retention policies.
// Raw feed data ages out first, time-series indicators later, digests and
// feedback are kept the longest.
func DefaultTablePolicies() map[string]TablePolicy {
	return map[string]TablePolicy{
		"daily_headlines":             {DateColumn: "date", RetentionDays: 365},
		"daily_economic":              {DateColumn: "date", RetentionDays: 730},
		"weekly_digests":              {DateColumn: "date", RetentionDays: 1095},
		"user_feedback":               {DateColumn: "digest_date", RetentionDays: 1095},
		"individual_article_feedback": {DateColumn: "digest_date", RetentionDays: 1095},
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}

	switch c.Archival.Compression {
	case "gzip", "zstd", "lz4":
	default:
		return fmt.Errorf("unsupported archival compression %q (expected gzip, zstd, or lz4)", c.Archival.Compression)
	}

	if c.Verification.SampleSize < 0 {
		return fmt.Errorf("verification sample_size must not be negative")
	}
	if c.Verification.MaxBackupAgeDays < 0 {
		return fmt.Errorf("verification max_backup_age_days must not be negative")
	}

	for table, policy := range c.Archival.Tables {
		if policy.DateColumn == "" {
			return fmt.Errorf("archival table %q has no date_column", table)
		}
		if policy.RetentionDays < 0 {
			return fmt.Errorf("archival table %q has negative retention_days", table)
		}
	}

	return nil
}

// RetentionDays returns the retention window for a table, falling back to the
// default policy when the table has no explicit entry
func (c *Config) RetentionDays(table string) int {
	if policy, ok := c.Archival.Tables[table]; ok && policy.RetentionDays > 0 {
		return policy.RetentionDays
	}
	return c.Archival.DefaultRetentionDays
}

// Load builds a Config from the given viper instance, applies defaults, and
// validates the result
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// NewDefaultConfig returns a Config populated entirely with defaults
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
