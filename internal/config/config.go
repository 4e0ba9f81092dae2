package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var DefaultColumns = []string{"name", "gender", "class_level", "home_state", "major", "extracurricular"}

type LocalConfig struct {
	Type     string         `yaml:"type"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	DSN         string            `yaml:"dsn"`
	MaxConns    int32             `yaml:"max_conns"`
	Replication ReplicationConfig `yaml:"replication"`
}

type ReplicationConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Slot              string `yaml:"slot"`
	Publication       string `yaml:"publication"`
	CreatePublication bool   `yaml:"create_publication"`
	CreateSlot        bool   `yaml:"create_slot"`
}

type ExternalConfig struct {
	Type   string       `yaml:"type"`
	Sheets SheetsConfig `yaml:"sheets"`
}

type SheetsConfig struct {
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	SheetName       string `yaml:"sheet_name"`
	SheetID         int64  `yaml:"sheet_id"`
	// DataStartRow is the 1-based sheet row holding the first record.
	DataStartRow    int    `yaml:"data_start_row"`
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
}

type Mapping struct {
	Table    string   `yaml:"table"`
	IDColumn string   `yaml:"id_column"`
	Columns  []string `yaml:"columns"`
}

type SyncConfig struct {
	DrainIntervalMs   int `yaml:"drain_interval_ms"`
	BatchSize         int `yaml:"batch_size"`
	ExternalTimeoutMs int `yaml:"external_timeout_ms"`
	LocalTimeoutMs    int `yaml:"local_timeout_ms"`
}

func (s SyncConfig) DrainInterval() time.Duration {
	return time.Duration(s.DrainIntervalMs) * time.Millisecond
}

func (s SyncConfig) ExternalTimeout() time.Duration {
	return time.Duration(s.ExternalTimeoutMs) * time.Millisecond
}

func (s SyncConfig) LocalTimeout() time.Duration {
	return time.Duration(s.LocalTimeoutMs) * time.Millisecond
}

type KafkaReports struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ReportsConfig struct {
	Type  string       `yaml:"type"`
	Kafka KafkaReports `yaml:"kafka"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Config struct {
	Local    LocalConfig    `yaml:"local"`
	External ExternalConfig `yaml:"external"`
	Mapping  Mapping        `yaml:"mapping"`
	Sync     SyncConfig     `yaml:"sync"`
	Reports  ReportsConfig  `yaml:"reports"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, errors.New("CONFIG_PATH is not set")
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Local.Type == "" {
		c.Local.Type = "postgres"
	}
	if c.Local.Postgres.MaxConns <= 0 {
		c.Local.Postgres.MaxConns = 8
	}
	if c.Local.Postgres.Replication.Slot == "" {
		c.Local.Postgres.Replication.Slot = "sheetsync_changes"
	}
	if c.Local.Postgres.Replication.Publication == "" {
		c.Local.Postgres.Replication.Publication = "sheetsync_pub"
	}
	if c.External.Type == "" {
		c.External.Type = "sheets"
	}
	if c.External.Sheets.SheetName == "" {
		c.External.Sheets.SheetName = "Sheet1"
	}
	if c.External.Sheets.DataStartRow <= 0 {
		c.External.Sheets.DataStartRow = 2
	}
	if c.Mapping.Table == "" {
		c.Mapping.Table = "students"
	}
	if c.Mapping.IDColumn == "" {
		c.Mapping.IDColumn = "row_id"
	}
	if len(c.Mapping.Columns) == 0 {
		c.Mapping.Columns = append([]string(nil), DefaultColumns...)
	}
	if c.Sync.DrainIntervalMs <= 0 {
		c.Sync.DrainIntervalMs = 5000
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.ExternalTimeoutMs <= 0 {
		c.Sync.ExternalTimeoutMs = 30000
	}
	if c.Sync.LocalTimeoutMs <= 0 {
		c.Sync.LocalTimeoutMs = 10000
	}
	if c.Reports.Type == "" {
		c.Reports.Type = "none"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":3000"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
}

func (c Config) Validate() error {
	switch c.Local.Type {
	case "postgres":
		if c.Local.Postgres.DSN == "" {
			return errors.New("local.postgres.dsn is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown local store type %q", c.Local.Type)
	}
	switch c.External.Type {
	case "sheets":
		if c.External.Sheets.SpreadsheetID == "" {
			return errors.New("external.sheets.spreadsheet_id is required")
		}
		if c.External.Sheets.CredentialsFile == "" {
			return errors.New("external.sheets.credentials_file is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown external source type %q", c.External.Type)
	}
	switch c.Reports.Type {
	case "none":
	case "kafka":
		if len(c.Reports.Kafka.Brokers) == 0 || c.Reports.Kafka.Topic == "" {
			return errors.New("reports.kafka needs brokers and topic")
		}
	default:
		return fmt.Errorf("unknown reports type %q", c.Reports.Type)
	}
	if c.Local.Postgres.Replication.Enabled && c.Local.Type != "postgres" {
		return errors.New("replication watcher requires the postgres local store")
	}
	seen := make(map[string]bool, len(c.Mapping.Columns))
	for _, col := range c.Mapping.Columns {
		if col == c.Mapping.IDColumn {
			return fmt.Errorf("column %q collides with id_column", col)
		}
		if seen[col] {
			return fmt.Errorf("duplicate column %q", col)
		}
		seen[col] = true
	}
	return nil
}
