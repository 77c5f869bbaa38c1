// Package config loads, validates and writes the qmsledger configuration
// from ~/.qmsledger/config.yaml.
//
// The config defines:
//   - HTTP bind address for `qmsledger serve`
//   - Ledger storage driver (memory, sqlite, postgres)
//   - Verification limits (quick window, page size, break cap)
//   - Scheduled verification and Kafka ingestion
//
// Environment variables override the file. A .env file next to
// config.yaml is read as well; variables already set in the process
// environment win over it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the top-level qmsledger configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Verification VerificationConfig `yaml:"verification"`
	Report       ReportConfig       `yaml:"report"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
}

// ServerConfig defines where `qmsledger serve` listens.
// Default: 127.0.0.1:3200.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects the ledger store. Path is used by sqlite,
// DatabaseURL by postgres.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"databaseUrl"`
}

// VerificationConfig bounds verification work.
//
// QuickCount is the default quick-verify window; MaxQuickCount caps what an
// HTTP caller may ask for. PageSize is the full-verify read page.
type VerificationConfig struct {
	QuickCount    int `yaml:"quickCount"`
	MaxQuickCount int `yaml:"maxQuickCount"`
	PageSize      int `yaml:"pageSize"`
	MaxBreaks     int `yaml:"maxBreaks"`
}

// ReportConfig fills the header of inspection reports.
type ReportConfig struct {
	System   string `yaml:"system"`
	Standard string `yaml:"standard"`
	TopN     int    `yaml:"topN"`
}

// MonitorConfig schedules verification runs inside `qmsledger serve`.
// Schedules use robfig/cron syntax (six fields with seconds, or
// descriptors such as @hourly).
type MonitorConfig struct {
	Enabled       bool   `yaml:"enabled"`
	QuickSchedule string `yaml:"quickSchedule"`
	FullSchedule  string `yaml:"fullSchedule"`
}

// IngestConfig configures the Kafka consumer that appends published events.
type IngestConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	GroupID  string   `yaml:"groupId"`
	Attempts int      `yaml:"attempts"`
}

// DashboardConfig controls the live feed served at /dashboard/ws.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Dir returns the qmsledger home directory (~/.qmsledger), or
// $QMSLEDGER_HOME when set.
func Dir() string {
	if d := os.Getenv("QMSLEDGER_HOME"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qmsledger"
	}
	return filepath.Join(home, ".qmsledger")
}

// Load reads config.yaml from path, then applies environment overrides.
// A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := applyDefaults(filepath.Dir(path))

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run: defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	lookup, err := envLookup(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a commented default config.yaml.
func WriteDefault(path string) error {
	cfg := applyDefaults(filepath.Dir(path))
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# qmsledger configuration
#
# server:        bind address of "qmsledger serve" (loopback by default)
# storage:
#   driver:      memory | sqlite | postgres
#   path:        SQLite ledger file
#   databaseUrl: PostgreSQL connection URL
# verification:  quick-verify window, HTTP cap, page size, break cap
# report:        inspection report header
# monitor:       scheduled quick/full verification (cron syntax with seconds)
# ingest:        Kafka consumer appending published audit events
#
# Environment overrides: QMSLEDGER_STORAGE_DRIVER, QMSLEDGER_DATABASE_URL,
# QMSLEDGER_SQLITE_PATH, QMSLEDGER_PORT, QMSLEDGER_KAFKA_BROKERS,
# QMSLEDGER_KAFKA_TOPIC. A .env file in this directory is read too.

`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with every field at its default. dir is
// where the SQLite ledger lives.
func applyDefaults(dir string) *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(dir, "ledger.db"),
		},
		Verification: VerificationConfig{
			QuickCount:    100,
			MaxQuickCount: 10000,
			PageSize:      1000,
			MaxBreaks:     100,
		},
		Report: ReportConfig{
			System:   "QMS audit ledger",
			Standard: "ISO 13485:2016 §4.2.5",
			TopN:     10,
		},
		Monitor: MonitorConfig{
			Enabled:       true,
			QuickSchedule: "@hourly",
			FullSchedule:  "0 0 2 * * *",
		},
		Ingest: IngestConfig{
			Topic:    "qms.audit.events",
			GroupID:  "qmsledger",
			Attempts: 5,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
	}
}

// envLookup returns a lookup over the process environment with the .env
// file at path as fallback. A missing .env is not an error.
func envLookup(path string) (func(string) (string, bool), error) {
	dotenv, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		dotenv = nil
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

// applyEnv overrides config fields from environment variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("QMSLEDGER_STORAGE_DRIVER"); ok && v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := lookup("QMSLEDGER_SQLITE_PATH"); ok && v != "" {
		cfg.Storage.Path = v
	}
	if v, ok := lookup("QMSLEDGER_DATABASE_URL"); ok && v != "" {
		cfg.Storage.DatabaseURL = v
		// A database URL without an explicit driver means postgres.
		if _, set := lookup("QMSLEDGER_STORAGE_DRIVER"); !set {
			cfg.Storage.Driver = DriverPostgres
		}
	}
	if v, ok := lookup("QMSLEDGER_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QMSLEDGER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("QMSLEDGER_KAFKA_BROKERS"); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Ingest.Brokers = brokers
		cfg.Ingest.Enabled = len(brokers) > 0
	}
	if v, ok := lookup("QMSLEDGER_KAFKA_TOPIC"); ok && v != "" {
		cfg.Ingest.Topic = v
	}
	return nil
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.databaseUrl is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q: want memory, sqlite or postgres", cfg.Storage.Driver)
	}

	v := cfg.Verification
	if v.QuickCount < 1 || v.MaxQuickCount < v.QuickCount {
		return fmt.Errorf("verification: need 1 <= quickCount <= maxQuickCount, got %d and %d", v.QuickCount, v.MaxQuickCount)
	}
	if v.PageSize < 1 {
		return fmt.Errorf("verification.pageSize must be positive")
	}
	if v.MaxBreaks < 0 {
		return fmt.Errorf("verification.maxBreaks must be non-negative")
	}
	if cfg.Report.TopN < 1 {
		return fmt.Errorf("report.topN must be positive")
	}

	if cfg.Monitor.Enabled {
		for name, spec := range map[string]string{
			"monitor.quickSchedule": cfg.Monitor.QuickSchedule,
			"monitor.fullSchedule":  cfg.Monitor.FullSchedule,
		} {
			if spec == "" {
				continue
			}
			if _, err := cron.Parse(spec); err != nil {
				return fmt.Errorf("%s %q: %w", name, spec, err)
			}
		}
	}

	if cfg.Ingest.Enabled {
		if len(cfg.Ingest.Brokers) == 0 {
			return fmt.Errorf("ingest.brokers is required when ingest is enabled")
		}
		if cfg.Ingest.Topic == "" || cfg.Ingest.GroupID == "" {
			return fmt.Errorf("ingest.topic and ingest.groupId are required when ingest is enabled")
		}
		if cfg.Ingest.Attempts < 1 {
			return fmt.Errorf("ingest.attempts must be positive")
		}
	}
	return nil
}
