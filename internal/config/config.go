// Package config provides configuration management for faultline.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Defaults.
const (
	DefaultWorkerHost    = "127.0.0.1"
	DefaultWorkerPort    = 38700
	DefaultDBDriver      = "sqlite"
	DefaultMaxConns      = 4
	DefaultAnalyzerURL   = "http://localhost:8000"
	DefaultEnrichTimeout = 30
	DefaultEnrichWorkers = 2
	DefaultEnrichBuffer  = 256
	DefaultLogLevel      = "info"

	dataDirName      = ".faultline"
	dbFileName       = "faultline.db"
	settingsFileName = "settings.json"
	rulesFileName    = "rules.yaml"
)

// Config holds faultline settings. JSON keys double as environment variable
// names; a set environment variable wins over the settings file.
type Config struct {
	WorkerHost    string `json:"FAULTLINE_WORKER_HOST"`
	DBDriver      string `json:"FAULTLINE_DB_DRIVER"`
	DBPath        string `json:"FAULTLINE_DB_PATH"`
	DBDSN         string `json:"FAULTLINE_DB_DSN"`
	AnalyzerURL   string `json:"FAULTLINE_ANALYZER_URL"`
	RulesPath     string `json:"FAULTLINE_RULES_PATH"`
	LogLevel      string `json:"FAULTLINE_LOG_LEVEL"`
	WorkerPort    int    `json:"FAULTLINE_WORKER_PORT"`
	MaxConns      int    `json:"FAULTLINE_MAX_CONNS"`
	EnrichTimeout int    `json:"FAULTLINE_ENRICH_TIMEOUT"`
	EnrichWorkers int    `json:"FAULTLINE_ENRICH_WORKERS"`
	EnrichBuffer  int    `json:"FAULTLINE_ENRICH_BUFFER"`
}

var (
	global     *Config
	globalOnce sync.Once
)

// DataDir returns the faultline data directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, dataDirName)
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), dbFileName)
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), settingsFileName)
}

// RulesPath returns the default placeholder rules file path.
func RulesPath() string {
	return filepath.Join(DataDir(), rulesFileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkerHost:    DefaultWorkerHost,
		WorkerPort:    DefaultWorkerPort,
		DBDriver:      DefaultDBDriver,
		DBPath:        DBPath(),
		MaxConns:      DefaultMaxConns,
		AnalyzerURL:   DefaultAnalyzerURL,
		EnrichTimeout: DefaultEnrichTimeout,
		EnrichWorkers: DefaultEnrichWorkers,
		EnrichBuffer:  DefaultEnrichBuffer,
		RulesPath:     RulesPath(),
		LogLevel:      DefaultLogLevel,
	}
}

// Load reads the settings file over the defaults and applies environment
// overrides. A missing or unreadable settings file is not an error.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			log.Warn().Err(err).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
			cfg = Default()
		}
	case !os.IsNotExist(err):
		log.Warn().Err(err).Str("path", SettingsPath()).Msg("Cannot read settings file, using defaults")
	}

	cfg.applyEnv()
	cfg.fillZero()
	return cfg, nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		global = cfg
	})
	return global
}

// GetWorkerPort returns the worker port, preferring FAULTLINE_WORKER_PORT.
func GetWorkerPort() int {
	if port, ok := envInt("FAULTLINE_WORKER_PORT"); ok && port > 0 {
		return port
	}
	return Get().WorkerPort
}

// EnrichTimeoutDuration returns the per-job enrichment timeout.
func (c *Config) EnrichTimeoutDuration() time.Duration {
	return time.Duration(c.EnrichTimeout) * time.Second
}

// EnsureDataDir creates the data directory if needed.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and default settings.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

func (c *Config) applyEnv() {
	for key, dst := range map[string]*string{
		"FAULTLINE_WORKER_HOST":  &c.WorkerHost,
		"FAULTLINE_DB_DRIVER":    &c.DBDriver,
		"FAULTLINE_DB_PATH":      &c.DBPath,
		"FAULTLINE_DB_DSN":       &c.DBDSN,
		"FAULTLINE_ANALYZER_URL": &c.AnalyzerURL,
		"FAULTLINE_RULES_PATH":   &c.RulesPath,
		"FAULTLINE_LOG_LEVEL":    &c.LogLevel,
	} {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	for key, dst := range map[string]*int{
		"FAULTLINE_WORKER_PORT":    &c.WorkerPort,
		"FAULTLINE_MAX_CONNS":      &c.MaxConns,
		"FAULTLINE_ENRICH_TIMEOUT": &c.EnrichTimeout,
		"FAULTLINE_ENRICH_WORKERS": &c.EnrichWorkers,
		"FAULTLINE_ENRICH_BUFFER":  &c.EnrichBuffer,
	} {
		if v, ok := envInt(key); ok && v > 0 {
			*dst = v
		}
	}
}

// fillZero restores defaults for numeric settings left at zero.
func (c *Config) fillZero() {
	if c.WorkerPort <= 0 {
		c.WorkerPort = DefaultWorkerPort
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.EnrichTimeout <= 0 {
		c.EnrichTimeout = DefaultEnrichTimeout
	}
	if c.EnrichWorkers <= 0 {
		c.EnrichWorkers = DefaultEnrichWorkers
	}
	if c.EnrichBuffer <= 0 {
		c.EnrichBuffer = DefaultEnrichBuffer
	}
	if c.DBDriver == "" {
		c.DBDriver = DefaultDBDriver
	}
	if c.DBPath == "" {
		c.DBPath = DBPath()
	}
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
