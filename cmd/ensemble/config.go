package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/rendis/ensemble/internal/plugins"
)

// Config holds all ensemble configuration.
// Priority: env vars > .env > settings.json > defaults.
type Config struct {
	DBPath            string   `json:"db_path"`
	DefinitionsDir    string   `json:"definitions_dir"`
	RedisURL          string   `json:"redis_url"`
	NATSURL           string   `json:"nats_url"`
	LogLevel          string   `json:"log_level"`
	MaxConcurrency    int      `json:"max_concurrency"`
	ApprovalTTL       Duration `json:"approval_ttl"`
	AlarmPollInterval Duration `json:"alarm_poll_interval"`
	SealingPassphrase string   `json:"sealing_passphrase"`
	SealingSalt       string   `json:"sealing_salt"`

	// AgentServers are MCP servers whose tools become agents. settings.json only.
	AgentServers []plugins.ServerConfig `json:"agent_servers,omitempty"`
}

// Duration reads "90s"-style strings from settings.json.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(ensembleDir(), "ensemble.db"),
		DefinitionsDir:    filepath.Join(ensembleDir(), "ensembles"),
		LogLevel:          "info",
		MaxConcurrency:    8,
		ApprovalTTL:       Duration(24 * time.Hour),
		AlarmPollInterval: Duration(30 * time.Second),
	}
}

func ensembleDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ensemble"
	}
	return filepath.Join(home, ".ensemble")
}

func settingsPath() string {
	return filepath.Join(ensembleDir(), "settings.json")
}

// loadConfig layers settings.json, the dotenv file and ENSEMBLE_* variables
// over the defaults. Missing files are skipped; malformed ones are errors.
func loadConfig(envFile string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", settingsPath(), err)
	}

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = m
		case !errors.Is(err, fs.ErrNotExist):
			return cfg, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	getenv := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	if v := getenv("ENSEMBLE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("ENSEMBLE_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := getenv("ENSEMBLE_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := getenv("ENSEMBLE_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := getenv("ENSEMBLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("ENSEMBLE_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("ENSEMBLE_MAX_CONCURRENCY: %w", err)
		}
		cfg.MaxConcurrency = n
	}
	if v := getenv("ENSEMBLE_APPROVAL_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("ENSEMBLE_APPROVAL_TTL: %w", err)
		}
		cfg.ApprovalTTL = Duration(d)
	}
	if v := getenv("ENSEMBLE_ALARM_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("ENSEMBLE_ALARM_POLL_INTERVAL: %w", err)
		}
		cfg.AlarmPollInterval = Duration(d)
	}
	if v := getenv("ENSEMBLE_SEALING_PASSPHRASE"); v != "" {
		cfg.SealingPassphrase = v
	}
	if v := getenv("ENSEMBLE_SEALING_SALT"); v != "" {
		cfg.SealingSalt = v
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.SealingPassphrase != "" && c.SealingSalt == "" {
		return errors.New("sealing_salt is required with sealing_passphrase")
	}
	if c.ApprovalTTL <= 0 {
		return errors.New("approval_ttl must be positive")
	}
	if c.AlarmPollInterval <= 0 {
		return errors.New("alarm_poll_interval must be positive")
	}
	return nil
}
