// Package config loads server settings from an optional YAML file, a .env
// file and the environment, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port       string `yaml:"port"`
	Production bool   `yaml:"production"`

	Store StoreConfig `yaml:"store"`

	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	DailyLimit   string `yaml:"daily_limit"`
	MonthlyLimit string `yaml:"monthly_limit"`

	// RewardProgram names a tier/limit/referral file; see rewards/program.go.
	RewardProgram string `yaml:"reward_program"`

	// JWTSecret enables bearer-token auth when non-empty.
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
}

func Default() *Config {
	return &Config{
		Port: "8080",
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "./data/rcn.db",
		},
		SessionTTL:     24 * time.Hour,
		SweepInterval:  5 * time.Minute,
		DailyLimit:     "50",
		MonthlyLimit:   "500",
		AllowedOrigins: []string{"*"},
	}
}

// Load builds a Config from defaults, then the YAML file named by
// RCN_CONFIG (if any), then .env, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RCN_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Store.Driver = getEnv("RCN_STORE", c.Store.Driver)
	c.Store.SQLitePath = getEnv("RCN_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.DailyLimit = getEnv("RCN_DAILY_LIMIT", c.DailyLimit)
	c.MonthlyLimit = getEnv("RCN_MONTHLY_LIMIT", c.MonthlyLimit)
	c.RewardProgram = getEnv("RCN_REWARD_PROGRAM", c.RewardProgram)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)

	var err error
	if c.Production, err = getEnvAsBool("RCN_PRODUCTION", c.Production); err != nil {
		return err
	}
	if c.SessionTTL, err = getEnvAsDuration("RCN_SESSION_TTL", c.SessionTTL); err != nil {
		return err
	}
	if c.SweepInterval, err = getEnvAsDuration("RCN_SWEEP_INTERVAL", c.SweepInterval); err != nil {
		return err
	}
	c.AllowedOrigins = getEnvAsSlice("CORS_ALLOWED_ORIGINS", c.AllowedOrigins)
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store driver %q requires DATABASE_URL", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive, got %s", c.SessionTTL)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvAsSlice(key string, fallback []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
