package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Routing  RoutingConfig  `yaml:"routing"`
	Session  SessionConfig  `yaml:"session"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Debate   DebateConfig   `yaml:"debate"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Feeds    []FeedItem     `yaml:"feeds"`
	Filter   FilterConfig   `yaml:"filter"`
}

// DatabaseConfig configures the primary and its read replicas.
type DatabaseConfig struct {
	Driver   string     `yaml:"driver"` // "sqlite" or "postgres"
	Primary  Endpoint   `yaml:"primary"`
	Replicas []Endpoint `yaml:"replicas"`
}

// Endpoint is one named database connection.
type Endpoint struct {
	Name string `yaml:"name"`
	DSN  string `yaml:"dsn"`
}

// RoutingConfig configures read/write routing.
type RoutingConfig struct {
	PinningSeconds int      `yaml:"pinning_seconds"`
	PinningKey     string   `yaml:"pinning_key"`
	CookieName     string   `yaml:"cookie_name"`
	ReferenceKinds []string `yaml:"reference_kinds"`
}

// PinningPeriod returns the read-your-writes grace period.
func (r RoutingConfig) PinningPeriod() time.Duration {
	return time.Duration(r.PinningSeconds) * time.Second
}

// SessionConfig selects where client pins live.
type SessionConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig for the redis session backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ScheduleConfig configures background task intervals.
type ScheduleConfig struct {
	ScoreInterval  string `yaml:"score_interval"`
	RecentInterval string `yaml:"recent_interval"`
	ImportInterval string `yaml:"import_interval"`
}

// ParseScoreInterval returns the score interval as time.Duration.
func (s ScheduleConfig) ParseScoreInterval() time.Duration {
	return parseDuration(s.ScoreInterval, 10*time.Minute)
}

// ParseRecentInterval returns the recent activity interval as time.Duration.
func (s ScheduleConfig) ParseRecentInterval() time.Duration {
	return parseDuration(s.RecentInterval, 10*time.Second)
}

// ParseImportInterval returns the feed import interval. Empty disables it.
func (s ScheduleConfig) ParseImportInterval() time.Duration {
	return parseDuration(s.ImportInterval, 0)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// ScoringConfig holds the trending formula constants.
type ScoringConfig struct {
	MinVotes    int     `yaml:"min_votes"`
	Gravity     float64 `yaml:"gravity"`
	ShortWindow string  `yaml:"short_window"`
	ShortWeight float64 `yaml:"short_weight"`
	LongWindow  string  `yaml:"long_window"`
	LongWeight  float64 `yaml:"long_weight"`
}

// ParseShortWindow returns the short recent-vote window.
func (s ScoringConfig) ParseShortWindow() time.Duration {
	return parseDuration(s.ShortWindow, 2*time.Hour)
}

// ParseLongWindow returns the long recent-vote window.
func (s ScoringConfig) ParseLongWindow() time.Duration {
	return parseDuration(s.LongWindow, 4*time.Hour)
}

// DebateConfig configures the debate itself.
type DebateConfig struct {
	// Deadline freezes rankings, RFC3339. Empty reads it from the database.
	Deadline string `yaml:"deadline"`
}

// ParseDeadline returns the static deadline, if one is configured.
func (d DebateConfig) ParseDeadline() (time.Time, bool, error) {
	if d.Deadline == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, d.Deadline)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse debate deadline %q: %w", d.Deadline, err)
	}
	return t, true, nil
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int  `yaml:"port"`
	AutoApprove bool `yaml:"auto_approve"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// FeedItem is a single feed to import submissions from.
type FeedItem struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Category string `yaml:"category"`
}

// FilterConfig configures feed entry filtering.
type FilterConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Primary: Endpoint{Name: "primary", DSN: "./debaterank.db"},
		},
		Routing: RoutingConfig{
			PinningSeconds: 10,
			PinningKey:     "master_db_pinned",
			CookieName:     "debaterank_client",
			ReferenceKinds: []string{"category"},
		},
		Session: SessionConfig{
			Backend: "memory",
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Schedule: ScheduleConfig{
			ScoreInterval:  "10m",
			RecentInterval: "10s",
		},
		Scoring: ScoringConfig{
			MinVotes:    15,
			Gravity:     1.5,
			ShortWindow: "2h",
			ShortWeight: 200,
			LongWindow:  "4h",
			LongWeight:  100,
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Primary.DSN == "" {
		return fmt.Errorf("database.primary.dsn is required")
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported session backend %q", c.Session.Backend)
	}
	if _, _, err := c.Debate.ParseDeadline(); err != nil {
		return err
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEBATERANK_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DEBATERANK_PRIMARY_DSN"); v != "" {
		cfg.Database.Primary.DSN = v
	}
	if v := os.Getenv("DEBATERANK_REPLICA_DSNS"); v != "" {
		cfg.Database.Replicas = nil
		for _, dsn := range strings.Split(v, ",") {
			dsn = strings.TrimSpace(dsn)
			if dsn == "" {
				continue
			}
			cfg.Database.Replicas = append(cfg.Database.Replicas, Endpoint{
				Name: fmt.Sprintf("replica-%d", len(cfg.Database.Replicas)+1),
				DSN:  dsn,
			})
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Session.Redis.Addr = v
		cfg.Session.Backend = "redis"
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Session.Redis.Password = v
	}
	if v := os.Getenv("DEBATERANK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DEBATERANK_DEADLINE"); v != "" {
		cfg.Debate.Deadline = v
	}
}
