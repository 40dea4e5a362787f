// Package config loads heraldwatch's runtime configuration, layered as
// defaults -> optional YAML file -> environment variables. Environment
// variables are the authoritative production surface; the YAML file exists
// to let an operator pin defaults for local/dry-run use without exporting a
// wall of env vars.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved runtime configuration for one tick.
type Config struct {
	WarmapURL string `yaml:"warmap_url"`

	AttackWindow    time.Duration `yaml:"attack_window"`
	CaptureWindow   time.Duration `yaml:"capture_window"`
	ActivitySession time.Duration `yaml:"activity_session"`
	ActivityBigRP   int           `yaml:"activity_big_delta"`
	ActivityReping  time.Duration `yaml:"activity_reping"`

	StrictDelivery bool `yaml:"strict_delivery"`

	Webhooks Webhooks `yaml:"webhooks"`

	TrackedPlayers []TrackedPlayer `yaml:"tracked_players"`

	LogLevel string `yaml:"log_level"`

	AdminToken string `yaml:"admin_token"`
	AdminAddr  string `yaml:"admin_addr"`

	Redis RedisConfig `yaml:"redis"`
}

// Webhooks holds the ordered endpoint list per notification channel.
type Webhooks struct {
	UA      []string `yaml:"ua"`
	Capture []string `yaml:"capture"`
	Players []string `yaml:"players"`
}

// TrackedPlayer is one entry of the static tracked-player roster.
type TrackedPlayer struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Realm string `yaml:"realm" json:"realm"`
	URL   string `yaml:"url" json:"url"`
}

// RedisConfig configures the KV backend when running against Redis instead
// of the in-process store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func defaultConfig() *Config {
	return &Config{
		AttackWindow:    7 * time.Minute,
		CaptureWindow:   12 * time.Minute,
		ActivitySession: 30 * time.Minute,
		ActivityBigRP:   500,
		ActivityReping:  10 * time.Minute,
		StrictDelivery:  false,
		LogLevel:        "info",
		AdminAddr:       "127.0.0.1:8090",
	}
}

// Load reads a YAML config file from path, falling back to built-in
// defaults for any field the file omits, then applies environment variable
// overrides. An empty path skips the file and applies env overrides to the
// defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.WarmapURL) == "" {
		return nil, fmt.Errorf("HERALD_WARMAP_URL is required")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("HERALD_WARMAP_URL"); ok {
		cfg.WarmapURL = v
	}
	if err := envDuration("ATTACK_WINDOW_MIN", &cfg.AttackWindow); err != nil {
		return err
	}
	if err := envDuration("CAPTURE_WINDOW_MIN", &cfg.CaptureWindow); err != nil {
		return err
	}
	if err := envDuration("ACTIVITY_SESSION_MIN", &cfg.ActivitySession); err != nil {
		return err
	}
	if err := envDuration("ACTIVITY_REPING_MIN", &cfg.ActivityReping); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("ACTIVITY_BIG_DELTA"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ACTIVITY_BIG_DELTA: %w", err)
		}
		cfg.ActivityBigRP = n
	}
	if v, ok := os.LookupEnv("STRICT_DELIVERY"); ok {
		cfg.StrictDelivery = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("ADMIN_TOKEN"); ok {
		cfg.AdminToken = v
	}
	if v, ok := os.LookupEnv("ADMIN_ADDR"); ok {
		cfg.AdminAddr = v
	}
	if v, ok := os.LookupEnv("WEBHOOKS_UA"); ok {
		cfg.Webhooks.UA = splitList(v)
	}
	if v, ok := os.LookupEnv("WEBHOOKS_CAPTURE"); ok {
		cfg.Webhooks.Capture = splitList(v)
	}
	if v, ok := os.LookupEnv("WEBHOOKS_PLAYERS"); ok {
		cfg.Webhooks.Players = splitList(v)
	}
	if v, ok := os.LookupEnv("TRACKED_PLAYERS"); ok && strings.TrimSpace(v) != "" {
		var players []TrackedPlayer
		if err := json.Unmarshal([]byte(v), &players); err != nil {
			return fmt.Errorf("TRACKED_PLAYERS: %w", err)
		}
		cfg.TrackedPlayers = players
	}
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	minutes, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = time.Duration(minutes) * time.Minute
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Diff compares two configs and returns human-readable descriptions of
// which hot-reloadable knobs changed. Server-level fields (AdminAddr) are
// excluded: changing the listen address requires a restart.
func Diff(old, new *Config) []string {
	var changes []string

	if old.AttackWindow != new.AttackWindow {
		changes = append(changes, fmt.Sprintf("attack_window: %s -> %s", old.AttackWindow, new.AttackWindow))
	}
	if old.CaptureWindow != new.CaptureWindow {
		changes = append(changes, fmt.Sprintf("capture_window: %s -> %s", old.CaptureWindow, new.CaptureWindow))
	}
	if old.ActivitySession != new.ActivitySession {
		changes = append(changes, fmt.Sprintf("activity_session: %s -> %s", old.ActivitySession, new.ActivitySession))
	}
	if old.ActivityBigRP != new.ActivityBigRP {
		changes = append(changes, fmt.Sprintf("activity_big_delta: %d -> %d", old.ActivityBigRP, new.ActivityBigRP))
	}
	if old.ActivityReping != new.ActivityReping {
		changes = append(changes, fmt.Sprintf("activity_reping: %s -> %s", old.ActivityReping, new.ActivityReping))
	}
	if old.StrictDelivery != new.StrictDelivery {
		changes = append(changes, fmt.Sprintf("strict_delivery: %v -> %v", old.StrictDelivery, new.StrictDelivery))
	}
	if len(old.TrackedPlayers) != len(new.TrackedPlayers) {
		changes = append(changes, fmt.Sprintf("tracked_players: %d -> %d entries", len(old.TrackedPlayers), len(new.TrackedPlayers)))
	}
	return changes
}
