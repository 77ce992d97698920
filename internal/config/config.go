package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig  `yaml:"server"`
	Gate        GateConfig    `yaml:"gate"`
	Routing     RoutingConfig `yaml:"routing"`
	Tracker     TrackerConfig `yaml:"tracker"`
	Events      EventsConfig  `yaml:"events"`
	VesselsFile string        `yaml:"vessels_file"`
	PolicyFile  string        `yaml:"policy_file"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type GateConfig struct {
	LatencyBudgetMs  int `yaml:"latency_budget_ms"`
	GracePeriodMs    int `yaml:"grace_period_ms"`
	TrackerTimeoutMs int `yaml:"tracker_timeout_ms"`
}

// RoutingConfig maps request classes to tier orderings, e.g.
// simple_qa: [tier0, tier1, tier2].
type RoutingConfig struct {
	Default     []string            `yaml:"default"`
	Preferences map[string][]string `yaml:"preferences"`
}

type TrackerConfig struct {
	Backend       string `yaml:"backend"` // memory | postgres | sqlite | redis | spanner
	DatabaseURL   string `yaml:"database_url"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	SpannerDB     string `yaml:"spanner_db"` // projects/p/instances/i/databases/d
	MaxAttempts   int    `yaml:"max_attempts"`
	QueueSize     int    `yaml:"queue_size"`
	BackoffMs     int    `yaml:"backoff_ms"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Gate: GateConfig{
			LatencyBudgetMs:  100,
			GracePeriodMs:    10,
			TrackerTimeoutMs: 250,
		},
		Routing: RoutingConfig{Default: []string{"tier1", "tier2", "tier0"}},
		Tracker: TrackerConfig{
			Backend:     "memory",
			RedisPrefix: "vesselgate:audit:",
			MaxAttempts: 5,
			QueueSize:   1024,
			BackoffMs:   200,
		},
		Events: EventsConfig{PubSubTopic: "vesselgate-events"},
	}
}

// LoadConfig reads a YAML file over the defaults, then applies VG_*
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("PORT", &c.Server.Port)
	str("VG_ENV", &c.Server.Env)
	str("VG_TRACKER_BACKEND", &c.Tracker.Backend)
	str("VG_DATABASE_URL", &c.Tracker.DatabaseURL)
	str("VG_SQLITE_PATH", &c.Tracker.SQLitePath)
	str("VG_REDIS_ADDR", &c.Tracker.RedisAddr)
	str("VG_REDIS_PASSWORD", &c.Tracker.RedisPassword)
	str("VG_SPANNER_DB", &c.Tracker.SpannerDB)
	str("VG_PUBSUB_PROJECT", &c.Events.PubSubProject)
	str("VG_PUBSUB_TOPIC", &c.Events.PubSubTopic)
	str("VG_VESSELS_FILE", &c.VesselsFile)
	str("VG_POLICY_FILE", &c.PolicyFile)

	for key, dst := range map[string]*int{
		"VG_GATE_LATENCY_BUDGET_MS":  &c.Gate.LatencyBudgetMs,
		"VG_GATE_GRACE_PERIOD_MS":    &c.Gate.GracePeriodMs,
		"VG_GATE_TRACKER_TIMEOUT_MS": &c.Gate.TrackerTimeoutMs,
		"VG_REDIS_DB":                &c.Tracker.RedisDB,
		"VG_TRACKER_MAX_ATTEMPTS":    &c.Tracker.MaxAttempts,
		"VG_TRACKER_QUEUE_SIZE":      &c.Tracker.QueueSize,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects values the gate cannot run with.
func (c *Config) Validate() error {
	if c.Gate.LatencyBudgetMs <= 0 {
		return fmt.Errorf("gate.latency_budget_ms must be positive, got %d", c.Gate.LatencyBudgetMs)
	}
	if c.Gate.GracePeriodMs < 0 {
		return fmt.Errorf("gate.grace_period_ms must not be negative")
	}
	switch strings.ToLower(c.Tracker.Backend) {
	case "memory", "":
	case "postgres":
		if c.Tracker.DatabaseURL == "" {
			return fmt.Errorf("tracker.database_url is required for the postgres backend")
		}
	case "sqlite":
		if c.Tracker.SQLitePath == "" {
			return fmt.Errorf("tracker.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if c.Tracker.RedisAddr == "" {
			return fmt.Errorf("tracker.redis_addr is required for the redis backend")
		}
	case "spanner":
		if c.Tracker.SpannerDB == "" {
			return fmt.Errorf("tracker.spanner_db is required for the spanner backend")
		}
	default:
		return fmt.Errorf("unknown tracker backend %q", c.Tracker.Backend)
	}
	return nil
}

func (g GateConfig) LatencyBudget() time.Duration {
	return time.Duration(g.LatencyBudgetMs) * time.Millisecond
}

func (g GateConfig) GracePeriod() time.Duration {
	return time.Duration(g.GracePeriodMs) * time.Millisecond
}

func (g GateConfig) TrackerTimeout() time.Duration {
	return time.Duration(g.TrackerTimeoutMs) * time.Millisecond
}

func (t TrackerConfig) Backoff() time.Duration {
	return time.Duration(t.BackoffMs) * time.Millisecond
}
