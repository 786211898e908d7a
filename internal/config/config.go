package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/otel"
	"github.com/basket/haggle/internal/pricing"
)

// EngineConfig sizes the agent worker pool and queue.
type EngineConfig struct {
	WorkerCount        int `yaml:"worker_count"`
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	PollIntervalMillis int `yaml:"poll_interval_ms"`
	// MaxQueueDepth is the in-flight task count at which new offers stop
	// being scheduled. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`
	// StaleTaskMinutes is how long a task may sit in processing before the
	// recovery job puts it back on the queue.
	StaleTaskMinutes int `yaml:"stale_task_minutes"`
}

type CronConfig struct {
	ExpireNegotiations string `yaml:"expire_negotiations"`
	RecoverTasks       string `yaml:"recover_tasks"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// NotifyConfig controls seller notifications for agent activity.
type NotifyConfig struct {
	// MinConfidence is the confidence at or above which non-accept
	// decisions are also notified.
	MinConfidence float64        `yaml:"min_confidence"`
	Telegram      TelegramConfig `yaml:"telegram"`
}

// APIKeyEntry is one accepted gateway key.
type APIKeyEntry struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	// Actor binds the key to one marketplace participant. Requests made with
	// it act as that participant; empty means an operator key.
	Actor string `yaml:"actor"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
	// OffersPerHour caps offers and messages per actor on top of the request
	// limit. 0 disables the cap.
	OffersPerHour int `yaml:"offers_per_hour"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	// DBPath defaults to <home>/haggle.db.
	DBPath string `yaml:"db_path"`

	// Bounded drain timeout (seconds) for in-flight agent tasks on shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Engine      EngineConfig      `yaml:"engine"`
	Negotiation negotiation.Rules `yaml:"negotiation"`
	Pricing     pricing.Params    `yaml:"pricing"`
	Cron        CronConfig        `yaml:"cron"`
	Notify      NotifyConfig      `yaml:"notify"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Telemetry   otel.Config       `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// TaskTimeout is the per-task processing deadline.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Engine.TaskTimeoutSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalMillis) * time.Millisecond
}

func (c Config) StaleTaskAfter() time.Duration {
	return time.Duration(c.Engine.StaleTaskMinutes) * time.Minute
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour, so a reload can tell whether anything actually moved.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|engine=%+v|rules=%+v|pricing=%+v|cron=%+v|notify=%v/%v/%d|auth=%t/%d|rate=%+v|origins=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.Engine, c.Negotiation, c.Pricing, c.Cron,
		c.Notify.MinConfidence, c.Notify.Telegram.Enabled, c.Notify.Telegram.ChatID,
		c.Auth.Enabled, len(c.Auth.Keys), c.RateLimit, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Engine: EngineConfig{
			WorkerCount:        4,
			TaskTimeoutSeconds: 30,
			PollIntervalMillis: 250,
			MaxQueueDepth:      1000,
			StaleTaskMinutes:   5,
		},
		Negotiation: negotiation.DefaultRules(),
		Pricing:     pricing.DefaultParams(),
		Cron: CronConfig{
			ExpireNegotiations: "*/5 * * * *",
			RecoverTasks:       "* * * * *",
		},
		Notify: NotifyConfig{MinConfidence: 0.8},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			BurstSize:         20,
			OffersPerHour:     30,
		},
		Telemetry: otel.Config{Exporter: "otlp-http", SampleRate: 1.0},
	}
}

func HomeDir() string {
	if override := os.Getenv("HAGGLE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".haggle")
}

// Load reads the config for HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom builds the config from defaults, <homeDir>/config.yaml and
// HAGGLE_* environment overrides, in that order. A missing config.yaml is
// not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create haggle home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "haggle.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.Engine.WorkerCount <= 0 {
		cfg.Engine.WorkerCount = def.Engine.WorkerCount
	}
	if cfg.Engine.TaskTimeoutSeconds <= 0 {
		cfg.Engine.TaskTimeoutSeconds = def.Engine.TaskTimeoutSeconds
	}
	if cfg.Engine.PollIntervalMillis <= 0 {
		cfg.Engine.PollIntervalMillis = def.Engine.PollIntervalMillis
	}
	if cfg.Engine.StaleTaskMinutes <= 0 {
		cfg.Engine.StaleTaskMinutes = def.Engine.StaleTaskMinutes
	}
	if strings.TrimSpace(cfg.Cron.ExpireNegotiations) == "" {
		cfg.Cron.ExpireNegotiations = def.Cron.ExpireNegotiations
	}
	if strings.TrimSpace(cfg.Cron.RecoverTasks) == "" {
		cfg.Cron.RecoverTasks = def.Cron.RecoverTasks
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = def.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = def.RateLimit.BurstSize
	}
	if cfg.RateLimit.OffersPerHour < 0 {
		cfg.RateLimit.OffersPerHour = 0
	}
	if cfg.Notify.Telegram.Token != "" && cfg.Notify.Telegram.ChatID != 0 {
		cfg.Notify.Telegram.Enabled = true
	}
}

func validate(cfg Config) error {
	var errs []error
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel))
	}
	if err := cfg.Negotiation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("negotiation: %w", err))
	}
	if err := cfg.Pricing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pricing: %w", err))
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Engine.MaxQueueDepth < 0 {
		errs = append(errs, errors.New("engine.max_queue_depth must be >= 0"))
	}
	if cfg.Notify.MinConfidence < 0 || cfg.Notify.MinConfidence > 1 {
		errs = append(errs, errors.New("notify.min_confidence must be in [0,1]"))
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		errs = append(errs, errors.New("auth.enabled requires at least one key"))
	}
	for i, k := range cfg.Auth.Keys {
		if strings.TrimSpace(k.Key) == "" {
			errs = append(errs, fmt.Errorf("auth.keys[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HAGGLE_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.WorkerCount = v
		}
	}
	if raw := os.Getenv("HAGGLE_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("HAGGLE_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("HAGGLE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("HAGGLE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HAGGLE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("HAGGLE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("HAGGLE_API_KEY"); raw != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Keys = append(cfg.Auth.Keys, APIKeyEntry{Key: raw, Description: "env"})
	}
	if raw := os.Getenv("HAGGLE_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = raw
	}
	if raw := os.Getenv("HAGGLE_OTEL_HEADERS"); raw != "" {
		cfg.Telemetry.Headers = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
	if raw := os.Getenv("HAGGLE_TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Notify.Telegram.ChatID = v
		}
	}
}
