package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port             string
	DBPath           string
	AuditPath        string
	Token            string
	Timezone         string
	CatalogPath      string
	PassInterval     time.Duration
	DispatchInterval time.Duration
	NotifyTimeout    time.Duration
	RetryBackoff     time.Duration
	MaxSignalAge     time.Duration
	Notifiers        []string
	WebhookURL       string
	WebhookToken     string
	RedisAddr        string
	RedisChannel     string
	AvailableMinutes int
	RateLimit        int
	CORSOrigins      []string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("ANCHOR_PORT", "8080"),
		DBPath:       getEnv("ANCHOR_DB_PATH", ""),
		AuditPath:    getEnv("ANCHOR_AUDIT_PATH", ""),
		Token:        getEnv("ANCHOR_TOKEN", ""),
		Timezone:     getEnv("ANCHOR_TIMEZONE", "Europe/London"),
		CatalogPath:  getEnv("ANCHOR_CATALOG_PATH", ""),
		Notifiers:    splitList(getEnv("ANCHOR_NOTIFIERS", "log")),
		WebhookURL:   getEnv("ANCHOR_WEBHOOK_URL", ""),
		WebhookToken: getEnv("ANCHOR_WEBHOOK_TOKEN", ""),
		RedisAddr:    getEnv("ANCHOR_REDIS_ADDR", ""),
		RedisChannel: getEnv("ANCHOR_REDIS_CHANNEL", "anchor:notifications"),
		CORSOrigins:  splitList(getEnv("ANCHOR_CORS_ORIGINS", "*")),
	}

	var err error
	if cfg.PassInterval, err = getDuration("ANCHOR_PASS_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.DispatchInterval, err = getDuration("ANCHOR_DISPATCH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.NotifyTimeout, err = getDuration("ANCHOR_NOTIFY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryBackoff, err = getDuration("ANCHOR_RETRY_BACKOFF", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxSignalAge, err = getDuration("ANCHOR_MAX_SIGNAL_AGE", 48*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AvailableMinutes, err = getInt("ANCHOR_AVAILABLE_MINUTES", 15); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = getInt("ANCHOR_RATE_LIMIT", 60); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("ANCHOR_DB_PATH is required")
	}
	if c.AuditPath == "" {
		return fmt.Errorf("ANCHOR_AUDIT_PATH is required")
	}
	if c.Token == "" {
		return fmt.Errorf("ANCHOR_TOKEN is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("ANCHOR_TIMEZONE: %w", err)
	}
	for _, n := range c.Notifiers {
		switch n {
		case "log", "websocket":
		case "webhook":
			if c.WebhookURL == "" {
				return fmt.Errorf("ANCHOR_WEBHOOK_URL is required for the webhook notifier")
			}
		case "redis":
			if c.RedisAddr == "" {
				return fmt.Errorf("ANCHOR_REDIS_ADDR is required for the redis notifier")
			}
		default:
			return fmt.Errorf("unknown notifier %q", n)
		}
	}
	if c.AvailableMinutes <= 0 {
		return fmt.Errorf("ANCHOR_AVAILABLE_MINUTES must be > 0")
	}
	return nil
}

// Location returns the configured timezone, falling back to UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HasNotifier reports whether a notifier sink is enabled
func (c *Config) HasNotifier(name string) bool {
	for _, n := range c.Notifiers {
		if n == name {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
