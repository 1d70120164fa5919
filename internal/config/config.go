package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"port"`
	PublicOrigin   string        `mapstructure:"public_origin"`
	InternalSecret string        `mapstructure:"internal_secret"`
	Store          Store         `mapstructure:"store"`
	Database       Database      `mapstructure:"database"`
	Mongo          Mongo         `mapstructure:"mongo"`
	Redis          Redis         `mapstructure:"redis"`
	Sweep          Sweep         `mapstructure:"sweep"`
	StaleClaim     StaleClaim    `mapstructure:"stale_claim"`
	Token          Token         `mapstructure:"token"`
	State          State         `mapstructure:"state"`
	TikTok         TikTok        `mapstructure:"tiktok"`
	Reconcile      Reconcile     `mapstructure:"reconcile"`
	Log            Log           `mapstructure:"log"`
	ShutdownWait   time.Duration `mapstructure:"shutdown_wait"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
}

type Database struct {
	URL           string `mapstructure:"url"`
	MigrationsURL string `mapstructure:"migrations_url"`
}

type Mongo struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Sweep configures the scheduled-post sweeper. CallTimeout bounds each Publish-Now
// self-call; a pass itself has no deadline. A zero LeaseTTL lets the sweeper size
// the lease from BatchSize and CallTimeout.
type Sweep struct {
	Enabled     bool          `mapstructure:"enabled"`
	Schedule    string        `mapstructure:"schedule"`
	BatchSize   int           `mapstructure:"batch_size"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl"`
}

type StaleClaim struct {
	After    time.Duration `mapstructure:"after"`
	Interval time.Duration `mapstructure:"interval"`
}

type Token struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type State struct {
	SigningKey string        `mapstructure:"signing_key"`
	TTL        time.Duration `mapstructure:"ttl"`
}

type TikTok struct {
	ClientKey     string        `mapstructure:"client_key"`
	ClientSecret  string        `mapstructure:"client_secret"`
	RedirectURL   string        `mapstructure:"redirect_url"`
	APIBaseURL    string        `mapstructure:"api_base_url"`
	AuthURL       string        `mapstructure:"auth_url"`
	PostMode      string        `mapstructure:"post_mode"`
	PollAttempts  int           `mapstructure:"poll_attempts"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RPS           float64       `mapstructure:"rps"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
	WebhookVerify bool          `mapstructure:"webhook_verify"`
}

type Reconcile struct {
	StrictOrdering bool `mapstructure:"strict_ordering"`
	LooseMatch     bool `mapstructure:"loose_match"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"port":                      "18911",
	"public_origin":             "",
	"internal_secret":           "",
	"store.driver":              "postgres",
	"database.url":              "",
	"database.migrations_url":   "file://db/migrations",
	"mongo.uri":                 "",
	"mongo.database":            "crosspost",
	"redis.addr":                "",
	"redis.password":            "",
	"redis.db":                  0,
	"sweep.enabled":             true,
	"sweep.schedule":            "@every 1m",
	"sweep.batch_size":          20,
	"sweep.call_timeout":        "70s",
	"sweep.lease_ttl":           "0s",
	"stale_claim.after":         "15m",
	"stale_claim.interval":      "5m",
	"token.encryption_key":      "",
	"state.signing_key":         "",
	"state.ttl":                 "10m",
	"tiktok.client_key":         "",
	"tiktok.client_secret":      "",
	"tiktok.redirect_url":       "",
	"tiktok.api_base_url":       "https://open.tiktokapis.com",
	"tiktok.auth_url":           "https://www.tiktok.com/v2/auth/authorize/",
	"tiktok.post_mode":          "direct",
	"tiktok.poll_attempts":      5,
	"tiktok.poll_interval":      "2s",
	"tiktok.rps":                1.0,
	"tiktok.burst":              2,
	"tiktok.timeout":            "60s",
	"tiktok.webhook_verify":     false,
	"reconcile.strict_ordering": true,
	"reconcile.loose_match":     false,
	"log.level":                 "info",
	"log.format":                "json",
	"shutdown_wait":             "5s",
}

// Load reads .env files (when present) and the process environment.
// Nested keys map to upper-case env names: tiktok.client_key -> TIKTOK_CLIENT_KEY.
func Load(envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required")
		}
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("MONGO_URI environment variable is required when STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q (must be postgres or mongo)", c.Store.Driver)
	}
	switch c.TikTok.PostMode {
	case "direct", "inbox":
	default:
		return fmt.Errorf("invalid TIKTOK_POST_MODE %q (must be direct or inbox)", c.TikTok.PostMode)
	}
	if c.Sweep.BatchSize <= 0 {
		c.Sweep.BatchSize = 20
	}
	return nil
}

// SelfOrigin is the base URL the sweeper uses to reach this server's own endpoints.
func (c *Config) SelfOrigin() string {
	if o := strings.TrimRight(strings.TrimSpace(c.PublicOrigin), "/"); o != "" {
		return o
	}
	return "http://127.0.0.1:" + c.Port
}
