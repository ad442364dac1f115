package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "ALLOCATOR_"

// Promotion policies accepted by PROMOTION_POLICY.
const (
	PolicyFullDuration    = "full-duration"
	PolicyPartialCapacity = "partial-capacity"
)

// Config captures environment driven configuration values for the allocator service.
type Config struct {
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`
	// DatabasePath selects the SQLite file. Empty keeps everything in memory.
	DatabasePath string `env:"DATABASE_PATH"`
	// CatalogPath points at the YAML catalog of resources, principals and weights.
	CatalogPath string `env:"CATALOG_PATH"`
	// AdminToken registers a bootstrap admin principal named "admin".
	AdminToken string `env:"ADMIN_TOKEN"`
	TimeZone   string `env:"TIME_ZONE" envDefault:"Asia/Tokyo"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"json"`

	LockBackend   string        `env:"LOCK_BACKEND" envDefault:"local"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"10s"`

	AMQPURL   string `env:"AMQP_URL"`
	AMQPQueue string `env:"AMQP_QUEUE" envDefault:"allocator.events"`

	TracingEnabled bool `env:"TRACING_ENABLED" envDefault:"false"`

	MatchTimeout    time.Duration `env:"MATCH_TIMEOUT" envDefault:"2s"`
	BookTimeout     time.Duration `env:"BOOK_TIMEOUT" envDefault:"5s"`
	ClaimWindow     time.Duration `env:"CLAIM_WINDOW" envDefault:"15m"`
	MaxBookRetries  int           `env:"MAX_BOOK_RETRIES" envDefault:"3"`
	PromotionPolicy string        `env:"PROMOTION_POLICY" envDefault:"full-duration"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	WorkloadWindow  time.Duration `env:"WORKLOAD_WINDOW" envDefault:"168h"`
	AffinityCap     int           `env:"AFFINITY_CAP" envDefault:"5"`

	location *time.Location
}

// Location returns TimeZone resolved by Load, or UTC for a zero Config.
func (c Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Load reads an optional .env file named by ALLOCATOR_ENV_FILE (default
// ".env"), then parses the process environment.
//
// Values already present in the environment win over the file. Missing and
// invalid values are collected and reported together with localized messages.
func Load() (Config, error) {
	envFile := strings.TrimSpace(os.Getenv(EnvPrefix + "ENV_FILE"))
	explicit := envFile != ""
	if !explicit {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("環境変数ファイルを読み込めません: %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("環境変数の値が不正です: %w", err)
	}

	missing := make([]string, 0, 1)
	invalid := make([]string, 0, 4)

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		invalid = append(invalid, EnvPrefix+"HTTP_PORT")
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		invalid = append(invalid, EnvPrefix+"TIME_ZONE")
	}
	cfg.location = loc

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		invalid = append(invalid, EnvPrefix+"LOG_LEVEL")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		invalid = append(invalid, EnvPrefix+"LOG_FORMAT")
	}

	switch cfg.LockBackend {
	case "local":
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			missing = append(missing, EnvPrefix+"REDIS_ADDR")
		}
	default:
		invalid = append(invalid, EnvPrefix+"LOCK_BACKEND")
	}
	if cfg.LockTTL <= 0 {
		invalid = append(invalid, EnvPrefix+"LOCK_TTL")
	}
	if cfg.MatchTimeout <= 0 {
		invalid = append(invalid, EnvPrefix+"MATCH_TIMEOUT")
	}
	if cfg.BookTimeout <= 0 {
		invalid = append(invalid, EnvPrefix+"BOOK_TIMEOUT")
	}
	if cfg.ClaimWindow <= 0 {
		invalid = append(invalid, EnvPrefix+"CLAIM_WINDOW")
	}
	if cfg.MaxBookRetries < 0 {
		invalid = append(invalid, EnvPrefix+"MAX_BOOK_RETRIES")
	}
	if cfg.PromotionPolicy != PolicyFullDuration && cfg.PromotionPolicy != PolicyPartialCapacity {
		invalid = append(invalid, EnvPrefix+"PROMOTION_POLICY")
	}
	if cfg.SweepInterval <= 0 {
		invalid = append(invalid, EnvPrefix+"SWEEP_INTERVAL")
	}
	if cfg.WorkloadWindow <= 0 {
		invalid = append(invalid, EnvPrefix+"WORKLOAD_WINDOW")
	}
	if cfg.AffinityCap <= 0 {
		invalid = append(invalid, EnvPrefix+"AFFINITY_CAP")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("必須の環境変数が設定されていません: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("環境変数の値が不正です: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}
