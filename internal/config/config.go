package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/log"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

type Config struct {
	App      App      `mapstructure:",squash"`
	Server   Server   `mapstructure:",squash"`
	Database Database `mapstructure:",squash"`
	Redis    Redis    `mapstructure:",squash"`
	Auth     Auth     `mapstructure:",squash"`
	Stats    Stats    `mapstructure:",squash"`
}

type App struct {
	Env      string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

type Server struct {
	Port          string `mapstructure:"port"`
	AllowedOrigin string `mapstructure:"allowed_origin"`
}

type Database struct {
	Driver   string `mapstructure:"store_driver"`
	URL      string `mapstructure:"database_url"`
	BoltPath string `mapstructure:"bolt_path"`
}

type Redis struct {
	Addr     string `mapstructure:"redis_addr"`
	Password string `mapstructure:"redis_password"`
	DB       int    `mapstructure:"redis_db"`
}

type Auth struct {
	Secret                string `mapstructure:"auth_secret"`
	AccessTokenTTLMinutes int    `mapstructure:"access_token_ttl_minutes"`
	ManagerPIN            string `mapstructure:"manager_pin"`
}

type Stats struct {
	CacheTTL    time.Duration `mapstructure:"stats_cache_ttl"`
	CostBasis   string        `mapstructure:"revenue_cost_basis"`
	WarmCron    string        `mapstructure:"stats_warm_cron"`
	WarmEnabled bool          `mapstructure:"stats_warm_enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")

	v.SetDefault("STORE_DRIVER", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("BOLT_PATH", "posledger.db")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	// No default secret or PIN: main refuses to start without them.
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("MANAGER_PIN", "")

	v.SetDefault("STATS_CACHE_TTL", "5m")
	v.SetDefault("REVENUE_COST_BASIS", domain.CostBasisSnapshot)
	v.SetDefault("STATS_WARM_CRON", "*/15 * * * *")
	v.SetDefault("STATS_WARM_ENABLED", false)
}

// Load reads configuration from the environment, after loading an optional
// .env file (ENV_FILE, default ".env") that never overrides real variables.
func Load() (Config, error) {
	loadEnvFile(envFilePath())

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Auth.Secret = strings.TrimSpace(c.Auth.Secret)
	c.Auth.ManagerPIN = strings.TrimSpace(c.Auth.ManagerPIN)
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Stats.CostBasis = strings.ToLower(strings.TrimSpace(c.Stats.CostBasis))
	if c.Auth.AccessTokenTTLMinutes < 1 {
		c.Auth.AccessTokenTTLMinutes = 480
	}
	if c.Stats.CacheTTL <= 0 {
		c.Stats.CacheTTL = 5 * time.Minute
	}
	if c.Stats.CostBasis == "" {
		c.Stats.CostBasis = domain.CostBasisSnapshot
	}
}

func (c Config) validate() error {
	switch c.StoreDriver() {
	case DriverMemory, DriverBolt:
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Database.Driver)
	}
	if c.Stats.CostBasis != domain.CostBasisSnapshot && c.Stats.CostBasis != domain.CostBasisLive {
		return fmt.Errorf("REVENUE_COST_BASIS must be %q or %q", domain.CostBasisSnapshot, domain.CostBasisLive)
	}
	return nil
}

// StoreDriver picks postgres when DATABASE_URL is set and no driver is forced.
func (c Config) StoreDriver() string {
	if c.Database.Driver != "" {
		return c.Database.Driver
	}
	if c.Database.URL != "" {
		return DriverPostgres
	}
	return DriverMemory
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Server.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.Auth.AccessTokenTTLMinutes) * time.Minute
}

func envFilePath() string {
	if path := strings.TrimSpace(os.Getenv("ENV_FILE")); path != "" {
		return path
	}
	return ".env"
}

func loadEnvFile(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.L.WithError(err).Warnf("could not load env file %s", path)
		return
	}
	log.L.Infof("loaded env file %s", path)
}
