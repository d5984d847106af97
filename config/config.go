/*
Package config loads the service configuration.

PURPOSE:
  One Config value drives cmd/server and cmd/accountingctl: which store to
  open, which wallet cache and notification transport to use, engine
  timing, and the product catalog.

LOAD ORDER:
  1. Built-in defaults (applyDefaults)
  2. YAML file (optional; path from -config)
  3. .env in the working directory (optional; godotenv)
  4. ACCOUNTING_* environment variables (see envOverrides)

EXAMPLE (config.yaml):
  server:
    addr: ":8080"
    admin_token: "change-me"
    cors_origins: ["https://admin.example.org"]
  log:
    level: info
    pretty: false
  storage:
    driver: postgres                 # memory | sqlite | postgres
    postgres_dsn: "postgres://accounting@localhost/accounting"
  cache:
    driver: redis                    # none | lru | redis
    redis_addr: "localhost:6379"
    ttl: 30s
  notify:
    driver: both                     # hub | nats | both
    nats_url: "nats://localhost:4222"
  engine:
    lock_timeout: 2s
    max_retries: 5
    sweep_interval: 1m
  categories:
    - {name: cpu, provider: ucloud, frequency: per_minute}
    - {name: storage, provider: ucloud, charge_model: differential, frequency: per_day}
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/accounting-engine/catalog"
	"github.com/warp/accounting-engine/logger"
)

type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Log        logger.Config        `yaml:"log"`
	Storage    StorageConfig        `yaml:"storage"`
	Cache      CacheConfig          `yaml:"cache"`
	Notify     NotifyConfig         `yaml:"notify"`
	Engine     EngineConfig         `yaml:"engine"`
	Categories []catalog.Definition `yaml:"categories"`
	// CatalogPath names an extra catalog file merged with Categories.
	CatalogPath string `yaml:"catalog_path"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminToken      string        `yaml:"admin_token"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// Migrate runs the embedded goose migrations on startup (postgres only).
	Migrate bool `yaml:"migrate"`
}

type CacheConfig struct {
	Driver        string        `yaml:"driver"`
	Size          int           `yaml:"size"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

type NotifyConfig struct {
	Driver        string `yaml:"driver"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	HubBuffer     int    `yaml:"hub_buffer"`
}

type EngineConfig struct {
	LockTimeout          time.Duration `yaml:"lock_timeout"`
	MaxRetries           uint          `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
}

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"

	CacheNone  = "none"
	CacheLRU   = "lru"
	CacheRedis = "redis"

	NotifyHub  = "hub"
	NotifyNATS = "nats"
	NotifyBoth = "both"
)

// =============================================================================
// LOADING
// =============================================================================

// Load reads the YAML file at path (skipped when path is empty), applies
// .env and ACCOUNTING_* overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides fields from ACCOUNTING_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ACCOUNTING_SERVER_ADDR":    &c.Server.Addr,
		"ACCOUNTING_ADMIN_TOKEN":    &c.Server.AdminToken,
		"ACCOUNTING_LOG_LEVEL":      &c.Log.Level,
		"ACCOUNTING_STORAGE_DRIVER": &c.Storage.Driver,
		"ACCOUNTING_SQLITE_PATH":    &c.Storage.SQLitePath,
		"ACCOUNTING_POSTGRES_DSN":   &c.Storage.PostgresDSN,
		"ACCOUNTING_CACHE_DRIVER":   &c.Cache.Driver,
		"ACCOUNTING_REDIS_ADDR":     &c.Cache.RedisAddr,
		"ACCOUNTING_REDIS_PASSWORD": &c.Cache.RedisPassword,
		"ACCOUNTING_NOTIFY_DRIVER":  &c.Notify.Driver,
		"ACCOUNTING_NATS_URL":       &c.Notify.NATSURL,
		"ACCOUNTING_CATALOG_PATH":   &c.CatalogPath,
	}
	for key, field := range strs {
		if v, ok := lookup(key); ok {
			*field = v
		}
	}

	if v, ok := lookup("ACCOUNTING_LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ACCOUNTING_LOG_PRETTY: %w", err)
		}
		c.Log.Pretty = b
	}
	if v, ok := lookup("ACCOUNTING_STORAGE_MIGRATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ACCOUNTING_STORAGE_MIGRATE: %w", err)
		}
		c.Storage.Migrate = b
	}
	if v, ok := lookup("ACCOUNTING_LOCK_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ACCOUNTING_LOCK_TIMEOUT: %w", err)
		}
		c.Engine.LockTimeout = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageSQLite
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "accounting.db"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = CacheLRU
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = 4096
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 30 * time.Second
	}
	if c.Notify.Driver == "" {
		c.Notify.Driver = NotifyHub
	}
	if c.Notify.HubBuffer <= 0 {
		c.Notify.HubBuffer = 64
	}
	if c.Engine.LockTimeout <= 0 {
		c.Engine.LockTimeout = 2 * time.Second
	}
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 5
	}
	if c.Engine.RetryInitialInterval <= 0 {
		c.Engine.RetryInitialInterval = 20 * time.Millisecond
	}
	if c.Engine.SweepInterval <= 0 {
		c.Engine.SweepInterval = time.Minute
	}
}

// Validate rejects unknown drivers and missing driver settings.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	switch c.Cache.Driver {
	case CacheNone, CacheLRU:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown cache.driver %q", c.Cache.Driver)
	}

	switch c.Notify.Driver {
	case NotifyHub:
	case NotifyNATS, NotifyBoth:
		if c.Notify.NATSURL == "" {
			return errors.New("notify.nats_url is required for the nats driver")
		}
	default:
		return fmt.Errorf("unknown notify.driver %q", c.Notify.Driver)
	}
	return nil
}

// Catalog builds the product catalog from the inline categories and the
// optional catalog file.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	defs := append([]catalog.Definition(nil), c.Categories...)
	if c.CatalogPath != "" {
		file, err := catalog.Load(c.CatalogPath)
		if err != nil {
			return nil, err
		}
		defs = append(defs, file.Definitions()...)
	}
	return catalog.FromDefinitions(defs)
}
