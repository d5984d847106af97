/*
Package app wires the accounting service from configuration.

PURPOSE:
  Opens the configured store, wallet cache and notification transports,
  builds the product catalog and returns a ready accounting.Service. Both
  cmd/server and cmd/accountingctl start from Bootstrap so that the CLI
  acts on exactly the engine the server runs.

WIRING:
  storage.driver  memory   -> accounting/store.Memory
                  sqlite   -> store/sqlite (mattn/go-sqlite3)
                  postgres -> store/postgres (pgx pool, goose migrations)
  cache.driver    none | lru (hashicorp/golang-lru) | redis (go-redis)
  notify.driver   hub | nats | both

SEE ALSO:
  - config/config.go: settings read here
  - cmd/server/main.go: long-running process
*/
package app

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/warp/accounting-engine/accounting"
	memstore "github.com/warp/accounting-engine/accounting/store"
	"github.com/warp/accounting-engine/cache"
	"github.com/warp/accounting-engine/catalog"
	"github.com/warp/accounting-engine/config"
	"github.com/warp/accounting-engine/notify"
	"github.com/warp/accounting-engine/store/postgres"
	"github.com/warp/accounting-engine/store/sqlite"
)

// Deps is the wired application.
type Deps struct {
	Service *accounting.Service
	Catalog *catalog.Catalog
	// Hub is nil when notify.driver is "nats".
	Hub *notify.Hub
	// Ping checks the store connection.
	Ping func(ctx context.Context) error
}

// Bootstrap initialises all dependencies from cfg.
// Returns the dependencies, a cleanup function, or an error.
func Bootstrap(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Deps, func(), error) {
	var cleanupFns []func()

	cat, err := cfg.Catalog()
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: %w", err)
	}

	txStore, ping, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	cleanupFns = append(cleanupFns, closeStore)

	walletCache, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, closeCache)

	emitter, hub, closeNotify, err := openNotify(cfg, log)
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, closeNotify)

	svc := accounting.NewService(txStore, cat, accounting.Options{
		Cache:   walletCache,
		Emitter: emitter,
		Retry: accounting.RetryPolicy{
			MaxTries:        cfg.Engine.MaxRetries,
			InitialInterval: cfg.Engine.RetryInitialInterval,
			MaxInterval:     accounting.DefaultRetryPolicy.MaxInterval,
		},
		LockTimeout: cfg.Engine.LockTimeout,
		Logger:      log,
	})

	log.Info().
		Str("storage", cfg.Storage.Driver).
		Str("cache", cfg.Cache.Driver).
		Str("notify", cfg.Notify.Driver).
		Int("categories", len(cat.Categories())).
		Msg("accounting service wired")

	return &Deps{Service: svc, Catalog: cat, Hub: hub, Ping: ping}, runCleanup(cleanupFns), nil
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (accounting.TxStore, func(context.Context) error, func(), error) {
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		return memstore.NewMemory(), func(context.Context) error { return nil }, func() {}, nil

	case config.StorageSQLite:
		s, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, s.Ping, func() { _ = s.Close() }, nil

	case config.StoragePostgres:
		pool, err := postgres.Connect(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Storage.Migrate {
			if err := postgres.RunMigrations(ctx, pool, "up", log); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		s := postgres.New(pool)
		return s, s.Ping, pool.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openCache(ctx context.Context, cfg *config.Config) (accounting.WalletCache, func(), error) {
	switch cfg.Cache.Driver {
	case config.CacheNone:
		return accounting.NopCache{}, func() {}, nil

	case config.CacheLRU:
		c, err := cache.NewLRU(cfg.Cache.Size)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil

	case config.CacheRedis:
		client, err := cache.Connect(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewRedis(client, "", cfg.Cache.TTL), func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
}

func openNotify(cfg *config.Config, log zerolog.Logger) (accounting.Emitter, *notify.Hub, func(), error) {
	var (
		emitters notify.Multi
		hub      *notify.Hub
		nc       *nats.Conn
	)

	if cfg.Notify.Driver == config.NotifyHub || cfg.Notify.Driver == config.NotifyBoth {
		hub = newHub(cfg.Notify.HubBuffer, log)
		emitters = append(emitters, hub)
	}
	if cfg.Notify.Driver == config.NotifyNATS || cfg.Notify.Driver == config.NotifyBoth {
		conn, err := notify.Connect(cfg.Notify.NATSURL, "accounting-engine")
		if err != nil {
			if hub != nil {
				hub.Close()
			}
			return nil, nil, nil, err
		}
		nc = conn
		emitters = append(emitters, notify.NewNATSPublisher(nc, cfg.Notify.SubjectPrefix))
	}

	cleanup := func() {
		if hub != nil {
			hub.Close()
		}
		if nc != nil {
			_ = nc.Drain()
		}
	}
	if len(emitters) == 1 {
		return emitters[0], hub, cleanup, nil
	}
	return emitters, hub, cleanup, nil
}

// newHub is swapped in tests to observe the hub's lifecycle.
var newHub = notify.NewHub

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
