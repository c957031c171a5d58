// Package app assembles the dispatch engine from configuration. Both the
// API server and the worker binary build their services here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/credentials"
	"github.com/ignite/dispatch-engine/internal/events"
	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/render"
	"github.com/ignite/dispatch-engine/internal/repository/memory"
	"github.com/ignite/dispatch-engine/internal/repository/postgres"
	"github.com/ignite/dispatch-engine/internal/service/blacklist"
	"github.com/ignite/dispatch-engine/internal/service/dispatch"
	"github.com/ignite/dispatch-engine/internal/service/queue"
	"github.com/ignite/dispatch-engine/internal/service/ratelimit"
	"github.com/ignite/dispatch-engine/internal/service/registry"
	"github.com/ignite/dispatch-engine/internal/service/resolver"
	"github.com/ignite/dispatch-engine/internal/service/sending"
	"github.com/ignite/dispatch-engine/internal/tenant"
)

// App holds the wired services and the connections they share.
type App struct {
	DB        *sql.DB
	Redis     *redis.Client
	Registry  *registry.Registry
	Resolver  *resolver.Resolver
	Limiter   *ratelimit.Limiter
	Blacklist *blacklist.Service
	Queue     *queue.Service
	Publisher events.Publisher
}

// repos is the storage backing one App.
type repos struct {
	providers registry.Repository
	accounts  tenant.AccountReader
	limits    ratelimit.Store
	items     queue.Repository
	claimer   queue.Claimer
	records   queue.DeliveryRecords
	rules     queue.RuleSource
	blacklist blacklist.Repository
}

// New connects to the configured backends and wires the services. An
// empty database URL runs everything on the in-memory store.
func New(ctx context.Context, cfg *config.Config, templates render.TemplateSource) (*App, error) {
	a := &App{}

	if cfg.Redis.Enabled() {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("app: redis connected", "addr", cfg.Redis.Addr)
	}

	var r repos
	if cfg.Database.URL != "" {
		db, err := OpenDB(ctx, cfg.Database)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.DB = db
		r = postgresRepos(db)
	} else {
		logger.Warn("app: no database configured, using in-memory store")
		r = memoryRepos(memory.New())
	}

	claimer, err := a.claimer(cfg, r)
	if err != nil {
		a.Close()
		return nil, err
	}

	creds, err := credentialStore(cfg.Vault)
	if err != nil {
		a.Close()
		return nil, err
	}

	if a.Publisher, err = publisher(cfg.Kafka); err != nil {
		a.Close()
		return nil, err
	}

	dir := tenant.NewAccountDirectory(r.accounts)
	a.Registry = registry.New(r.providers, creds)
	a.Resolver = resolver.New(a.Registry, dir, cfg.Dispatch.FallbackFromAddress)
	a.Limiter = ratelimit.NewLimiter(r.limits, dir, ratelimit.Thresholds{
		MaxBounceRate:    cfg.Dispatch.MaxBounceRate,
		MaxComplaintRate: cfg.Dispatch.MaxComplaintRate,
	})
	a.Blacklist = blacklist.NewService(r.blacklist)

	factory := sending.NewFactory(sending.FactoryOptions{
		PlatformSMTP:     cfg.SMTP.AsProviderConfig(),
		SESDefaultRegion: cfg.SES.Region,
		SESTimeout:       cfg.SES.Timeout(),
	})
	dispatcher := dispatch.New(a.Registry, a.Limiter, factory, a.Resolver, dispatch.Options{
		Health: dispatch.HealthOptions{
			DegradedAfter:  cfg.Dispatch.DegradedAfterFailures,
			UnhealthyAfter: cfg.Dispatch.UnhealthyAfterFailures,
		},
	})

	var renderer render.Renderer
	if templates != nil {
		renderer = render.NewLiquidRenderer(templates)
	}

	a.Queue = queue.NewService(queue.Deps{
		Items:      r.items,
		Claimer:    claimer,
		Records:    r.records,
		Rules:      r.rules,
		Resolver:   a.Resolver,
		Dispatcher: dispatcher,
		Blacklist:  a.Blacklist,
		Renderer:   renderer,
		Publisher:  a.Publisher,
	}, queue.Options{
		Retry: queue.RetryPolicy{
			MaxRetries: cfg.Queue.MaxRetries,
			BaseDelay:  cfg.Queue.BackoffBase(),
			MaxDelay:   cfg.Queue.BackoffMax(),
		},
	})
	return a, nil
}

// OpenDB opens and pings Postgres with the configured pool limits.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func postgresRepos(db *sql.DB) repos {
	items := postgres.NewQueueRepo(db)
	return repos{
		providers: postgres.NewProviderRepo(db),
		accounts:  postgres.NewAccountRepo(db),
		limits:    postgres.NewLimitStore(db),
		items:     items,
		claimer:   items,
		records:   postgres.NewDeliveryRepo(db),
		rules:     postgres.NewRuleRepo(db),
		blacklist: postgres.NewBlacklistRepo(db),
	}
}

func memoryRepos(store *memory.Store) repos {
	return repos{
		providers: store.Providers(),
		accounts:  store.Accounts(),
		limits:    store.Limits(),
		items:     store.Queue(),
		claimer:   store.Queue(),
		records:   store.Deliveries(),
		rules:     store.Rules(),
		blacklist: store.Blacklist(),
	}
}

// claimer picks the exclusive-claim backend. The redis backend takes a
// lock per item and marks it processing while holding the lock.
func (a *App) claimer(cfg *config.Config, r repos) (queue.Claimer, error) {
	switch cfg.Claim.Backend {
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("claim backend redis requires redis.addr")
		}
		return queue.NewLockClaimer(distlock.NewRedisLocker(a.Redis, "dispatch:", cfg.Claim.LockTTL()), r.items), nil
	case "postgres", "memory", "":
		return r.claimer, nil
	}
	return nil, fmt.Errorf("unknown claim backend %q", cfg.Claim.Backend)
}

func credentialStore(cfg config.VaultConfig) (credentials.Store, error) {
	if !cfg.Enabled {
		return credentials.NewStaticStore(nil), nil
	}
	store, err := credentials.NewVaultStore(credentials.VaultOptions{
		Address:    cfg.Address,
		Token:      cfg.Token,
		Mount:      cfg.Mount,
		PathPrefix: cfg.PathPrefix,
		CacheTTL:   cfg.CacheTTL(),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("app: provider credentials from vault", "address", cfg.Address, "mount", cfg.Mount)
	return store, nil
}

func publisher(cfg config.KafkaConfig) (events.Publisher, error) {
	if !cfg.Enabled {
		return events.NopPublisher{}, nil
	}
	pub, err := events.NewKafkaPublisher(events.KafkaOptions{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		ClientID: cfg.ClientID,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("app: publishing outcomes to kafka", "topic", cfg.Topic)
	return pub, nil
}

// Close releases every connection. Safe on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
