package di

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"swipe-companion/backend/internal/ai"
	"swipe-companion/backend/internal/chat"
	"swipe-companion/backend/internal/deck"
	"swipe-companion/backend/internal/localstore"
	"swipe-companion/backend/internal/outbox"
	"swipe-companion/backend/internal/remote"
	"swipe-companion/backend/internal/session"
	"swipe-companion/backend/internal/syncer"
	"swipe-companion/backend/internal/ws"
	"swipe-companion/backend/pkg/config"
	"swipe-companion/backend/pkg/health"
	"swipe-companion/backend/pkg/jwt"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/pkg/resilience"
	"swipe-companion/backend/pkg/secrets"
	sharedredis "swipe-companion/backend/shared/redis"
	"swipe-companion/backend/shared/observability"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Secret keys resolved through the secrets manager
const (
	SecretDBPassword    = "db-password"
	SecretJWT           = "jwt-secret"
	SecretAIKey         = "ai-api-key"
	SecretLocalStoreKey = "local-store-key"
)

// Container holds all the dependencies for the application
type Container struct {
	Config          *config.Config
	Logger          *logger.Logger
	Secrets         secrets.Manager
	DB              *gorm.DB
	Redis           *goredis.Client
	Remote          remote.Store
	Backend         localstore.Backend
	KeyRing         *localstore.KeyRing
	Breaker         *resilience.CircuitBreaker
	AI              *ai.Client
	Hub             *ws.Hub
	Sessions        *session.Manager
	JWTService      *jwt.Service
	Health          *health.Checker
	Metrics         *observability.Metrics
	MetricsProvider *observability.MetricsProvider

	closers []func(context.Context) error
}

// New builds every process-wide component from cfg. On error everything
// built so far is closed again.
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}
	if err := c.init(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) init(ctx context.Context) error {
	cfg := c.Config
	c.Logger = logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		JSON:      cfg.Logging.Format != "text",
		Output:    os.Stderr,
		AddSource: cfg.IsDevelopment(),
	})
	logger.SetGlobal(c.Logger)

	if err := c.initObservability(); err != nil {
		return err
	}
	c.initSecrets()
	if err := c.initRemote(ctx); err != nil {
		return err
	}
	if err := c.initLocalStore(ctx); err != nil {
		return err
	}

	c.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "remote-writes",
		FailureThreshold: uint(max(cfg.Outbox.BreakerFails, 1)),
		SuccessThreshold: 2,
		RetryTimeout:     cfg.Outbox.BreakerReset,
	}, c.Logger)

	aiKey := c.Secrets.GetSecretWithDefault(ctx, SecretAIKey, cfg.Services.AIAPIKey)
	c.AI = ai.NewClient(cfg.Services.AIServiceURL, aiKey, cfg.Services.AITimeout, c.Logger)

	c.Hub = ws.NewHub(cfg.Security.AllowedOrigins, c.Logger)

	c.Sessions = session.NewManager(session.Deps{
		Backend:  c.Backend,
		KeyRing:  c.KeyRing,
		Remote:   c.Remote,
		Chat:     c.AI,
		Images:   c.AI,
		Listener: c.Hub,
		Breaker:  c.Breaker,
		Logger:   c.Logger,
		Metrics:  c.Metrics,
	}, sessionOptions(cfg))
	c.closers = append(c.closers, c.Sessions.Close)

	jwtSecret := c.Secrets.GetSecretWithDefault(ctx, SecretJWT, cfg.JWT.Secret)
	c.JWTService = jwt.NewService(jwtSecret, cfg.JWT.Expiry, cfg.JWT.Issuer)

	c.initHealth()
	return nil
}

func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		Store: localstore.Options{
			WindowSize:       cfg.Chat.WindowSize,
			DedupeMatches:    cfg.Deck.Dedupe,
			ProfileTTL:       cfg.LocalStore.ProfileTTL,
			ProfileCacheSize: cfg.LocalStore.ProfileCache,
		},
		Outbox: outbox.Options{
			QueueSize:      cfg.Outbox.QueueSize,
			MaxAttempts:    cfg.Outbox.MaxAttempts,
			InitialBackoff: cfg.Outbox.InitialBackoff,
			MaxBackoff:     cfg.Outbox.MaxBackoff,
		},
		Sync: syncer.Options{
			Staleness:    cfg.Sync.Staleness,
			BackfillSize: cfg.Chat.BackfillSize,
		},
		Deck: deck.Options{
			InitialSize:  cfg.Deck.InitialSize,
			RefillSize:   cfg.Deck.RefillSize,
			LowWatermark: cfg.Deck.LowWatermark,
		},
		Chat: chat.Options{
			PageSize:      cfg.Chat.PageSize,
			BackfillSize:  cfg.Chat.BackfillSize,
			MaxTextLength: cfg.Chat.MaxUserText,
		},
	}
}

func (c *Container) initObservability() error {
	cfg := c.Config.Observability

	provider, err := observability.SetupPrometheusMetrics(cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}
	c.MetricsProvider = provider
	c.closers = append(c.closers, provider.Shutdown)

	c.Metrics, err = observability.NewMetrics(provider.Meter(cfg.ServiceName))
	if err != nil {
		return fmt.Errorf("register instruments: %w", err)
	}

	if cfg.EnableTracing {
		shutdown, err := observability.SetupTracing(cfg.ServiceName, os.Stdout)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		c.closers = append(c.closers, shutdown)
	}
	return nil
}

// initSecrets prefers Vault and falls back to the environment
func (c *Container) initSecrets() {
	v := c.Config.Vault
	if !v.Enabled {
		c.Secrets = secrets.EnvManager{}
		return
	}

	vm, err := secrets.NewVaultManager(secrets.VaultConfig{
		Address:   v.Address,
		Token:     v.Token,
		MountPath: v.MountPath,
	}, c.Logger)
	if err != nil {
		c.Logger.LogError(err, "vault unavailable, reading secrets from the environment")
		c.Secrets = secrets.EnvManager{}
		return
	}
	c.Secrets = vm
	c.closers = append(c.closers, func(context.Context) error {
		vm.Close()
		return nil
	})
}

func (c *Container) initRemote(ctx context.Context) error {
	cfg := c.Config
	if cfg.Database.Driver == "memory" {
		mem := remote.NewMemoryStore()
		if cfg.Database.Seed {
			for _, p := range remote.DemoCandidates() {
				mem.SeedCandidate(p)
			}
		}
		c.Remote = mem
		c.Logger.Warn("using the in-memory remote store, data is lost on restart")
		return nil
	}

	cfg.Database.Password = c.Secrets.GetSecretWithDefault(ctx, SecretDBPassword, cfg.Database.Password)
	db, err := config.NewDB(cfg, c.Logger)
	if err != nil {
		return err
	}
	c.DB = db
	c.closers = append(c.closers, func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	if err := remote.Migrate(db); err != nil {
		return fmt.Errorf("migrate remote store: %w", err)
	}
	store := remote.NewGormStore(db)
	if cfg.Database.Seed {
		if err := store.SeedCandidates(ctx, remote.DemoCandidates()); err != nil {
			return err
		}
	}
	c.Remote = store
	return nil
}

func (c *Container) initLocalStore(ctx context.Context) error {
	cfg := c.Config
	switch cfg.LocalStore.Backend {
	case "redis":
		client, err := sharedredis.NewClient(ctx, sharedredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		c.Redis = client
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		c.Backend = localstore.NewRedisBackend(client, cfg.LocalStore.CASRetries)
	case "bolt", "":
		if dir := filepath.Dir(cfg.LocalStore.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create local store directory: %w", err)
			}
		}
		backend, err := localstore.OpenBolt(cfg.LocalStore.Path)
		if err != nil {
			return err
		}
		c.Backend = backend
	default:
		return fmt.Errorf("unsupported local store backend %q", cfg.LocalStore.Backend)
	}
	c.closers = append(c.closers, func(context.Context) error { return c.Backend.Close() })

	key := c.Secrets.GetSecretWithDefault(ctx, SecretLocalStoreKey, cfg.LocalStore.EncryptionKey)
	if key == "" {
		c.Logger.Warn("local store encryption disabled, set LOCAL_STORE_KEY to enable it")
	}
	c.KeyRing = localstore.NewKeyRing(key)
	return nil
}

func (c *Container) initHealth() {
	c.Health = health.NewChecker(c.Logger, c.Config.Health.CheckPeriod)
	c.Health.RegisterPing("localstore", true, c.Backend.Ping)
	c.Health.RegisterPing("remote", true, c.Remote.Ping)
	if c.Redis != nil {
		c.Health.RegisterPing("redis", false, sharedredis.Pinger(c.Redis))
	}
	c.Health.RegisterCheck("remote-writes", false, func(context.Context) (health.Status, string, error) {
		if c.Breaker.GetState() == resilience.StateClosed {
			return health.StatusUp, "remote writes flowing", nil
		}
		return health.StatusDegraded, "remote writes paused by circuit breaker", nil
	})
}

// Close releases everything in reverse order of construction
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
