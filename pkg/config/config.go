package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port     string
		GRPCPort string
		Env      string
		Timeout  time.Duration
	}

	// Database configuration for the remote store
	Database struct {
		Driver   string // postgres, mysql or memory
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
		MaxConns int
		Timeout  time.Duration
		Seed     bool
	}

	// Redis configuration
	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// LocalStore configuration
	LocalStore struct {
		Backend       string // bolt or redis
		Path          string
		EncryptionKey string
		CASRetries    int
		ProfileTTL    time.Duration
		ProfileCache  int
	}

	// Sync engine configuration
	Sync struct {
		Staleness time.Duration
	}

	// Chat session configuration
	Chat struct {
		WindowSize   int
		PageSize     int
		BackfillSize int
		MaxUserText  int
	}

	// Deck configuration
	Deck struct {
		InitialSize  int
		RefillSize   int
		LowWatermark int
		Dedupe       bool
	}

	// Outbox configuration
	Outbox struct {
		QueueSize      int
		MaxAttempts    int
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
		BreakerFails   int
		BreakerReset   time.Duration
	}

	// Service endpoints
	Services struct {
		AIServiceURL string
		AIAPIKey     string
		AITimeout    time.Duration
	}

	// JWT configuration
	JWT struct {
		Secret string
		Expiry time.Duration
		Issuer string
	}

	// Security configuration
	Security struct {
		RateLimit      float64
		RateLimitBurst int
		AllowedOrigins []string
		MaxBodySize    int64
	}

	// Health check configuration
	Health struct {
		CheckPeriod time.Duration
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Observability configuration
	Observability struct {
		ServiceName   string
		EnableTracing bool
	}

	// Vault configuration
	Vault struct {
		Address   string
		Token     string
		MountPath string
		Enabled   bool
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates the process Config from environment variables.
// Only the first call reads the environment.
func New() *Config {
	once.Do(func() {
		// .env is optional
		_ = godotenv.Load()
		instance = Load()
	})
	return instance
}

// Load reads a fresh Config from the environment without touching the singleton
func Load() *Config {
	cfg := &Config{}

	cfg.Server.Port = getEnvString("PORT", "8081")
	cfg.Server.GRPCPort = getEnvString("GRPC_PORT", "9091")
	cfg.Server.Env = getEnvString("APP_ENV", "development")
	cfg.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)

	cfg.Database.Driver = getEnvString("DB_DRIVER", "postgres")
	cfg.Database.Host = getEnvString("DB_HOST", "localhost")
	cfg.Database.Port = getEnvString("DB_PORT", "5432")
	cfg.Database.User = getEnvString("DB_USER", "postgres")
	cfg.Database.Password = getEnvString("DB_PASSWORD", "postgres")
	cfg.Database.Name = getEnvString("DB_NAME", "swipe-companion")
	cfg.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.Timeout = getEnvDuration("DB_TIMEOUT", 5*time.Second)
	cfg.Database.Seed = getEnvBool("DB_SEED", false)

	cfg.Redis.Addr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.LocalStore.Backend = getEnvString("LOCAL_STORE_BACKEND", "bolt")
	cfg.LocalStore.Path = getEnvString("LOCAL_STORE_PATH", "data/local.db")
	cfg.LocalStore.EncryptionKey = getEnvString("LOCAL_STORE_KEY", "")
	cfg.LocalStore.CASRetries = getEnvInt("LOCAL_STORE_CAS_RETRIES", 5)
	cfg.LocalStore.ProfileTTL = getEnvDuration("LOCAL_STORE_PROFILE_TTL", 10*time.Minute)
	cfg.LocalStore.ProfileCache = getEnvInt("LOCAL_STORE_PROFILE_CACHE", 256)

	cfg.Sync.Staleness = getEnvDuration("SYNC_STALENESS", 6*time.Hour)

	cfg.Chat.WindowSize = getEnvInt("CHAT_WINDOW_SIZE", 100)
	cfg.Chat.PageSize = getEnvInt("CHAT_PAGE_SIZE", 20)
	cfg.Chat.BackfillSize = getEnvInt("CHAT_BACKFILL_SIZE", 50)
	cfg.Chat.MaxUserText = getEnvInt("CHAT_MAX_TEXT", 4000)

	cfg.Deck.InitialSize = getEnvInt("DECK_INITIAL_SIZE", 20)
	cfg.Deck.RefillSize = getEnvInt("DECK_REFILL_SIZE", 10)
	cfg.Deck.LowWatermark = getEnvInt("DECK_LOW_WATERMARK", 5)
	cfg.Deck.Dedupe = getEnvBool("DECK_DEDUPE_MATCHES", false)

	cfg.Outbox.QueueSize = getEnvInt("OUTBOX_QUEUE_SIZE", 256)
	cfg.Outbox.MaxAttempts = getEnvInt("OUTBOX_MAX_ATTEMPTS", 5)
	cfg.Outbox.InitialBackoff = getEnvDuration("OUTBOX_INITIAL_BACKOFF", 200*time.Millisecond)
	cfg.Outbox.MaxBackoff = getEnvDuration("OUTBOX_MAX_BACKOFF", 10*time.Second)
	cfg.Outbox.BreakerFails = getEnvInt("OUTBOX_BREAKER_FAILURES", 5)
	cfg.Outbox.BreakerReset = getEnvDuration("OUTBOX_BREAKER_RESET", 30*time.Second)

	cfg.Services.AIServiceURL = getEnvString("AI_SERVICE_URL", "http://localhost:5000")
	cfg.Services.AIAPIKey = getEnvString("AI_API_KEY", "")
	cfg.Services.AITimeout = getEnvDuration("AI_TIMEOUT", 60*time.Second)

	cfg.JWT.Secret = getEnvString("JWT_SECRET", "default-jwt-secret-do-not-use-in-production")
	cfg.JWT.Expiry = getEnvDuration("JWT_EXPIRY", 24*time.Hour)
	cfg.JWT.Issuer = getEnvString("JWT_ISSUER", "swipe-companion")

	cfg.Security.RateLimit = getEnvFloat("RATE_LIMIT", 5)
	cfg.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
	cfg.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})
	cfg.Security.MaxBodySize = getEnvInt64("MAX_BODY_SIZE", 1<<20)

	cfg.Health.CheckPeriod = getEnvDuration("HEALTH_CHECK_PERIOD", 30*time.Second)

	cfg.Logging.Level = getEnvString("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnvString("LOG_FORMAT", "json")

	cfg.Observability.ServiceName = getEnvString("OTEL_SERVICE_NAME", "swipe-companion")
	cfg.Observability.EnableTracing = getEnvBool("ENABLE_TRACING", false)

	cfg.Vault.Address = getEnvString("VAULT_ADDR", "")
	cfg.Vault.Token = getEnvString("VAULT_TOKEN", "")
	cfg.Vault.MountPath = getEnvString("VAULT_MOUNT_PATH", "secret")
	cfg.Vault.Enabled = getEnvBool("VAULT_ENABLED", false)

	return cfg
}

// IsDevelopment reports whether the server runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
