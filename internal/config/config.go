package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration shared by the server, router and worker processes.
type Config struct {
	Port        string
	MetricsPort string
	DatabaseURL string
	RedisURL    string
	RedisPool   int
	MongoURI    string
	MongoDB     string

	LogLevel  string
	LogFormat string

	RouterGroup    string
	RouterConsumer string

	Channel        string
	WorkerGroup    string
	WorkerConsumer string

	MaxRetries        int
	CampaignDedupeTTL time.Duration
	DeliveryDedupeTTL time.Duration
	RateLimit         int
	RateWindow        time.Duration
	RetryDelay        time.Duration
	RetryScanCount    int64
	RequeueLockWindow time.Duration

	PollBlock         time.Duration
	BatchSize         int64
	WorkerConcurrency int
	ClaimMinIdle      time.Duration
	DLQMaxLen         int64

	EmailProvider      string
	SMSProvider        string
	PushProvider       string
	ProviderRatePerSec float64

	CBFailureThreshold int
	CBCooldown         time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	channel := strings.ToLower(getEnv("CHANNEL", "email"))

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		MetricsPort: getEnv("METRICS_PORT", "9100"),
		DatabaseURL: getEnv("DATABASE_URL", os.Getenv("PG_CONNECTION")),
		RedisURL:    getEnv("REDIS_URL", ""),
		RedisPool:   getEnvInt("REDIS_POOL_SIZE", 0),
		MongoURI:    getEnv("MONGO_URI", ""),
		MongoDB:     getEnv("MONGO_DB", "notifications"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		RouterGroup:    getEnv("ROUTER_GROUP", "router-group"),
		RouterConsumer: getEnv("ROUTER_CONSUMER", consumerName("router")),

		Channel:        channel,
		WorkerGroup:    getEnv("WORKER_GROUP", channel+"-group"),
		WorkerConsumer: getEnv("WORKER_CONSUMER", consumerName(channel+"-worker")),

		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		CampaignDedupeTTL: getEnvDuration("CAMPAIGN_DEDUPE_TTL", 24*time.Hour),
		DeliveryDedupeTTL: getEnvDuration("DELIVERY_DEDUPE_TTL", 24*time.Hour),
		RateLimit:         getEnvInt("RATE_LIMIT", 5),
		RateWindow:        getEnvDuration("RATE_WINDOW", time.Second),
		RetryDelay:        getEnvDuration("RETRY_DELAY", 5*time.Second),
		RetryScanCount:    int64(getEnvInt("RETRY_SCAN_COUNT", 50)),
		RequeueLockWindow: getEnvDuration("REQUEUE_LOCK_WINDOW", 10*time.Minute),

		PollBlock:         getEnvDuration("POLL_BLOCK", 5*time.Second),
		BatchSize:         int64(getEnvInt("BATCH_SIZE", 10)),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 1),
		ClaimMinIdle:      getEnvDuration("CLAIM_MIN_IDLE", time.Minute),
		DLQMaxLen:         int64(getEnvInt("DLQ_MAX_LEN", 10000)),

		EmailProvider:      getEnv("EMAIL_PROVIDER", "mock"),
		SMSProvider:        getEnv("SMS_PROVIDER", "mock"),
		PushProvider:       getEnv("PUSH_PROVIDER", "mock"),
		ProviderRatePerSec: getEnvFloat("PROVIDER_RATE_PER_SEC", 0),

		CBFailureThreshold: getEnvInt("CB_FAILURE_THRESHOLD", 5),
		CBCooldown:         getEnvDuration("CB_COOLDOWN", 30*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("MONGO_URI is required")
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("MAX_RETRIES must be at least 1, got %d", cfg.MaxRetries)
	}

	return cfg, nil
}

// ProviderFor returns the configured provider name for a channel.
func (c *Config) ProviderFor(channel string) string {
	switch channel {
	case "sms":
		return c.SMSProvider
	case "push":
		return c.PushProvider
	default:
		return c.EmailProvider
	}
}

func consumerName(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("10m") or bare milliseconds ("600000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
