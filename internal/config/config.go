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
	Addr     string
	LogLevel string
	LogFile  string

	RedisURL    string
	DatabaseURL string
	SQLitePath  string

	OTLPEndpoint string
	AWSRegion    string

	// The master key comes from EncryptionKey or, when empty, from the named secret.
	EncryptionKey   string
	MasterKeySecret string

	AdminAuthEnabled bool
	// Bootstrap admin account, created at startup when AdminPassword is set.
	AdminUsername    string
	AdminPassword    string
	SettingsPath     string
	SNSTopicARN      string
	AuditQueueURL    string
	MetricsSourceURL string

	MaxKeysPerProvider int
	RotationInterval   time.Duration

	DefaultModel    string
	DefaultProvider string
	HistorySize     int
	MinConfidence   float64

	RotationSweepInterval  time.Duration
	MetricsRefreshInterval time.Duration
	CleanupInterval        time.Duration
	AuditFlushInterval     time.Duration
	SignalTTL              time.Duration
	SignalTimeout          time.Duration
	AnalyzerTimeout        time.Duration

	// MetricsAlpha weights live metrics against catalog values when blending.
	MetricsAlpha float64

	UseDistributedCircuitBreaker bool

	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

// Load reads the environment. A .env file in the working directory is applied
// first without overriding variables that are already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		LogFile:                      getEnv("LOG_FILE", ""),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		SQLitePath:                   getEnv("SQLITE_PATH", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		EncryptionKey:                getEnv("ENCRYPTION_KEY", ""),
		MasterKeySecret:              getEnv("MASTER_KEY_SECRET", ""),
		AdminAuthEnabled:             getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		AdminUsername:                getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:                getEnv("ADMIN_PASSWORD", ""),
		SettingsPath:                 getEnv("SETTINGS_PATH", "routing-settings.json"),
		SNSTopicARN:                  getEnv("SNS_TOPIC_ARN", ""),
		AuditQueueURL:                getEnv("AUDIT_QUEUE_URL", ""),
		MetricsSourceURL:             getEnv("METRICS_SOURCE_URL", ""),
		MaxKeysPerProvider:           getIntEnv("MAX_KEYS_PER_PROVIDER", 10),
		RotationInterval:             getDurationEnv("ROTATION_INTERVAL", 90*24*time.Hour),
		DefaultModel:                 getEnv("DEFAULT_MODEL", "gpt-3.5-turbo"),
		DefaultProvider:              getEnv("DEFAULT_PROVIDER", "openai"),
		HistorySize:                  getIntEnv("HISTORY_SIZE", 1000),
		MinConfidence:                getFloatEnv("MIN_CONFIDENCE", 0.3),
		RotationSweepInterval:        getDurationEnv("ROTATION_SWEEP_INTERVAL", time.Hour),
		MetricsRefreshInterval:       getDurationEnv("METRICS_REFRESH_INTERVAL", 5*time.Minute),
		MetricsAlpha:                 getFloatEnv("METRICS_ALPHA", 0.1),
		CleanupInterval:              getDurationEnv("CLEANUP_INTERVAL", 10*time.Minute),
		AuditFlushInterval:           getDurationEnv("AUDIT_FLUSH_INTERVAL", 5*time.Second),
		SignalTTL:                    getDurationEnv("SIGNAL_TTL", 5*time.Second),
		SignalTimeout:                getDurationEnv("SIGNAL_TIMEOUT", 50*time.Millisecond),
		AnalyzerTimeout:              getDurationEnv("ANALYZER_TIMEOUT", 100*time.Millisecond),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:                 getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	if cfg.MaxKeysPerProvider <= 0 {
		return nil, fmt.Errorf("MAX_KEYS_PER_PROVIDER must be positive, got %d", cfg.MaxKeysPerProvider)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("MIN_CONFIDENCE must be within [0,1], got %v", cfg.MinConfidence)
	}

	if cfg.MetricsAlpha <= 0 || cfg.MetricsAlpha > 1 {
		return nil, fmt.Errorf("METRICS_ALPHA must be within (0,1], got %v", cfg.MetricsAlpha)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s", "2h") or a bare number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
