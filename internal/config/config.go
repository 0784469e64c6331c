package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Persistence backends for the value saver.
const (
	BackendNone     = "none"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	ServerPort string
	ServerHost string

	// Cross-origin policy for the websocket upgrade and HTTP API.
	// A single "*" entry allows every origin.
	AllowedOrigins []string

	// Lock and presence timing
	LockTimeout   time.Duration
	SweepInterval time.Duration
	TypingTimeout time.Duration

	// Hand-off to the external value store
	PersistBackend   string
	PersistDebounce  time.Duration
	PersistWorkers   int
	PersistQueueSize int

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// Observability
	TracingEnabled bool
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "3001"),
		ServerHost: getEnv("SERVER_HOST", "0.0.0.0"),

		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),

		LockTimeout:   getEnvDuration("LOCK_TIMEOUT", 15*time.Second),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", 5*time.Second),
		TypingTimeout: getEnvDuration("TYPING_TIMEOUT", time.Second),

		PersistBackend:   strings.ToLower(getEnv("PERSIST_BACKEND", BackendNone)),
		PersistDebounce:  getEnvDuration("PERSIST_DEBOUNCE", time.Second),
		PersistWorkers:   getEnvInt("PERSIST_WORKERS", 2),
		PersistQueueSize: getEnvInt("PERSIST_QUEUE_SIZE", 100),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "formsync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisTTL:      getEnvDuration("REDIS_TTL", 0),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the timing relationships the sweeper relies on.
// Staleness is bounded by SweepInterval+LockTimeout only while the
// interval is shorter than the timeout.
func (c *Config) Validate() error {
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.SweepInterval >= c.LockTimeout {
		return fmt.Errorf("SWEEP_INTERVAL (%s) must be shorter than LOCK_TIMEOUT (%s)", c.SweepInterval, c.LockTimeout)
	}
	if c.TypingTimeout <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT must be positive, got %s", c.TypingTimeout)
	}

	switch c.PersistBackend {
	case BackendNone:
	case BackendPostgres, BackendRedis:
		if c.PersistDebounce <= 0 {
			return fmt.Errorf("PERSIST_DEBOUNCE must be positive, got %s", c.PersistDebounce)
		}
		if c.PersistWorkers < 1 {
			return fmt.Errorf("PERSIST_WORKERS must be at least 1, got %d", c.PersistWorkers)
		}
	default:
		return fmt.Errorf("unknown PERSIST_BACKEND %q", c.PersistBackend)
	}

	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// OriginAllowed reports whether a browser origin may open a connection.
// Requests without an Origin header (non-browser clients) are allowed.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("15s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
