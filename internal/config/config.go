// Package config loads the order chat settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the order chat server.
type Config struct {
	Env      string
	LogLevel string

	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	RedisAddr   string // empty selects the in-memory registry
	NATSURL     string // empty selects the process-local hub
	DatabaseURL string // empty selects the in-memory store
	SeedFile    string // orders and users for the in-memory store

	JWTSecret string
	JWTIssuer string

	ServerName string

	RateLimitMessages int
	RateLimitWindow   time.Duration
	OfflineQueueMax   int
}

// Load reads configuration from environment variables, loading a .env file
// first when one exists. Production requires every backing service.
func Load() (*Config, error) {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "order-chat-1"
	}

	cfg := &Config{
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		RedisAddr:   lookupEnv("REDIS_ADDR", "localhost:6379"),
		NATSURL:     lookupEnv("NATS_URL", "nats://localhost:4222"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SeedFile:    os.Getenv("SEED_FILE"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   os.Getenv("JWT_ISSUER"),
		ServerName:  getEnv("SERVER_NAME", hostname),
	}

	var err error
	if cfg.WorkerPoolSize, err = getInt("WORKER_POOL_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.MaxConnections, err = getInt("MAX_CONNECTIONS", 100000); err != nil {
		return nil, err
	}
	if cfg.RateLimitMessages, err = getInt("RATE_LIMIT_MESSAGES", 20); err != nil {
		return nil, err
	}
	if cfg.OfflineQueueMax, err = getInt("OFFLINE_QUEUE_MAX", 100); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout, err = getDuration("READ_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = getDuration("WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = getDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RateLimitMessages < 1 {
		return fmt.Errorf("config: RATE_LIMIT_MESSAGES must be at least 1, got %d", c.RateLimitMessages)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.IsProduction() {
		required := map[string]string{
			"DATABASE_URL": c.DatabaseURL,
			"REDIS_ADDR":   c.RedisAddr,
			"NATS_URL":     c.NATSURL,
			"JWT_SECRET":   c.JWTSecret,
		}
		for key, v := range required {
			if v == "" {
				return fmt.Errorf("config: %s is required in production", key)
			}
		}
	}
	if c.JWTSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("config: JWT_SECRET is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// lookupEnv is getEnv, except a variable set to the empty string disables
// the backing service instead of selecting the default.
func lookupEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config: %s must be a duration, got %q", key, v)
	}
	return d, nil
}
