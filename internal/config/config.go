package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	SMTP        SMTPConfig
	Auth        AuthConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type SMTPConfig struct {
	Host    string
	Port    int
	User    string
	Pass    string
	From    string
	AppName string
}

// AuthConfig holds the second-factor policy knobs. The defaults mirror the
// documented behavior: 5-digit codes, block after 3 failures, 5 minute lockout,
// 2 minute code freshness.
type AuthConfig struct {
	CodeDigits       int
	MaxAttempts      int
	LockoutWindow    time.Duration
	CodeTTL          time.Duration
	SessionTTL       time.Duration
	CleanupOnSuccess bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig reads configuration from the environment (and an optional .env
// file) exactly once and caches it for Get.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitAndTrim(getEnv("SCYLLA_NODES", "localhost:9042")),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "twofactor"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:     splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
				EventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "security-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database: getEnv("CLICKHOUSE_DATABASE", "twofactor"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			SMTP: SMTPConfig{
				Host:    getEnv("SMTP_HOST", "localhost"),
				Port:    getEnvInt("SMTP_PORT", 587),
				User:    getEnv("SMTP_USER", ""),
				Pass:    getEnv("SMTP_PASSWORD", ""),
				From:    getEnv("SMTP_FROM", "acme@company.com"),
				AppName: getEnv("APP_NAME", "twofactor-service"),
			},
			Auth: AuthConfig{
				CodeDigits:       getEnvInt("AUTH_CODE_DIGITS", 5),
				MaxAttempts:      getEnvInt("AUTH_MAX_ATTEMPTS", 3),
				LockoutWindow:    getEnvDuration("AUTH_LOCKOUT_WINDOW", 5*time.Minute),
				CodeTTL:          getEnvDuration("AUTH_CODE_TTL", 2*time.Minute),
				SessionTTL:       getEnvDuration("AUTH_SESSION_TTL", 30*time.Minute),
				CleanupOnSuccess: getEnvBool("AUTH_CLEANUP_ON_SUCCESS", false),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return globalConfig
}

// Get returns the cached configuration, loading it if necessary.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
