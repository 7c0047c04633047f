package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration shared by every service binary.
type Config struct {
	Env      string
	LogLevel string

	GatewayAddr string
	APIAddr     string

	DBDriver        string // "sqlite" or "pgx"
	DatabaseURL     string
	DBRetryAttempts int

	RedisURL string

	KafkaBrokers []string
	KafkaTopic   string

	ScyllaHosts    []string
	ScyllaKeyspace string

	JWTSecret     string
	MasterKeyFile string

	UploadDir      string
	UploadTokenTTL time.Duration

	NodeID   int64
	DevLogin bool
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present.
// In production it panics on missing required variables.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		GatewayAddr:     getEnv("GATEWAY_ADDR", ":8080"),
		APIAddr:         getEnv("API_ADDR", ":8081"),
		DBDriver:        getEnv("DB_DRIVER", "sqlite"),
		DatabaseURL:     getEnv("DATABASE_URL", "roomchat.db"),
		DBRetryAttempts: getInt("DB_RETRY_ATTEMPTS", 5),
		RedisURL:        os.Getenv("REDIS_URL"),
		KafkaBrokers:    getList("KAFKA_BROKERS"),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "room-events"),
		ScyllaHosts:     getList("SCYLLA_HOSTS"),
		ScyllaKeyspace:  getEnv("SCYLLA_KEYSPACE", "roomchat"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		MasterKeyFile:   getEnv("MASTER_KEY_FILE", ".master_key"),
		UploadDir:       getEnv("UPLOAD_DIR", "uploads"),
		UploadTokenTTL:  getDuration("UPLOAD_TOKEN_TTL", 5*time.Minute),
		NodeID:          int64(getInt("NODE_ID", 1)),
		DevLogin:        getEnv("DEV_LOGIN", "false") == "true",
	}

	if cfg.IsProduction() {
		if os.Getenv("DATABASE_URL") == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
		cfg.DevLogin = false
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret-change-me"
	}

	return cfg
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

// getDuration accepts Go duration syntax ("90s") or a plain number of seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
