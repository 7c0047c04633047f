package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("UPLOAD_TOKEN_TTL", "")
	t.Setenv("DB_DRIVER", "")

	cfg := Load()
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 5*time.Minute, cfg.UploadTokenTTL)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.NotEmpty(t, cfg.JWTSecret)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "staging")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("UPLOAD_TOKEN_TTL", "90")
	t.Setenv("DB_RETRY_ATTEMPTS", "3")
	t.Setenv("DEV_LOGIN", "true")

	cfg := Load()
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.UploadTokenTTL)
	assert.Equal(t, 3, cfg.DBRetryAttempts)
	assert.True(t, cfg.DevLogin)
}

func TestLoadProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/roomchat")
	t.Setenv("JWT_SECRET", "")

	assert.Panics(t, func() { Load() })
}

func TestProductionDisablesDevLogin(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/roomchat")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DEV_LOGIN", "true")

	assert.False(t, Load().DevLogin)
}
