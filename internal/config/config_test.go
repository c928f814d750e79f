package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "pool", cfg.Worker.Executor)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, "/shared_data", cfg.Generation.SharedDir)
	assert.Equal(t, "melody-generation-set1", cfg.Generation.MelodyContainer)
	assert.Equal(t, "vocal-mix-set1", cfg.Generation.VocalContainer)
	assert.Equal(t, 10, cfg.Generation.ArtifactWaitAttempts)
	assert.Equal(t, 3*time.Second, cfg.Generation.ArtifactWaitBackoff)
	assert.Equal(t, "/app/checkpoints", cfg.Inference.CheckpointPath)
	assert.Equal(t, "/app/configs", cfg.Inference.ConfigPath)
	assert.True(t, cfg.Server.IsDevelopment())
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("MODEL_CONFIG_PATH", "/opt/configs")
	t.Setenv("SERVER_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, "/opt/configs", cfg.Inference.ConfigPath)
	assert.False(t, cfg.Server.IsDevelopment())
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "sqlite")

	_, err := Load()
	assert.Error(t, err)
}

func TestReadSecretFromFile(t *testing.T) {
	t.Chdir(t.TempDir())
	secretFile := filepath.Join(t.TempDir(), "jwt")
	require.NoError(t, os.WriteFile(secretFile, []byte("s3cret\n"), 0o600))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", secretFile)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "jobs", SSLMode: "disable"}.DSN()
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=jobs sslmode=disable", dsn)
}
