package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Store      StoreConfig
	Redis      RedisConfig
	Postgres   PostgresConfig
	Worker     WorkerConfig
	Generation GenerationConfig
	Inference  InferenceConfig
	Storage    StorageConfig
	R2         R2Config
	Minio      MinioConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

// IsDevelopment reports whether the server runs outside production.
func (c ServerConfig) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

type LogConfig struct {
	Level  string
	Format string // "console" or "json"
}

type StoreConfig struct {
	Driver string // "memory", "redis" or "postgres"
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN builds a libpq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type WorkerConfig struct {
	Executor     string // "pool" or "asynq"
	Concurrency  int
	PollInterval time.Duration
	Queue        string
	TaskTimeout  time.Duration
}

type GenerationConfig struct {
	SharedDir                string
	Checkpoint               string
	MelodyContainer          string
	VocalContainer           string
	DockerHost               string
	ArtifactWaitAttempts     int
	ArtifactWaitBackoff      time.Duration
	MaxConcurrentInvocations int
}

type InferenceConfig struct {
	ServiceURL     string
	Timeout        int // seconds
	SDKPath        string
	CheckpointPath string
	ConfigPath     string
}

type StorageConfig struct {
	Provider string // "r2", "minio" or "none"

	// SignedURLTTL, when positive, makes remote urls presigned for private
	// buckets instead of public object urls.
	SignedURLTTL time.Duration
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	SubmitPerHour int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("POSTGRES_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("MINIO_ACCESS_KEY")
	readSecret("MINIO_SECRET_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	bindings := map[string]string{
		"server.port":                           "SERVER_PORT",
		"server.env":                            "SERVER_ENV",
		"log.level":                             "LOG_LEVEL",
		"log.format":                            "LOG_FORMAT",
		"store.driver":                          "STORE_DRIVER",
		"redis.addr":                            "REDIS_ADDR",
		"redis.password":                        "REDIS_PASSWORD",
		"redis.db":                              "REDIS_DB",
		"postgres.host":                         "POSTGRES_HOST",
		"postgres.port":                         "POSTGRES_PORT",
		"postgres.user":                         "POSTGRES_USER",
		"postgres.password":                     "POSTGRES_PASSWORD",
		"postgres.dbname":                       "POSTGRES_DB",
		"postgres.sslmode":                      "POSTGRES_SSLMODE",
		"worker.executor":                       "WORKER_EXECUTOR",
		"worker.concurrency":                    "WORKER_CONCURRENCY",
		"worker.poll_interval":                  "WORKER_POLL_INTERVAL",
		"worker.queue":                          "WORKER_QUEUE",
		"worker.task_timeout":                   "WORKER_TASK_TIMEOUT",
		"generation.shared_dir":                 "SHARED_DATA_DIR",
		"generation.checkpoint":                 "MELODY_CHECKPOINT",
		"generation.melody_container":           "MELODY_CONTAINER",
		"generation.vocal_container":            "VOCAL_CONTAINER",
		"generation.docker_host":                "DOCKER_HOST",
		"generation.artifact_wait_attempts":     "ARTIFACT_WAIT_ATTEMPTS",
		"generation.artifact_wait_backoff":      "ARTIFACT_WAIT_BACKOFF",
		"generation.max_concurrent_invocations": "MAX_CONCURRENT_INVOCATIONS",
		"inference.service_url":                 "INFERENCE_SERVICE_URL",
		"inference.timeout":                     "INFERENCE_SERVICE_TIMEOUT",
		"inference.sdk_path":                    "DREAMTONICS_SDK_PATH",
		"inference.checkpoint_path":             "MODEL_CHECKPOINT_PATH",
		"inference.config_path":                 "MODEL_CONFIG_PATH",
		"storage.provider":                      "STORAGE_PROVIDER",
		"storage.signed_url_ttl":                "STORAGE_SIGNED_URL_TTL",
		"r2.account_id":                         "R2_ACCOUNT_ID",
		"r2.access_key_id":                      "R2_ACCESS_KEY_ID",
		"r2.secret_access_key":                  "R2_SECRET_ACCESS_KEY",
		"r2.bucket_name":                        "R2_BUCKET_NAME",
		"r2.public_url":                         "R2_PUBLIC_URL",
		"minio.endpoint":                        "MINIO_ENDPOINT",
		"minio.access_key":                      "MINIO_ACCESS_KEY",
		"minio.secret_key":                      "MINIO_SECRET_KEY",
		"minio.bucket":                          "MINIO_BUCKET",
		"minio.use_ssl":                         "MINIO_USE_SSL",
		"minio.public_url":                      "MINIO_PUBLIC_URL",
		"jwt.secret":                            "JWT_SECRET",
		"ratelimit.submit_per_hour":             "RATELIMIT_SUBMIT_PER_HOUR",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("store.driver", "redis")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.dbname", "melodygen")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("worker.executor", "pool")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.queue", "generate")
	v.SetDefault("worker.task_timeout", 2*time.Hour)

	// Generation defaults match the container deployment
	v.SetDefault("generation.shared_dir", "/shared_data")
	v.SetDefault("generation.checkpoint", "/app/checkpoints/checkpoint.pth")
	v.SetDefault("generation.melody_container", "melody-generation-set1")
	v.SetDefault("generation.vocal_container", "vocal-mix-set1")
	v.SetDefault("generation.docker_host", "")
	v.SetDefault("generation.artifact_wait_attempts", 10)
	v.SetDefault("generation.artifact_wait_backoff", 3*time.Second)
	v.SetDefault("generation.max_concurrent_invocations", 0)

	// Inference sidecar defaults
	v.SetDefault("inference.service_url", "http://localhost:8090")
	v.SetDefault("inference.timeout", 1800)
	v.SetDefault("inference.sdk_path", "/app/dreamtonics_sdk")
	v.SetDefault("inference.checkpoint_path", "/app/checkpoints")
	v.SetDefault("inference.config_path", "/app/configs")

	v.SetDefault("storage.provider", "none")
	v.SetDefault("storage.signed_url_ttl", 0)
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("ratelimit.submit_per_hour", 20)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("server.port"),
			Env:  v.GetString("server.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Store: StoreConfig{
			Driver: v.GetString("store.driver"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Postgres: PostgresConfig{
			Host:     v.GetString("postgres.host"),
			Port:     v.GetInt("postgres.port"),
			User:     v.GetString("postgres.user"),
			Password: v.GetString("postgres.password"),
			DBName:   v.GetString("postgres.dbname"),
			SSLMode:  v.GetString("postgres.sslmode"),
		},
		Worker: WorkerConfig{
			Executor:     v.GetString("worker.executor"),
			Concurrency:  v.GetInt("worker.concurrency"),
			PollInterval: v.GetDuration("worker.poll_interval"),
			Queue:        v.GetString("worker.queue"),
			TaskTimeout:  v.GetDuration("worker.task_timeout"),
		},
		Generation: GenerationConfig{
			SharedDir:                v.GetString("generation.shared_dir"),
			Checkpoint:               v.GetString("generation.checkpoint"),
			MelodyContainer:          v.GetString("generation.melody_container"),
			VocalContainer:           v.GetString("generation.vocal_container"),
			DockerHost:               v.GetString("generation.docker_host"),
			ArtifactWaitAttempts:     v.GetInt("generation.artifact_wait_attempts"),
			ArtifactWaitBackoff:      v.GetDuration("generation.artifact_wait_backoff"),
			MaxConcurrentInvocations: v.GetInt("generation.max_concurrent_invocations"),
		},
		Inference: InferenceConfig{
			ServiceURL:     v.GetString("inference.service_url"),
			Timeout:        v.GetInt("inference.timeout"),
			SDKPath:        v.GetString("inference.sdk_path"),
			CheckpointPath: v.GetString("inference.checkpoint_path"),
			ConfigPath:     v.GetString("inference.config_path"),
		},
		Storage: StorageConfig{
			Provider:     v.GetString("storage.provider"),
			SignedURLTTL: v.GetDuration("storage.signed_url_ttl"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Minio: MinioConfig{
			Endpoint:  v.GetString("minio.endpoint"),
			AccessKey: v.GetString("minio.access_key"),
			SecretKey: v.GetString("minio.secret_key"),
			Bucket:    v.GetString("minio.bucket"),
			UseSSL:    v.GetBool("minio.use_ssl"),
			PublicURL: v.GetString("minio.public_url"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Worker.Executor {
	case "pool", "asynq":
	default:
		return fmt.Errorf("unknown worker executor %q", c.Worker.Executor)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll interval must be positive")
	}
	return nil
}
