package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	R2        R2Config
	OIDC      OIDCConfig
	Gateway   GatewayConfig
	Scheduler SchedulerConfig
	Pipeline  PipelineConfig
	Stream    StreamConfig
	Retention RetentionConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	SubmitPerHour int
	QueryPerMin   int
}

type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type EmbeddingConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
}

type OIDCConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type SchedulerConfig struct {
	PollIntervalSeconds int
	Workers             int
}

type PipelineConfig struct {
	ChunkLines          int
	ChunkOverlap        int
	EmbedBatch          int
	MaxAttempts         int
	RetryBackoffSeconds int
	StageTimeoutSeconds int
}

type StreamConfig struct {
	HeartbeatSeconds int
}

type RetentionConfig struct {
	Hours int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("LLM_API_KEY")
	readSecret("EMBEDDING_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATE_LIMIT_SUBMIT_PER_HOUR")
	_ = viper.BindEnv("ratelimit.query_per_min", "RATE_LIMIT_QUERY_PER_MIN")
	_ = viper.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = viper.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = viper.BindEnv("llm.model", "LLM_MODEL")
	_ = viper.BindEnv("embedding.api_key", "EMBEDDING_API_KEY")
	_ = viper.BindEnv("embedding.base_url", "EMBEDDING_BASE_URL")
	_ = viper.BindEnv("embedding.model", "EMBEDDING_MODEL")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("oidc.domain", "OIDC_DOMAIN")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("scheduler.poll_interval_seconds", "SCHEDULER_POLL_INTERVAL")
	_ = viper.BindEnv("scheduler.workers", "SCHEDULER_WORKERS")
	_ = viper.BindEnv("pipeline.chunk_lines", "PIPELINE_CHUNK_LINES")
	_ = viper.BindEnv("pipeline.chunk_overlap", "PIPELINE_CHUNK_OVERLAP")
	_ = viper.BindEnv("pipeline.embed_batch", "PIPELINE_EMBED_BATCH")
	_ = viper.BindEnv("pipeline.max_attempts", "PIPELINE_MAX_ATTEMPTS")
	_ = viper.BindEnv("pipeline.retry_backoff_seconds", "PIPELINE_RETRY_BACKOFF")
	_ = viper.BindEnv("pipeline.stage_timeout_seconds", "PIPELINE_STAGE_TIMEOUT")
	_ = viper.BindEnv("stream.heartbeat_seconds", "STREAM_HEARTBEAT")
	_ = viper.BindEnv("retention.hours", "RETENTION_HOURS")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.submit_per_hour", 50)
	viper.SetDefault("ratelimit.query_per_min", 120)

	// LLM defaults (OpenAI-compatible chat completions)
	viper.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("llm.model", "llama-3.3-70b-versatile")

	// Embedding defaults
	viper.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	viper.SetDefault("embedding.model", "text-embedding-3-small")

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Scheduler defaults
	viper.SetDefault("scheduler.poll_interval_seconds", 3)
	viper.SetDefault("scheduler.workers", 4)

	// Pipeline defaults
	viper.SetDefault("pipeline.chunk_lines", 200)
	viper.SetDefault("pipeline.chunk_overlap", 20)
	viper.SetDefault("pipeline.embed_batch", 64)
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.retry_backoff_seconds", 2)
	viper.SetDefault("pipeline.stage_timeout_seconds", 120)

	// Stream defaults
	viper.SetDefault("stream.heartbeat_seconds", 15)

	// Retention defaults
	viper.SetDefault("retention.hours", 72)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
			QueryPerMin:   viper.GetInt("ratelimit.query_per_min"),
		},
		LLM: LLMConfig{
			APIKey:  viper.GetString("llm.api_key"),
			BaseURL: viper.GetString("llm.base_url"),
			Model:   viper.GetString("llm.model"),
		},
		Embedding: EmbeddingConfig{
			APIKey:  viper.GetString("embedding.api_key"),
			BaseURL: viper.GetString("embedding.base_url"),
			Model:   viper.GetString("embedding.model"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
		},
		OIDC: OIDCConfig{
			Domain:   viper.GetString("oidc.domain"),
			ClientID: viper.GetString("oidc.client_id"),
			Issuer:   viper.GetString("oidc.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: viper.GetInt("scheduler.poll_interval_seconds"),
			Workers:             viper.GetInt("scheduler.workers"),
		},
		Pipeline: PipelineConfig{
			ChunkLines:          viper.GetInt("pipeline.chunk_lines"),
			ChunkOverlap:        viper.GetInt("pipeline.chunk_overlap"),
			EmbedBatch:          viper.GetInt("pipeline.embed_batch"),
			MaxAttempts:         viper.GetInt("pipeline.max_attempts"),
			RetryBackoffSeconds: viper.GetInt("pipeline.retry_backoff_seconds"),
			StageTimeoutSeconds: viper.GetInt("pipeline.stage_timeout_seconds"),
		},
		Stream: StreamConfig{
			HeartbeatSeconds: viper.GetInt("stream.heartbeat_seconds"),
		},
		Retention: RetentionConfig{
			Hours: viper.GetInt("retention.hours"),
		},
	}

	return cfg, nil
}
