package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every subsystem's settings.
type Config struct {
	Server  ServerConfig
	Model   ModelConfig
	Session SessionConfig
	Queue   QueueConfig
	Auth    AuthConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	modelCfg, err := loadModelConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	queue, err := loadQueueConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Model:   modelCfg,
		Session: session,
		Queue:   queue,
		Auth:    loadAuthConfig(),
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// ModelConfig describes the upstream generation model.
type ModelConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled reports whether the required credentials are present.
func (c ModelConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds a model instance from the configuration.
func (c ModelConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("model credentials missing: provide ARK_API_KEY + ARK_MODEL or AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadModelConfig() (ModelConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return ModelConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return ModelConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return ModelConfig{}, err
	}

	return ModelConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// SessionConfig bounds session lifetimes in the registry.
type SessionConfig struct {
	// Retention keeps terminal sessions readable before eviction.
	Retention time.Duration
	// MaxStreaming fails sessions stuck in streaming past this duration.
	MaxStreaming time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	retention, err := parseDurationSecondsEnv("SESSION_RETENTION_SECONDS", 5*time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}

	maxStreaming, err := parseDurationSecondsEnv("STREAM_TIMEOUT_SECONDS", 2*time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{Retention: retention, MaxStreaming: maxStreaming}, nil
}

// QueueConfig selects the queue/fan-out drivers and the retry budget.
// An empty RedisAddr selects the in-process drivers.
type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Workers       int
	MaxAttempts   int
	RetryBackoff  time.Duration
}

func loadQueueConfig() (QueueConfig, error) {
	db, err := parseOptionalIntEnv("REDIS_DB")
	if err != nil {
		return QueueConfig{}, err
	}
	redisDB := 0
	if db != nil {
		redisDB = *db
	}

	workers, err := parseOptionalIntEnv("QUEUE_WORKERS")
	if err != nil {
		return QueueConfig{}, err
	}
	workerCount := 2
	if workers != nil && *workers > 0 {
		workerCount = *workers
	}

	attempts, err := parseOptionalIntEnv("QUEUE_MAX_ATTEMPTS")
	if err != nil {
		return QueueConfig{}, err
	}
	maxAttempts := 3
	if attempts != nil && *attempts > 0 {
		maxAttempts = *attempts
	}

	backoffMs, err := parseOptionalIntEnv("QUEUE_RETRY_BACKOFF_MS")
	if err != nil {
		return QueueConfig{}, err
	}
	backoff := 500 * time.Millisecond
	if backoffMs != nil && *backoffMs > 0 {
		backoff = time.Duration(*backoffMs) * time.Millisecond
	}

	return QueueConfig{
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,
		Workers:       workerCount,
		MaxAttempts:   maxAttempts,
		RetryBackoff:  backoff,
	}, nil
}

// AuthConfig describes the identity verifier gate.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// Enabled reports whether verification is configured.
func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		Issuer:    strings.TrimSpace(os.Getenv("AUTH_JWT_ISSUER")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationSecondsEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	seconds, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if seconds == nil {
		return defaultValue, nil
	}
	if *seconds <= 0 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *seconds)
	}
	return time.Duration(*seconds) * time.Second, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
