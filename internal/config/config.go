// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Embedding providers.
const (
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
	ProviderOllama  = "ollama"
)

// Ledger backends.
const (
	LedgerSurreal = "surreal"
	LedgerBadger  = "badger"
	LedgerMemory  = "memory"
)

// Storage backends.
const (
	StorageS3     = "s3"
	StorageMemory = "memory"
)

// Config holds all configuration values.
type Config struct {
	// HTTP server
	Port      int
	APIToken  string
	LocalMode bool
	// ServerURL is where the CLI reaches the server.
	ServerURL string

	// Ledger
	LedgerBackend      string
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string
	BadgerPath         string

	// Object storage
	StorageBackend string
	S3Bucket       string
	AWSRegion      string
	S3Endpoint     string
	S3UsePathStyle bool

	// Embeddings
	EmbedProvider  string
	EmbedModel     string
	EmbedDimension int
	OllamaHost     string
	OpenAIAPIKey   string

	// Pipeline
	RefreshThresholdDays   int
	MaxConcurrentTasks     int
	MaxRetryAttempts       int
	RetryBaseDelay         time.Duration
	AutoProcessingEnabled  bool
	AutoProcessingInterval time.Duration
	DeadWorkerTimeout      time.Duration
	ChunkSize              int
	ChunkOverlap           int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first; real environment variables win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (Config, error) {
	p := &parser{}
	cfg := Config{
		Port:      p.int("CONTENTOPS_PORT", 8484),
		APIToken:  getEnv("CONTENTOPS_API_TOKEN", ""),
		LocalMode: p.bool("CONTENTOPS_LOCAL_MODE", false),
		ServerURL: getEnv("CONTENTOPS_URL", "http://localhost:8484"),

		LedgerBackend:      strings.ToLower(getEnv("LEDGER_BACKEND", LedgerSurreal)),
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "contentops"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "ledger"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),
		BadgerPath:         getEnv("BADGER_PATH", "./data/ledger"),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageS3)),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: p.bool("S3_USE_PATH_STYLE", false),

		EmbedProvider:  strings.ToLower(getEnv("EMBED_PROVIDER", ProviderBedrock)),
		EmbedModel:     getEnv("EMBED_MODEL", ""),
		EmbedDimension: p.int("EMBED_DIMENSION", 0),
		OllamaHost:     getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),

		RefreshThresholdDays:   p.int("REFRESH_THRESHOLD_DAYS", 7),
		MaxConcurrentTasks:     p.int("MAX_CONCURRENT_TASKS", 5),
		MaxRetryAttempts:       p.int("MAX_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:         p.duration("RETRY_BASE_DELAY", 5*time.Second),
		AutoProcessingEnabled:  p.bool("AUTO_PROCESSING_ENABLED", false),
		AutoProcessingInterval: p.duration("AUTO_PROCESSING_INTERVAL", time.Hour),
		DeadWorkerTimeout:      p.duration("DEAD_WORKER_TIMEOUT", 30*time.Minute),
		ChunkSize:              p.int("CHUNK_SIZE", 1000),
		ChunkOverlap:           p.int("CHUNK_OVERLAP", 200),

		LogFile:  getEnv("LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "INFO")),
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = defaultEmbedModel(cfg.EmbedProvider)
	}
	if cfg.EmbedDimension == 0 {
		cfg.EmbedDimension = defaultEmbedDimension(cfg.EmbedProvider)
	}
	if err := p.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the server configuration. The CLI only needs ServerURL
// and APIToken and skips it.
func (c Config) Validate() error {
	var errs []error
	switch c.LedgerBackend {
	case LedgerSurreal, LedgerBadger, LedgerMemory:
	default:
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND: unknown backend %q", c.LedgerBackend))
	}
	switch c.StorageBackend {
	case StorageS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 storage backend"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND: unknown backend %q", c.StorageBackend))
	}
	switch c.EmbedProvider {
	case ProviderBedrock, ProviderOllama:
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("EMBED_PROVIDER: unknown provider %q", c.EmbedProvider))
	}
	if c.RefreshThresholdDays < 0 {
		errs = append(errs, errors.New("REFRESH_THRESHOLD_DAYS must not be negative"))
	}
	if c.MaxConcurrentTasks < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_TASKS must be at least 1"))
	}
	if c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, errors.New("CHUNK_OVERLAP must be smaller than CHUNK_SIZE"))
	}
	if !c.LocalMode && c.APIToken == "" {
		errs = append(errs, errors.New("CONTENTOPS_API_TOKEN is required unless CONTENTOPS_LOCAL_MODE is set"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func defaultEmbedModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "text-embedding-3-small"
	case ProviderOllama:
		return "all-minilm:l6-v2"
	default:
		return "amazon.titan-embed-text-v2:0"
	}
}

func defaultEmbedDimension(provider string) int {
	switch provider {
	case ProviderOpenAI:
		return 1536
	case ProviderOllama:
		return 384
	default:
		return 1024
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// parser collects conversion errors so Load reports all bad variables at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
