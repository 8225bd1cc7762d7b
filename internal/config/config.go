package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/qobuzdl/server/internal/errors"
)

// Storage backends for the optional library mirror.
const (
	StorageBackendNone  = "none"
	StorageBackendMinio = "minio"
	StorageBackendS3    = "s3"
)

type Config struct {
	ServerAddr string
	LogLevel   string
	LogFormat  string

	// Remote catalog
	AppID               string
	AuthTokens          []string
	AppSecret           string
	APIBase             string
	Socks5Proxy         string
	CatalogTimeout      time.Duration
	CredentialFreshness time.Duration

	// Acquisition
	DownloadPath         string
	FFmpegPath           string
	MediaDownloadTimeout time.Duration

	// Album metadata cache; empty RedisURL disables it
	RedisURL        string
	CatalogCacheTTL time.Duration

	// Library mirror
	StorageBackend string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UsePathStyle bool

	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration
}

// Load reads configuration from the environment, after applying a
// .env.local file if one exists. Required catalog settings are validated.
func Load() (*Config, error) {
	loadEnvFile()

	minioUseSSL, _ := strconv.ParseBool(getEnvOrDefault("MINIO_USE_SSL", "false"))
	s3PathStyle, _ := strconv.ParseBool(getEnvOrDefault("S3_USE_PATH_STYLE", "true"))

	cfg := &Config{
		ServerAddr: getEnvOrDefault("SERVER_ADDR", ":8080"),
		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:  getEnvOrDefault("LOG_FORMAT", "json"),

		AppID:               os.Getenv("QOBUZ_APP_ID"),
		AppSecret:           os.Getenv("QOBUZ_SECRET"),
		APIBase:             os.Getenv("QOBUZ_API_BASE"),
		Socks5Proxy:         os.Getenv("SOCKS5_PROXY"),
		CatalogTimeout:      getDurationOrDefault("CATALOG_TIMEOUT", 30*time.Second),
		CredentialFreshness: getDurationOrDefault("CREDENTIAL_FRESHNESS", 2*time.Minute),

		DownloadPath:         getEnvOrDefault("DOWNLOAD_PATH", "./downloads"),
		FFmpegPath:           getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),
		MediaDownloadTimeout: getDurationOrDefault("MEDIA_DOWNLOAD_TIMEOUT", 10*time.Minute),

		RedisURL:        os.Getenv("REDIS_URL"),
		CatalogCacheTTL: getDurationOrDefault("CATALOG_CACHE_TTL", time.Hour),

		StorageBackend: strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", StorageBackendNone)),

		MinioEndpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnvOrDefault("MINIO_BUCKET", "library"),
		MinioUseSSL:    minioUseSSL,

		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3Region:       getEnvOrDefault("S3_REGION", "us-east-1"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3Bucket:       getEnvOrDefault("S3_BUCKET", "library"),
		S3UsePathStyle: s3PathStyle,

		CORSAllowedOrigins: splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		ShutdownTimeout:    getDurationOrDefault("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	tokens, err := parseTokens(os.Getenv("QOBUZ_AUTH_TOKENS"))
	if err != nil {
		return nil, err
	}
	cfg.AuthTokens = tokens

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the catalog client cannot work without.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return apperrors.ConfigurationError("deployment is missing QOBUZ_APP_ID")
	}
	if len(c.AuthTokens) == 0 {
		return apperrors.ConfigurationError("QOBUZ_AUTH_TOKENS must list at least one token")
	}
	if c.AppSecret == "" {
		return apperrors.ConfigurationError("deployment is missing QOBUZ_SECRET")
	}
	if c.APIBase == "" {
		return apperrors.ConfigurationError("deployment is missing QOBUZ_API_BASE")
	}
	if c.DownloadPath == "" {
		return apperrors.ConfigurationError("DOWNLOAD_PATH must not be empty")
	}

	switch c.StorageBackend {
	case StorageBackendNone, StorageBackendMinio:
	case StorageBackendS3:
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			return apperrors.ConfigurationError("S3 storage backend requires S3_ACCESS_KEY and S3_SECRET_KEY")
		}
	default:
		return apperrors.ConfigurationError(fmt.Sprintf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}
	return nil
}

// parseTokens decodes the credential pool, a JSON array of strings.
func parseTokens(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var tokens []string
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, apperrors.ConfigurationError("QOBUZ_AUTH_TOKENS must be a JSON array of strings").WithCause(err)
	}

	pool := tokens[:0]
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			pool = append(pool, t)
		}
	}
	return pool, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}
	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
