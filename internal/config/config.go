package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Engine
	SampleRate   int
	TickInterval time.Duration
	BPM          float64
	MasterGain   float64
	Fade         time.Duration

	// Server
	HTTPAddr string

	// Logging
	LogLevel string
	LogFile  string

	// Content
	CacheEntries int
	CacheTTL     time.Duration
	FFmpegPath   string
	ContentRoot  string
	HTTPAPIKey   string

	// Redis asset cache; disabled when RedisAddr is empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// S3-compatible object store; disabled when MinioEndpoint is empty.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioRegion    string
}

// Load reads configuration from the environment with defaults. Variables in
// the given .env files (or ./.env when none are named) fill in anything not
// already set; a missing file is not an error.
func Load(envFiles ...string) Config {
	_ = godotenv.Load(envFiles...)
	return Config{
		SampleRate:   envInt("BEATMIX_SAMPLE_RATE", 48000),
		TickInterval: time.Duration(envInt("BEATMIX_TICK_MS", 10)) * time.Millisecond,
		BPM:          envFloat("BEATMIX_BPM", 120),
		MasterGain:   envFloat("BEATMIX_MASTER_GAIN", 1.0),
		Fade:         time.Duration(envInt("BEATMIX_FADE_MS", 10)) * time.Millisecond,

		HTTPAddr: envStr("BEATMIX_HTTP_ADDR", ":8080"),

		LogLevel: envStr("BEATMIX_LOG_LEVEL", "info"),
		LogFile:  envStr("BEATMIX_LOG_FILE", ""),

		CacheEntries: envInt("BEATMIX_CACHE_ENTRIES", 32),
		CacheTTL:     time.Duration(envInt("BEATMIX_CACHE_TTL_MIN", 60)) * time.Minute,
		FFmpegPath:   envStr("FFMPEG_PATH", "ffmpeg"),
		ContentRoot:  envStr("BEATMIX_CONTENT_ROOT", ""),
		HTTPAPIKey:   envStr("BEATMIX_CONTENT_API_KEY", ""),

		RedisAddr:     envStr("REDIS_ADDR", ""),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		MinioEndpoint:  envStr("MINIO_ENDPOINT", ""),
		MinioAccessKey: envStr("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: envStr("MINIO_SECRET_KEY", ""),
		MinioUseSSL:    envBool("MINIO_USE_SSL", false),
		MinioRegion:    envStr("MINIO_REGION", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
