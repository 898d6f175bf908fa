package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Provider defaults
	OpenAIBaseURL  string
	BaiduBaseURL   string
	ZhipuBaseURL   string
	TimeoutSeconds int

	// System prompt
	SystemPreMessage string

	// Key pool
	PremiumAutoDowngrade bool

	// Token ceilings per tier; zero means "use the hard per-model ceiling"
	StandardMaxTokens         int
	StandardMaxTokensRes      int
	StandardLargeMaxTokens    int
	StandardLargeMaxTokensRes int
	PremiumMaxTokens          int
	PremiumMaxTokensRes       int
	PremiumLargeMaxTokens     int
	PremiumLargeMaxTokensRes  int

	// Conversation history
	DefaultRounds int

	// Per-user request limit; zero disables
	RateLimitPerMinute int

	// Web augmentation ("network mode"); empty disables
	WebAugmentURL string

	// Object storage for generated images
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Endpoint  string
	S3BaseURL   string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),

		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		BaiduBaseURL:   getEnv("BAIDU_BASE_URL", "https://aip.baidubce.com"),
		ZhipuBaseURL:   getEnv("ZHIPU_BASE_URL", "https://open.bigmodel.cn/api/paas/v4"),
		TimeoutSeconds: getEnvInt("PROVIDER_TIMEOUT_SECONDS", 100),

		SystemPreMessage:     getEnv("SYSTEM_PRE_MESSAGE", "You are a helpful assistant."),
		PremiumAutoDowngrade: getEnvBool("PREMIUM_AUTO_DOWNGRADE", false),

		StandardMaxTokens:         getEnvInt("STANDARD_MAX_TOKENS", 0),
		StandardMaxTokensRes:      getEnvInt("STANDARD_MAX_TOKENS_RES", 0),
		StandardLargeMaxTokens:    getEnvInt("STANDARD_LARGE_MAX_TOKENS", 0),
		StandardLargeMaxTokensRes: getEnvInt("STANDARD_LARGE_MAX_TOKENS_RES", 0),
		PremiumMaxTokens:          getEnvInt("PREMIUM_MAX_TOKENS", 0),
		PremiumMaxTokensRes:       getEnvInt("PREMIUM_MAX_TOKENS_RES", 0),
		PremiumLargeMaxTokens:     getEnvInt("PREMIUM_LARGE_MAX_TOKENS", 0),
		PremiumLargeMaxTokensRes:  getEnvInt("PREMIUM_LARGE_MAX_TOKENS_RES", 0),

		DefaultRounds: getEnvInt("DEFAULT_ROUNDS", 8),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),

		WebAugmentURL: getEnv("WEB_AUGMENT_URL", ""),

		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3BaseURL:   getEnv("S3_BASE_URL", ""),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
