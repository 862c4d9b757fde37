package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Assistant engine
	ModelProvider         string
	BedrockModelID        string
	GeminiAPIKey          string
	GeminiModelID         string
	ModelTier             string
	FastModelTimeout      time.Duration
	StandardModelTimeout  time.Duration
	AdvancedModelTimeout  time.Duration
	InactivityWindow      time.Duration
	ReaperInterval        time.Duration
	MaxContextMessages    int
	PricingTableJSON      string
	TranscriptArchiveBucket string

	// Batch orchestration
	UseMemoryQueue      bool
	WorkerCount         int
	BatchQueueURL       string
	BatchMaxAttempts    int
	BatchRetryBaseDelay time.Duration

	// Redis transcript cache
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Notifications
	EmailProvider     string
	SendGridAPIKey    string
	NotifyFromEmail   string
	NotifyFromName    string
	BatchReportEmail  string

	// HTTP surface
	AdminJWTSecret     string
	CORSAllowedOrigins string
	RateLimitPerSec    float64
	RateLimitBurst     int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		ModelProvider:           strings.ToLower(strings.TrimSpace(getEnv("MODEL_PROVIDER", "auto"))),
		BedrockModelID:          getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:            getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:           getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		ModelTier:               strings.ToLower(strings.TrimSpace(getEnv("MODEL_TIER", "standard"))),
		FastModelTimeout:        getEnvAsDuration("FAST_MODEL_TIMEOUT", time.Second),
		StandardModelTimeout:    getEnvAsDuration("STANDARD_MODEL_TIMEOUT", 2*time.Second),
		AdvancedModelTimeout:    getEnvAsDuration("ADVANCED_MODEL_TIMEOUT", 4*time.Second),
		InactivityWindow:        getEnvAsDuration("CONVERSATION_INACTIVITY_WINDOW", 24*time.Hour),
		ReaperInterval:          getEnvAsDuration("CONVERSATION_REAPER_INTERVAL", 10*time.Minute),
		MaxContextMessages:      getEnvAsInt("MAX_CONTEXT_MESSAGES", 20),
		PricingTableJSON:        getEnv("MODEL_PRICING_JSON", ""),
		TranscriptArchiveBucket: getEnv("TRANSCRIPT_ARCHIVE_BUCKET", ""),

		UseMemoryQueue:      getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:         getEnvAsInt("WORKER_COUNT", 4),
		BatchQueueURL:       getEnv("BATCH_QUEUE_URL", ""),
		BatchMaxAttempts:    getEnvAsInt("BATCH_MAX_ATTEMPTS", 3),
		BatchRetryBaseDelay: getEnvAsDuration("BATCH_RETRY_BASE_DELAY", 500*time.Millisecond),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "eu-central-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		EmailProvider:    strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey:   getEnv("SENDGRID_API_KEY", ""),
		NotifyFromEmail:  getEnv("NOTIFY_FROM_EMAIL", ""),
		NotifyFromName:   getEnv("NOTIFY_FROM_NAME", "LexHQ"),
		BatchReportEmail: getEnv("BATCH_REPORT_EMAIL", ""),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		RateLimitPerSec:    getEnvAsFloat("RATE_LIMIT_PER_SEC", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 30),
	}
}

// ModelTimeout returns the model-call budget for the given tier.
func (c *Config) ModelTimeout(tier string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case "fast":
		return c.FastModelTimeout
	case "advanced":
		return c.AdvancedModelTimeout
	default:
		return c.StandardModelTimeout
	}
}

// CORSOrigins returns the parsed allowlist from the comma-separated env value.
func (c *Config) CORSOrigins() []string {
	if strings.TrimSpace(c.CORSAllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
