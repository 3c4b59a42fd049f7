package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	AppEnv             string // "development" enables console logs and the placeholder fallback by default
	APIPort            string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	ShutdownTimeout    time.Duration

	// Database
	DatabaseURL string

	// Redis (optional; enables the shared rate limiter)
	RedisURL string

	// Rate limiting of create/duplicate/edit, per owner
	RateLimitPerMinute int

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// ElevenLabs (TTS)
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Cartesia (TTS)
	CartesiaKey     string
	CartesiaURL     string
	CartesiaVoiceID string

	// OpenAI (TTS voices)
	OpenAIKey   string
	OpenAIVoice string

	// Talking-head renderer (primary path)
	TalkingHeadURL string
	TalkingHeadKey string

	// Secondary render backend: "http" or "veo"
	RenderBackend string
	RenderAPIURL  string
	RenderAPIKey  string

	// Veo (used when RenderBackend == "veo")
	GeminiKey string
	VeoModel  string

	// Placeholder fallback (terminal step of the chain)
	PlaceholderEnabled  bool
	PlaceholderVideoURL string

	// Provider polling and retry policy
	PollAttempts     int
	PollInterval     time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	TerminalWriteTry int

	// Orchestrator
	JobTimeout          time.Duration // 0 disables the watchdog
	ProgressRetention   time.Duration // how long terminal cache entries stay readable
	MaxParallelVariants int

	// Plan overrides
	FreeMonthlyLimit int
	ProMonthlyLimit  int
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	appEnv := getEnv("APP_ENV", "production")

	cfg := &Config{
		AppEnv:                appEnv,
		APIPort:               getEnv("API_PORT", "8080"),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		ShutdownTimeout:       getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		RateLimitPerMinute:    getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "avatar-videos"),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		CartesiaKey:           getEnv("CARTESIA_API_KEY", ""),
		CartesiaURL:           getEnv("CARTESIA_API_URL", "https://api.cartesia.ai"),
		CartesiaVoiceID:       getEnv("CARTESIA_VOICE_ID", ""),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIVoice:           getEnv("OPENAI_TTS_VOICE", "alloy"),
		TalkingHeadURL:        getEnv("TALKING_HEAD_API_URL", ""),
		TalkingHeadKey:        getEnv("TALKING_HEAD_API_KEY", ""),
		RenderBackend:         strings.ToLower(getEnv("RENDER_BACKEND", "http")),
		RenderAPIURL:          getEnv("RENDER_API_URL", ""),
		RenderAPIKey:          getEnv("RENDER_API_KEY", ""),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		PlaceholderEnabled:    getEnvBool("PLACEHOLDER_FALLBACK_ENABLED", appEnv == "development"),
		PlaceholderVideoURL:   getEnv("PLACEHOLDER_VIDEO_URL", "https://storage.googleapis.com/gtv-videos-bucket/sample/ForBiggerBlazes.mp4"),
		PollAttempts:          getEnvInt("PROVIDER_POLL_ATTEMPTS", 60),
		PollInterval:          getEnvDuration("PROVIDER_POLL_INTERVAL", 5*time.Second),
		RetryAttempts:         getEnvInt("PROVIDER_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:        getEnvDuration("PROVIDER_RETRY_BASE_DELAY", time.Second),
		TerminalWriteTry:      getEnvInt("TERMINAL_WRITE_ATTEMPTS", 3),
		JobTimeout:            getEnvDuration("JOB_TIMEOUT", 30*time.Minute),
		ProgressRetention:     getEnvDuration("PROGRESS_RETENTION", 10*time.Minute),
		MaxParallelVariants:   getEnvInt("MAX_PARALLEL_VARIANTS", 3),
		FreeMonthlyLimit:      getEnvInt("PLAN_FREE_MONTHLY_LIMIT", 1),
		ProMonthlyLimit:       getEnvInt("PLAN_PRO_MONTHLY_LIMIT", 20),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.RenderBackend != "http" && cfg.RenderBackend != "veo" {
		return nil, fmt.Errorf("RENDER_BACKEND must be \"http\" or \"veo\", got %q", cfg.RenderBackend)
	}

	if cfg.RenderBackend == "veo" && cfg.GeminiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required when RENDER_BACKEND=veo")
	}

	if cfg.PollAttempts < 1 {
		return nil, fmt.Errorf("PROVIDER_POLL_ATTEMPTS must be at least 1")
	}

	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("PROVIDER_RETRY_ATTEMPTS must be at least 1")
	}

	if cfg.MaxParallelVariants < 1 {
		cfg.MaxParallelVariants = 1
	}

	if cfg.TerminalWriteTry < 1 {
		cfg.TerminalWriteTry = 1
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
