package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// OpenAI (scene structure generation)
	OpenAIKey   string
	OpenAIModel string

	// Gemini (still image generation + garment swap)
	GeminiKey string

	// Veo (motion clip generation)
	VeoModel string

	// Authorization/cost collaborator
	CreditsURL    string
	CreditsAPIKey string
	PerAssetCost  int // credit units charged per generated asset

	// Paths
	AssetDir string // where generated assets are written
	TempDir  string // scratch space for the compositor
	FontDir  string // bundled fonts for subtitle burn-in

	// Render
	RenderWidth       int
	RenderHeight      int
	RenderFPS         int
	TransitionOverlap float64 // seconds of cross-fade overlap between scenes
	BackgroundMusic   string  // optional background music file (empty = narration only)

	// Pipeline
	ProjectID          string // scene list this process serves (UUID, empty = nil project)
	PreviewConcurrency int    // ceiling on simultaneously active preview jobs
	BatchSubmitDelayMs int    // courtesy delay between batch job submissions
	MaxConcurrentJobs  int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-5-mini"),
		GeminiKey:          getEnv("GEMINI_API_KEY", ""),
		VeoModel:           getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		CreditsURL:         getEnv("CREDITS_API_URL", ""),
		CreditsAPIKey:      getEnv("CREDITS_API_KEY", ""),
		PerAssetCost:       getEnvInt("PER_ASSET_COST", 10),
		AssetDir:           getEnv("ASSET_DIR", "/var/lib/sceneforge/assets"),
		TempDir:            getEnv("TEMP_DIR", "/tmp/sceneforge"),
		FontDir:            getEnv("FONT_DIR", "assets/fonts"),
		RenderWidth:        getEnvInt("RENDER_WIDTH", 1080),
		RenderHeight:       getEnvInt("RENDER_HEIGHT", 1920),
		RenderFPS:          getEnvInt("RENDER_FPS", 30),
		TransitionOverlap:  getEnvFloat("TRANSITION_OVERLAP_SEC", 0.2),
		BackgroundMusic:    getEnv("BACKGROUND_MUSIC_PATH", ""),
		ProjectID:          getEnv("PROJECT_ID", ""),
		PreviewConcurrency: getEnvInt("PREVIEW_CONCURRENCY", 5),
		BatchSubmitDelayMs: getEnvInt("BATCH_SUBMIT_DELAY_MS", 250),
		MaxConcurrentJobs:  getEnvInt("MAX_CONCURRENT_JOBS", 5),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	if cfg.GeminiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	if cfg.CreditsURL == "" {
		return nil, fmt.Errorf("CREDITS_API_URL is required")
	}

	if cfg.RenderFPS <= 0 {
		return nil, fmt.Errorf("RENDER_FPS must be positive")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}
