package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/revisit/server/internal/match"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	AdminAPIKey string
	Scorer      match.Config
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:   "8080", // default port
		Scorer: match.DefaultConfig(),
	}

	// DATABASE_URL (required)
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	// PORT (optional, defaults to 8080)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	// JWT_SECRET (required, signs admin access tokens)
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	// ADMIN_API_KEY (required, exchanged for admin tokens)
	adminKey := os.Getenv("ADMIN_API_KEY")
	if adminKey == "" {
		return nil, fmt.Errorf("ADMIN_API_KEY environment variable is required")
	}
	cfg.AdminAPIKey = adminKey

	// Scorer overrides (optional); weights must still sum to 1.0
	if err := loadFloat("MATCH_THRESHOLD", &cfg.Scorer.MatchThreshold); err != nil {
		return nil, err
	}
	if err := loadFloat("WEIGHT_CANVAS", &cfg.Scorer.CanvasWeight); err != nil {
		return nil, err
	}
	if err := loadFloat("WEIGHT_AUDIO", &cfg.Scorer.AudioWeight); err != nil {
		return nil, err
	}
	if err := loadFloat("WEIGHT_HARDWARE", &cfg.Scorer.HardwareWeight); err != nil {
		return nil, err
	}
	if err := loadFloat("WEIGHT_SCREEN", &cfg.Scorer.ScreenWeight); err != nil {
		return nil, err
	}
	if err := loadFloat("WEIGHT_FONTS", &cfg.Scorer.FontsWeight); err != nil {
		return nil, err
	}
	if err := cfg.Scorer.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scorer configuration: %w", err)
	}

	return cfg, nil
}

// loadFloat overwrites dst with the env var value when set.
func loadFloat(name string, dst *float64) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s must be a float, got %q", name, raw)
	}
	*dst = v
	return nil
}
