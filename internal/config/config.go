// Package config handles terminal configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all terminal daemon configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Collaborator endpoints
	BackendURL string // invoice/check/forward/lnurl-proxy HTTP base URL
	PushURL    string // websocket settlement channel, ws:// or wss://
	RatesURL   string // exchange-rate endpoint base URL

	// Terminal settings
	Currency          string // display currency code, e.g. "USD" or "SATS"
	MerchantLabel     string // memo prefix, e.g. the shop name
	TipPresets        []int  // tip percentages offered by the split dialog
	TipRecipient      string // optional tip destination account
	CommissionPercent int
	UseNWC            bool // forward through the NWC wallet variant

	// Payment detection
	FocusPollDelay       time.Duration // delay between focus regain and the poll check
	ReconnectMaxAttempts int           // bounded automatic push-channel reconnects
	RateRefresh          time.Duration // exchange-rate cache refresh interval

	// NFC
	NFCEnabled bool

	// Feedback
	SoundTheme string
}

// Defaults.
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCurrency       = "USD"
	DefaultFocusPollDelay = 500 * time.Millisecond
	DefaultReconnectMax   = 5
	DefaultRateRefresh    = time.Minute
	DefaultSoundTheme     = "classic"
)

// Load reads configuration from environment variables. A .env file is
// loaded first when present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		BackendURL:           os.Getenv("BACKEND_URL"),
		PushURL:              os.Getenv("PUSH_URL"),
		RatesURL:             os.Getenv("RATES_URL"),
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		MerchantLabel:        os.Getenv("MERCHANT_LABEL"),
		TipPresets:           getEnvInts("TIP_PRESETS", []int{0, 5, 10, 15}),
		TipRecipient:         os.Getenv("TIP_RECIPIENT"),
		CommissionPercent:    getEnvInt("COMMISSION_PERCENT", 0),
		UseNWC:               getEnvBool("USE_NWC", false),
		FocusPollDelay:       getEnvDuration("FOCUS_POLL_DELAY", DefaultFocusPollDelay),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", DefaultReconnectMax),
		RateRefresh:          getEnvDuration("RATE_REFRESH", DefaultRateRefresh),
		NFCEnabled:           getEnvBool("NFC_ENABLED", true),
		SoundTheme:           getEnv("SOUND_THEME", DefaultSoundTheme),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if _, err := url.Parse(c.BackendURL); err != nil {
		return fmt.Errorf("BACKEND_URL is not a valid URL: %w", err)
	}
	if c.PushURL != "" {
		u, err := url.Parse(c.PushURL)
		if err != nil {
			return fmt.Errorf("PUSH_URL is not a valid URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("PUSH_URL must use ws:// or wss://")
		}
	}
	if c.CommissionPercent < 0 || c.CommissionPercent > 100 {
		return fmt.Errorf("COMMISSION_PERCENT must be between 0 and 100")
	}
	for _, p := range c.TipPresets {
		if p < 0 || p > 100 {
			return fmt.Errorf("TIP_PRESETS entries must be between 0 and 100")
		}
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvInts parses a comma-separated integer list, e.g. "0,5,10,15".
func getEnvInts(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return defaultValue
		}
		out = append(out, i)
	}
	return out
}
