package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// devGatewaySecret signs demo payments when DEV_MODE runs without a gateway secret
const devGatewaySecret = "dev-gateway-secret"

// Config holds the application configuration
type Config struct {
	Port        string
	DevMode     bool
	Store       string
	DatabaseURL string
	RedisURL    string

	JWTSecret  string
	SessionTTL time.Duration

	OTPSalt        string
	OTPDevMode     bool
	OTPTTL         time.Duration
	OTPMaxAttempts int

	SMSAPIKey  string
	SMSBaseURL string
	SMSSender  string

	DirectoryURL string

	GatewayBaseURL      string
	GatewayKeyID        string
	GatewayKeySecret    string
	GatewayTimeout      time.Duration
	PaymentDemoFallback bool
	PaymentCurrency     string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:            "8080",
		Store:           StorePostgres,
		PaymentCurrency: "INR",
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	cfg.DevMode = boolEnv("DEV_MODE")
	cfg.OTPDevMode = boolEnv("OTP_DEV_MODE")

	// Load STORE (optional, postgres or memory)
	if store := strings.ToLower(os.Getenv("STORE")); store != "" {
		if store != StorePostgres && store != StoreMemory {
			return nil, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, store)
		}
		cfg.Store = store
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	cfg.OTPSalt = os.Getenv("OTP_SALT")
	if cfg.OTPSalt == "" {
		return nil, fmt.Errorf("OTP_SALT environment variable is required")
	}

	cfg.GatewayKeySecret = os.Getenv("GATEWAY_KEY_SECRET")
	if cfg.GatewayKeySecret == "" {
		if !cfg.DevMode {
			return nil, fmt.Errorf("GATEWAY_KEY_SECRET environment variable is required")
		}
		cfg.GatewayKeySecret = devGatewaySecret
	}
	cfg.GatewayBaseURL = os.Getenv("GATEWAY_BASE_URL")
	cfg.GatewayKeyID = os.Getenv("GATEWAY_KEY_ID")
	cfg.PaymentDemoFallback = cfg.DevMode
	if v := os.Getenv("PAYMENT_DEMO_FALLBACK"); v != "" {
		cfg.PaymentDemoFallback = v == "true"
	}
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.PaymentCurrency = strings.ToUpper(v)
	}

	cfg.SMSAPIKey = os.Getenv("SMS_API_KEY")
	cfg.SMSBaseURL = os.Getenv("SMS_BASE_URL")
	cfg.SMSSender = os.Getenv("SMS_SENDER")
	cfg.DirectoryURL = os.Getenv("DIRECTORY_URL")

	var err error
	if cfg.SessionTTL, err = durationEnv("SESSION_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.OTPTTL, err = durationEnv("OTP_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.GatewayTimeout, err = durationEnv("GATEWAY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.OTPMaxAttempts, err = intEnv("OTP_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}

	return cfg, nil
}

func boolEnv(key string) bool {
	return os.Getenv(key) == "true"
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (e.g. 5m), got %q", key, v)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}
