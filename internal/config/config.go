// Package config provides configuration loading and management for the toonify service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the OS
// environment always wins over .env, and .env wins over .env.local.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// ErrConfiguration is the root of every configuration failure.
var ErrConfiguration = errors.New("configuration error")

// MissingError lists the required variables that were absent.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Names, ", "))
}

// Unwrap lets callers match MissingError with errors.Is(err, ErrConfiguration).
func (e *MissingError) Unwrap() error { return ErrConfiguration }

// Config captures environment-driven settings for the toonify service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string; empty means in-memory (dev only)
	NATSURL     string // NATS server URL; empty disables status events

	S3Endpoint     string // S3-compatible endpoint, empty for AWS
	S3Region       string
	S3Bucket       string // Empty means in-memory assets (dev only)
	S3AccessKey    string // Empty means the default AWS credential chain
	S3SecretKey    string
	AssetPublicURL string // Base URL objects are publicly reachable under

	SessionSecret string        // HS256 key for session tokens
	SessionTTL    time.Duration // Session token validity window

	IdentityIssuer      string // Provider issuer; token and key endpoints hang off it
	IdentityClientID    string // Audience of identity assertions, sub of client assertions
	IdentityTeamID      string // iss of client assertions
	IdentityKeyID       string // kid of client assertions
	IdentityPrivateKey  string // PEM encoded ES256 key for client assertions
	IdentityRedirectURI string

	TransformBaseURL string
	TransformAPIKey  string
	TransformModel   string
	TransformPrompt  string

	PipelineTimeout   time.Duration // Wall-clock bound on one pipeline run
	StreamIdleTimeout time.Duration // Bound on silence between stream lines
	SweepInterval     time.Duration // Stranded record sweep period, 0 disables

	MaxUploadSize    int64    // Maximum upload size in bytes
	AllowedMimeTypes []string // Allowed image types for uploads
	RequireCredits   bool     // Whether ingestion consumes a credit

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
	TraceStdout        bool     // Export spans to stdout
}

// Default configuration values used when environment variables are not set
const (
	defaultPort              = "8080"
	defaultEnv               = "dev"
	defaultS3Region          = "us-east-1"
	defaultSessionTTL        = time.Hour
	defaultIdentityIssuer    = "https://appleid.apple.com"
	defaultTransformBaseURL  = "https://api.openai.com/v1"
	defaultTransformModel    = "gpt-4o-image"
	defaultTransformPrompt   = "Redraw this photo as a hand-drawn cartoon illustration. Keep the composition and the people recognisable. Reply with the resulting image as a markdown image link."
	defaultPipelineTimeout   = 3 * time.Minute
	defaultStreamIdleTimeout = time.Minute
	defaultSweepInterval     = 5 * time.Minute
	defaultMaxUploadSize     = 10 * 1024 * 1024
)

var defaultAllowedMimeTypes = []string{"image/jpeg", "image/png", "image/heic", "image/heif", "image/webp", "image/gif"}

// Load reads environment variables and produces a Config suitable for wiring the service.
// Every missing required variable is reported at once in a *MissingError.
func Load() (Config, error) {
	cfg := Config{
		Env:                 getEnv("TOONIFY_ENV", defaultEnv),
		Port:                getEnv("TOONIFY_PORT", defaultPort),
		DatabaseDSN:         os.Getenv("TOONIFY_DB_DSN"),
		NATSURL:             os.Getenv("TOONIFY_NATS_URL"),
		S3Endpoint:          os.Getenv("TOONIFY_S3_ENDPOINT"),
		S3Region:            getEnv("TOONIFY_S3_REGION", defaultS3Region),
		S3Bucket:            os.Getenv("TOONIFY_S3_BUCKET"),
		S3AccessKey:         os.Getenv("TOONIFY_S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("TOONIFY_S3_SECRET_KEY"),
		AssetPublicURL:      os.Getenv("TOONIFY_ASSET_PUBLIC_URL"),
		SessionSecret:       os.Getenv("TOONIFY_SESSION_SECRET"),
		IdentityIssuer:      strings.TrimRight(getEnv("TOONIFY_IDP_ISSUER", defaultIdentityIssuer), "/"),
		IdentityClientID:    os.Getenv("TOONIFY_IDP_CLIENT_ID"),
		IdentityTeamID:      os.Getenv("TOONIFY_IDP_TEAM_ID"),
		IdentityKeyID:       os.Getenv("TOONIFY_IDP_KEY_ID"),
		IdentityPrivateKey:  os.Getenv("TOONIFY_IDP_PRIVATE_KEY"),
		IdentityRedirectURI: os.Getenv("TOONIFY_IDP_REDIRECT_URI"),
		TransformBaseURL:    strings.TrimRight(getEnv("TOONIFY_TRANSFORM_BASE_URL", defaultTransformBaseURL), "/"),
		TransformAPIKey:     os.Getenv("TOONIFY_TRANSFORM_API_KEY"),
		TransformModel:      getEnv("TOONIFY_TRANSFORM_MODEL", defaultTransformModel),
		TransformPrompt:     getEnv("TOONIFY_TRANSFORM_PROMPT", defaultTransformPrompt),
		RequireCredits:      parseBool(os.Getenv("TOONIFY_REQUIRE_CREDITS")),
		TraceStdout:         parseBool(os.Getenv("TOONIFY_TRACE_STDOUT")),
		AllowedMimeTypes:    defaultAllowedMimeTypes,
	}

	if path, exists := os.LookupEnv("TOONIFY_IDP_PRIVATE_KEY_FILE"); exists && cfg.IdentityPrivateKey == "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("%w: read TOONIFY_IDP_PRIVATE_KEY_FILE: %v", ErrConfiguration, err)
		}
		cfg.IdentityPrivateKey = string(pem)
	}

	var err error
	if cfg.SessionTTL, err = parseDuration("TOONIFY_SESSION_TTL", defaultSessionTTL); err != nil {
		return cfg, err
	}
	if cfg.PipelineTimeout, err = parseDuration("TOONIFY_PIPELINE_TIMEOUT", defaultPipelineTimeout); err != nil {
		return cfg, err
	}
	if cfg.StreamIdleTimeout, err = parseDuration("TOONIFY_STREAM_IDLE_TIMEOUT", defaultStreamIdleTimeout); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = parseDuration("TOONIFY_SWEEP_INTERVAL", defaultSweepInterval); err != nil {
		return cfg, err
	}

	cfg.MaxUploadSize = defaultMaxUploadSize
	if raw, exists := os.LookupEnv("TOONIFY_MAX_UPLOAD_SIZE"); exists {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || size <= 0 {
			return cfg, fmt.Errorf("%w: TOONIFY_MAX_UPLOAD_SIZE must be a positive integer", ErrConfiguration)
		}
		cfg.MaxUploadSize = size
	}

	if raw, exists := os.LookupEnv("TOONIFY_ALLOWED_MIME_TYPES"); exists {
		cfg.AllowedMimeTypes = splitList(raw)
	}
	if raw, exists := os.LookupEnv("TOONIFY_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = splitList(raw)
	}

	// Validate required parameters
	var missing []string
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	require("TOONIFY_SESSION_SECRET", cfg.SessionSecret)
	require("TOONIFY_IDP_CLIENT_ID", cfg.IdentityClientID)
	require("TOONIFY_IDP_TEAM_ID", cfg.IdentityTeamID)
	require("TOONIFY_IDP_KEY_ID", cfg.IdentityKeyID)
	require("TOONIFY_IDP_PRIVATE_KEY", cfg.IdentityPrivateKey)
	require("TOONIFY_TRANSFORM_API_KEY", cfg.TransformAPIKey)
	if !cfg.IsDev() {
		require("TOONIFY_DB_DSN", cfg.DatabaseDSN)
		require("TOONIFY_S3_BUCKET", cfg.S3Bucket)
	}
	if len(missing) > 0 {
		return cfg, &MissingError{Names: missing}
	}

	return cfg, nil
}

// IsDev reports whether in-memory fallbacks are acceptable.
func (c Config) IsDev() bool {
	return c.Env == "dev"
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative duration", ErrConfiguration, key)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
