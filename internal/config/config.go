package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/koios/adb-invocation-server/pkg/models"
)

// ErrMissingValue is wrapped by every MissingError.
var ErrMissingValue = errors.New("missing required configuration value")

// MissingError names the environment variable that was required but unset.
type MissingError struct {
	Key string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingValue, e.Key)
}

func (e *MissingError) Unwrap() error { return ErrMissingValue }

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Capture  CaptureConfig
	Store    StoreConfig
	Redis    RedisConfig
	Static   StaticConfig
	Commands CommandsConfig
	LogLevel string
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int // 0 disables; store requests run until every batch settles
}

// CaptureConfig controls where device screenshots are written.
type CaptureConfig struct {
	// PathPattern is the capture directory, e.g. /screenshots/{platform}/{locale}/{device}.
	PathPattern   string
	AndroidDevice string
	IOSDevice     string
}

// DefaultDevice returns the device name used when a request omits one.
func (c CaptureConfig) DefaultDevice(platform models.Platform) string {
	if platform == models.PlatformIOS {
		return c.IOSDevice
	}
	return c.AndroidDevice
}

// Validate reports a missing capture path.
func (c CaptureConfig) Validate() error {
	if c.PathPattern == "" {
		return &MissingError{Key: "SCREENSHOT_CAPTURE_PATH"}
	}
	return nil
}

// StoreConfig holds everything the screenshot generation pipeline needs.
type StoreConfig struct {
	AndroidOutputBasePath string
	IOSOutputBasePath     string
	OutputFilePattern     string

	Bucket         string
	BucketBasePath string
	PublicURL      string

	APIHost     string
	APIEndpoint string
	APIKey      string

	BatchIntervalMs int
}

// RenderURL is the rendering endpoint pattern, still containing {template_id}.
func (c StoreConfig) RenderURL() string {
	if c.APIHost == "" || strings.HasPrefix(c.APIEndpoint, "http://") || strings.HasPrefix(c.APIEndpoint, "https://") {
		return c.APIEndpoint
	}
	return strings.TrimRight(c.APIHost, "/") + "/" + strings.TrimLeft(c.APIEndpoint, "/")
}

// Validate checks the values a store request cannot run without.
func (c StoreConfig) Validate() error {
	required := []struct {
		key, value string
	}{
		{"ANDROID_SCREENSHOT_OUTPUT_BASE_PATH", c.AndroidOutputBasePath},
		{"IOS_SCREENSHOT_OUTPUT_BASE_PATH", c.IOSOutputBasePath},
		{"OUTPUT_FILE_PATTERN", c.OutputFilePattern},
		{"GCLOUD_STORAGE_BUCKET", c.Bucket},
		{"GCLOUD_STORAGE_SS_BASE_PATH", c.BucketBasePath},
		{"SSPRO_API_ENDPOINT", c.APIEndpoint},
		{"SSPRO_API_KEY", c.APIKey},
	}
	var errs []error
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, &MissingError{Key: r.key})
		}
	}
	return errors.Join(errs...)
}

// RedisConfig holds Redis-related configuration. An empty Addr disables
// job event publishing.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StaticConfig optionally serves a directory over HTTP.
type StaticConfig struct {
	URLPath string
	Dir     string
}

// Enabled reports whether both halves of the static mapping are set.
func (c StaticConfig) Enabled() bool {
	return c.URLPath != "" && c.Dir != ""
}

// CommandsConfig points at an optional device command override file.
type CommandsConfig struct {
	File string
}

// Load loads configuration from environment variables. envFiles are passed
// to godotenv; with none given a .env in the working directory is used if present.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		// Load .env file if it exists (optional)
		_ = godotenv.Load()
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("LISTEN_PORT", 3000),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 0),
		},
		Capture: CaptureConfig{
			PathPattern:   getEnv("SCREENSHOT_CAPTURE_PATH", ""),
			AndroidDevice: getEnv("ANDROID_DEFAULT_DEVICE", "default"),
			IOSDevice:     getEnv("IOS_DEFAULT_DEVICE", "default"),
		},
		Store: StoreConfig{
			AndroidOutputBasePath: getEnv("ANDROID_SCREENSHOT_OUTPUT_BASE_PATH", ""),
			IOSOutputBasePath:     getEnv("IOS_SCREENSHOT_OUTPUT_BASE_PATH", ""),
			OutputFilePattern:     getEnv("OUTPUT_FILE_PATTERN", ""),
			Bucket:                getEnv("GCLOUD_STORAGE_BUCKET", ""),
			BucketBasePath:        getEnv("GCLOUD_STORAGE_SS_BASE_PATH", ""),
			PublicURL:             getEnv("GCLOUD_STORAGE_PUBLIC_URL", "https://storage.googleapis.com"),
			APIHost:               getEnv("SSPRO_API_HOST", ""),
			APIEndpoint:           getEnv("SSPRO_API_ENDPOINT", ""),
			APIKey:                getEnv("SSPRO_API_KEY", ""),
			BatchIntervalMs:       getEnvAsInt("STORE_BATCH_INTERVAL_MS", 0),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Static: StaticConfig{
			URLPath: getEnv("STATIC_URL_PATH", ""),
			Dir:     getEnv("STATIC_DIR", ""),
		},
		Commands: CommandsConfig{
			File: getEnv("DEVICE_COMMANDS_FILE", ""),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
