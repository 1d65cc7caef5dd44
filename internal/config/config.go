// Package config loads and validates runtime configuration.
//
// Values come from, in increasing priority: built-in defaults, an optional
// YAML file named by CONFIG_FILE, a .env file in the working directory, and
// the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: field %q: %s", e.Field, e.Message)
}

// Config holds all runtime configuration.
type Config struct {
	DBDriver string `yaml:"db_driver" env:"DB_DRIVER" validate:"oneof=postgres sqlite"`
	DBDSN    string `yaml:"db_dsn" env:"DB_DSN" validate:"required"`
	Port     int    `yaml:"port" env:"PORT" validate:"min=1,max=65535"`

	// GeoRide upstream.
	GeorideBaseURL       string        `yaml:"georide_base_url" env:"GEORIDE_BASE_URL" validate:"required,url"`
	GeorideAPIToken      string        `yaml:"georide_api_token" env:"GEORIDE_API_TOKEN"`
	GeorideTokenFile     string        `yaml:"georide_token_file" env:"GEORIDE_TOKEN_FILE"` // enables token renewal
	GeorideTimeout       time.Duration `yaml:"georide_timeout" env:"GEORIDE_TIMEOUT" validate:"gt=0"`
	TokenRefreshInterval time.Duration `yaml:"token_refresh_interval" env:"TOKEN_REFRESH_INTERVAL" validate:"gt=0"`

	// Positions cache.
	CacheTTL        time.Duration `yaml:"cache_ttl" env:"CACHE_TTL" validate:"gt=0"`
	CacheMaxEntries int           `yaml:"cache_max_entries" env:"CACHE_MAX_ENTRIES" validate:"min=1"`

	// Importer.
	ImportPositionMargin time.Duration `yaml:"import_position_margin" env:"IMPORT_POSITION_MARGIN" validate:"gte=0"`
	ImportStrategy       string        `yaml:"import_strategy" env:"IMPORT_STRATEGY" validate:"oneof=window per_trip"`

	// HTTP surface.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gt=0"`
	AdminKeyHash   string        `yaml:"admin_key_hash" env:"ADMIN_KEY_HASH"` // bcrypt; empty disables the check
	CORSOrigin     string        `yaml:"cors_origin" env:"CORS_ORIGIN" validate:"omitempty,http_url"`

	// Import events; empty AMQPURL disables publishing.
	AMQPURL      string `yaml:"amqp_url" env:"AMQP_URL"`
	AMQPExchange string `yaml:"amqp_exchange" env:"AMQP_EXCHANGE" validate:"required"`
}

// Defaults returns a Config with every optional field set.
func Defaults() Config {
	return Config{
		DBDriver:             "postgres",
		Port:                 8080,
		GeorideBaseURL:       "https://api.georide.com",
		GeorideTimeout:       10 * time.Second,
		TokenRefreshInterval: 12 * time.Hour,
		CacheTTL:             5 * time.Minute,
		CacheMaxEntries:      100,
		ImportPositionMargin: 2 * time.Minute,
		ImportStrategy:       "window",
		RequestTimeout:       60 * time.Second,
		CORSOrigin:           "http://localhost:5173",
		AMQPExchange:         "trips",
	}
}

// Load reads configuration and validates it.
// Returns a ConfigError (or several, joined) for any missing or invalid value.
func Load() (*Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Field: "CONFIG_FILE", Message: err.Error()}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &ConfigError{Field: "CONFIG_FILE", Message: "invalid YAML: " + err.Error()}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.DBDriver = stringEnv("DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = stringEnv("DB_DSN", cfg.DBDSN)
	cfg.GeorideBaseURL = strings.TrimRight(stringEnv("GEORIDE_BASE_URL", cfg.GeorideBaseURL), "/")
	cfg.GeorideAPIToken = stringEnv("GEORIDE_API_TOKEN", cfg.GeorideAPIToken)
	cfg.GeorideTokenFile = stringEnv("GEORIDE_TOKEN_FILE", cfg.GeorideTokenFile)
	cfg.ImportStrategy = stringEnv("IMPORT_STRATEGY", cfg.ImportStrategy)
	cfg.AdminKeyHash = stringEnv("ADMIN_KEY_HASH", cfg.AdminKeyHash)
	cfg.CORSOrigin = stringEnv("CORS_ORIGIN", cfg.CORSOrigin)
	cfg.AMQPURL = stringEnv("AMQP_URL", cfg.AMQPURL)
	cfg.AMQPExchange = stringEnv("AMQP_EXCHANGE", cfg.AMQPExchange)

	cfg.GeorideTimeout = parseDurationEnv("GEORIDE_TIMEOUT", cfg.GeorideTimeout)
	cfg.TokenRefreshInterval = parseDurationEnv("TOKEN_REFRESH_INTERVAL", cfg.TokenRefreshInterval)
	cfg.CacheTTL = parseDurationEnv("CACHE_TTL", cfg.CacheTTL)
	cfg.ImportPositionMargin = parseDurationEnv("IMPORT_POSITION_MARGIN", cfg.ImportPositionMargin)
	cfg.RequestTimeout = parseDurationEnv("REQUEST_TIMEOUT", cfg.RequestTimeout)

	var err error
	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return err
	}
	if cfg.CacheMaxEntries, err = intEnv("CACHE_MAX_ENTRIES", cfg.CacheMaxEntries); err != nil {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks every field and reports all violations at once.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, &ConfigError{Field: envName(fe.StructField()), Message: describe(fe)})
		}
	}

	if c.AdminKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(c.AdminKeyHash)); err != nil {
			errs = append(errs, &ConfigError{Field: "ADMIN_KEY_HASH", Message: "must be a bcrypt hash"})
		}
	}

	return errors.Join(errs...)
}

// envName maps a struct field to its environment variable for messages.
func envName(field string) string {
	if f, ok := reflect.TypeOf(Config{}).FieldByName(field); ok {
		if tag := f.Tag.Get("env"); tag != "" {
			return tag
		}
	}
	return field
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required but not set"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "http_url":
		return "must be an http(s) URL"
	case "min", "max":
		if fe.StructField() == "Port" {
			return "must be between 1 and 65535"
		}
		return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
	case "gt":
		return "must be positive"
	default:
		return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
	}
}

func stringEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ConfigError{Field: key, Message: "must be a valid integer"}
	}
	return n, nil
}

// parseDurationEnv reads a duration from an environment variable.
// Falls back to defaultVal if the variable is unset or unparseable.
// Accepts Go duration strings like "15m", "24h", "168h".
func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultVal
	}
	return d
}
