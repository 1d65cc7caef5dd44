package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var allKeys = []string{
	"CONFIG_FILE", "DB_DRIVER", "DB_DSN", "PORT",
	"GEORIDE_BASE_URL", "GEORIDE_API_TOKEN", "GEORIDE_TOKEN_FILE", "GEORIDE_TIMEOUT",
	"TOKEN_REFRESH_INTERVAL", "CACHE_TTL", "CACHE_MAX_ENTRIES",
	"IMPORT_POSITION_MARGIN", "IMPORT_STRATEGY", "REQUEST_TIMEOUT",
	"ADMIN_KEY_HASH", "CORS_ORIGIN", "AMQP_URL", "AMQP_EXCHANGE",
}

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test. Run from a temp dir so no stray .env is picked up.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DSN", "postgres://localhost/trips")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DBDriver != "postgres" || cfg.Port != 8080 {
		t.Errorf("driver/port = %q/%d", cfg.DBDriver, cfg.Port)
	}
	if cfg.CacheTTL != 5*time.Minute || cfg.CacheMaxEntries != 100 {
		t.Errorf("cache = %v/%d", cfg.CacheTTL, cfg.CacheMaxEntries)
	}
	if cfg.ImportPositionMargin != 2*time.Minute || cfg.ImportStrategy != "window" {
		t.Errorf("import = %v/%q", cfg.ImportPositionMargin, cfg.ImportStrategy)
	}
	if cfg.GeorideTimeout != 10*time.Second || cfg.RequestTimeout != 60*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.GeorideTimeout, cfg.RequestTimeout)
	}
	if cfg.AMQPExchange != "trips" || cfg.AMQPURL != "" {
		t.Errorf("amqp = %q/%q", cfg.AMQPURL, cfg.AMQPExchange)
	}
}

func TestLoadMissingDSN(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Field != "DB_DSN" {
		t.Fatalf("err = %v, want ConfigError for DB_DSN", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "file:trips.db")
	t.Setenv("PORT", "9090")
	t.Setenv("GEORIDE_BASE_URL", "http://georide.test/")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("IMPORT_STRATEGY", "per_trip")
	t.Setenv("IMPORT_POSITION_MARGIN", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DBDriver != "sqlite" || cfg.Port != 9090 {
		t.Errorf("driver/port = %q/%d", cfg.DBDriver, cfg.Port)
	}
	if cfg.GeorideBaseURL != "http://georide.test" {
		t.Errorf("base url = %q, want trailing slash trimmed", cfg.GeorideBaseURL)
	}
	if cfg.CacheTTL != 30*time.Second || cfg.ImportStrategy != "per_trip" || cfg.ImportPositionMargin != 0 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port out of range", "PORT", "70000"},
		{"port not a number", "PORT", "http"},
		{"unknown driver", "DB_DRIVER", "mysql"},
		{"unknown strategy", "IMPORT_STRATEGY", "batch"},
		{"zero cache size", "CACHE_MAX_ENTRIES", "0"},
		{"cors origin without scheme", "CORS_ORIGIN", "localhost:5173"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DB_DSN", "postgres://localhost/trips")
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
			if ce.Field != tt.key {
				t.Errorf("field = %q, want %q", ce.Field, tt.key)
			}
		})
	}
}

func TestLoadUnparseableDurationFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DSN", "postgres://localhost/trips")
	t.Setenv("CACHE_TTL", "five minutes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want default", cfg.CacheTTL)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := strings.Join([]string{
		"db_driver: sqlite",
		"db_dsn: file:overlay.db",
		"cache_ttl: 90s",
		"import_strategy: per_trip",
		"amqp_exchange: georide",
	}, "\n")
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("IMPORT_STRATEGY", "window")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DBDriver != "sqlite" || cfg.DBDSN != "file:overlay.db" || cfg.CacheTTL != 90*time.Second {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	if cfg.ImportStrategy != "window" {
		t.Errorf("strategy = %q, environment should win over file", cfg.ImportStrategy)
	}
	if cfg.AMQPExchange != "georide" || cfg.Port != 8080 {
		t.Errorf("exchange/port = %q/%d", cfg.AMQPExchange, cfg.Port)
	}
}

func TestLoadYAMLMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Field != "CONFIG_FILE" {
		t.Fatalf("err = %v, want ConfigError for CONFIG_FILE", err)
	}
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := Defaults()
	cfg.DBDriver = "oracle"
	cfg.CacheTTL = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"DB_DSN", "DB_DRIVER", "CACHE_TTL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateAdminKeyHash(t *testing.T) {
	cfg := Defaults()
	cfg.DBDSN = "file:trips.db"
	cfg.AdminKeyHash = "plaintext"

	var ce *ConfigError
	if err := cfg.Validate(); !errors.As(err, &ce) || ce.Field != "ADMIN_KEY_HASH" {
		t.Errorf("err = %v, want ConfigError for ADMIN_KEY_HASH", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("operator"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg.AdminKeyHash = string(hash)
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Field: "PORT", Message: "must be between 1 and 65535"}
	want := `config error: field "PORT": must be between 1 and 65535`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
