// Package config loads the daemon's environment-driven configuration. No
// file-based config format is introduced; every setting has an env var and
// a default, assembled once at startup into a single Config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the daemon's fully resolved startup configuration.
type Config struct {
	SocketPath string
	StoreDSN   string

	DiscoveryInterval time.Duration

	CallerRateLimitWindow time.Duration
	CallerRateLimitBurst  int

	LogLevel string

	AdminTokenOverride string
	SecretBackendDir   string

	ProviderBaseURLOverrides map[string]string

	MetricsAddr string
}

// LoadConfig assembles a Config from the environment, applying defaults for
// anything unset, then validates it.
func LoadConfig() (Config, error) {
	cfg := Config{
		SocketPath: getEnv("KEYVAULTD_SOCKET_PATH", defaultSocketPath()),
		StoreDSN:   getEnv("KEYVAULTD_STORE_DSN", defaultStoreDSN()),

		DiscoveryInterval: getEnvDuration("KEYVAULTD_DISCOVERY_INTERVAL", 24*time.Hour),

		CallerRateLimitWindow: getEnvDuration("KEYVAULTD_CALLER_RATE_LIMIT_WINDOW", 60*time.Second),
		CallerRateLimitBurst:  getEnvInt("KEYVAULTD_CALLER_RATE_LIMIT_BURST", 100),

		LogLevel: getEnv("KEYVAULTD_LOG_LEVEL", "info"),

		AdminTokenOverride: getEnv("KEYVAULTD_ADMIN_TOKEN", ""),
		SecretBackendDir:   getEnv("KEYVAULTD_SECRET_BACKEND_DIR", defaultSecretBackendDir()),

		ProviderBaseURLOverrides: getEnvURLOverrides(),

		MetricsAddr: getEnv("KEYVAULTD_METRICS_ADDR", "127.0.0.1:9090"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects an unusable configuration before the daemon binds
// anything.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("KEYVAULTD_SOCKET_PATH must not be empty")
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("KEYVAULTD_STORE_DSN must not be empty")
	}
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("KEYVAULTD_DISCOVERY_INTERVAL must be > 0, got %s", c.DiscoveryInterval)
	}
	if c.CallerRateLimitWindow <= 0 {
		return fmt.Errorf("KEYVAULTD_CALLER_RATE_LIMIT_WINDOW must be > 0, got %s", c.CallerRateLimitWindow)
	}
	if c.CallerRateLimitBurst <= 0 {
		return fmt.Errorf("KEYVAULTD_CALLER_RATE_LIMIT_BURST must be > 0, got %d", c.CallerRateLimitBurst)
	}
	if c.SecretBackendDir == "" {
		return fmt.Errorf("KEYVAULTD_SECRET_BACKEND_DIR must not be empty")
	}
	return nil
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".keyvaultd")
	}
	return "/var/lib/keyvaultd"
}

func defaultSocketPath() string {
	return filepath.Join(defaultStateDir(), "keyvaultd.sock")
}

func defaultStoreDSN() string {
	return "file:" + filepath.Join(defaultStateDir(), "keyvaultd.sqlite")
}

func defaultSecretBackendDir() string {
	return filepath.Join(defaultStateDir(), "secrets")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvURLOverrides reads KEYVAULTD_PROVIDER_BASE_URL_<PROVIDER> variables,
// e.g. KEYVAULTD_PROVIDER_BASE_URL_GOOGLE, for pointing a reference adapter
// at a test double.
func getEnvURLOverrides() map[string]string {
	const prefix = "KEYVAULTD_PROVIDER_BASE_URL_"
	overrides := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key, value := kv[:i], kv[i+1:]
				if len(key) > len(prefix) && key[:len(prefix)] == prefix {
					provider := key[len(prefix):]
					overrides[toLowerASCII(provider)] = value
				}
				break
			}
		}
	}
	if len(overrides) == 0 {
		return nil
	}
	return overrides
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
