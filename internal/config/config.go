// Package config loads service settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults used when the corresponding AEGIS_* variable is unset.
const (
	DefaultStoreDriver  = "sqlite"
	DefaultStoreDSN     = "aegis.db"
	DefaultKeyDir       = ".aegis/keys"
	DefaultSeedPath     = "seed/root_pub.json"
	DefaultGatewayTTL   = 8 * time.Hour
	DefaultAuthorityTTL = time.Hour
	DefaultChannelTTL   = 12 * time.Hour
	DefaultCacheSize    = 1024
)

// Config collects everything the service needs at startup.
type Config struct {
	StoreDriver string // sqlite, postgres or memory
	StoreDSN    string
	KeyDir      string
	SeedPath    string
	RootKeyPath string // optional; empty keeps the root key offline

	GatewayTTL   time.Duration
	AuthorityTTL time.Duration
	ChannelTTL   time.Duration
	CacheSize    int
}

// Load reads a .env file if present, then the AEGIS_* environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		StoreDriver: getenv("AEGIS_STORE_DRIVER", DefaultStoreDriver),
		StoreDSN:    getenv("AEGIS_STORE_DSN", DefaultStoreDSN),
		KeyDir:      getenv("AEGIS_KEY_DIR", DefaultKeyDir),
		SeedPath:    getenv("AEGIS_SEED_PATH", DefaultSeedPath),
		RootKeyPath: os.Getenv("AEGIS_ROOT_KEY_PATH"),
	}

	var err error
	if cfg.GatewayTTL, err = getdur("AEGIS_GATEWAY_TTL", DefaultGatewayTTL); err != nil {
		return Config{}, err
	}
	if cfg.AuthorityTTL, err = getdur("AEGIS_AUTHORITY_TTL", DefaultAuthorityTTL); err != nil {
		return Config{}, err
	}
	if cfg.ChannelTTL, err = getdur("AEGIS_CHANNEL_TTL", DefaultChannelTTL); err != nil {
		return Config{}, err
	}
	if cfg.CacheSize, err = getint("AEGIS_CACHE_SIZE", DefaultCacheSize); err != nil {
		return Config{}, err
	}

	switch cfg.StoreDriver {
	case "sqlite", "postgres", "memory":
	default:
		return Config{}, fmt.Errorf("config: unknown store driver %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getdur(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}

func getint(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return n, nil
}
