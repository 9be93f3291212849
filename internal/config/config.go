package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Origin  OriginConfig
	Storage StorageConfig
	Log     LogConfig
	Cache   CacheConfig
	Sync    SyncConfig
	Events  EventsConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type OriginConfig struct {
	BaseURL string
	Timeout time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type CacheConfig struct {
	Generation       string
	Precache         []string
	OfflinePage      string
	CatalogStaleness time.Duration
	CatalogPath      string
	SchemaVersion    string
}

type SyncConfig struct {
	MaxAttempts      int
	CallTimeout      time.Duration
	PeriodicInterval time.Duration
	CartPath         string
	OrderPath        string
}

type EventsConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Origin: OriginConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			Generation:       "v1",
			Precache:         []string{"/", "/offline.html"},
			OfflinePage:      "/offline.html",
			CatalogStaleness: 24 * time.Hour,
			CatalogPath:      "/api/products",
			SchemaVersion:    "1",
		},
		Sync: SyncConfig{
			CallTimeout:      15 * time.Second,
			PeriodicInterval: 5 * time.Minute,
			CartPath:         "/api/cart/sync",
			OrderPath:        "/api/orders",
		},
		Events: EventsConfig{
			KafkaTopic: "offgrid.events",
		},
	}
}

// Load reads configuration from the settings file, then OFFGRID_* environment
// variables, then the token file in the data dir.
//
// The settings file is $OFFGRID_CONFIG, or offgrid/config.json under the
// user's config directory. Environment variables win over the file. The API
// token is only taken from OFFGRID_API_TOKEN or the token file, never from
// the settings file.
func Load() (Config, error) {
	return loadWith(newFileStore(settingsPath()), readTokenFile)
}

func loadWith(st Store, readToken func(path string) (string, error)) (Config, error) {
	cfg := defaults()

	if err := applyStore(&cfg, st); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.APIToken == "" {
		tok, err := readToken(TokenPath(cfg))
		if err != nil {
			return Config{}, fmt.Errorf("reading API token: %w", err)
		}
		cfg.Server.APIToken = tok
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", cfg.Server.Port)
	}
	if !strings.HasPrefix(cfg.Origin.BaseURL, "http://") && !strings.HasPrefix(cfg.Origin.BaseURL, "https://") {
		return fmt.Errorf("invalid config: origin.base_url %q must be an http(s) URL", cfg.Origin.BaseURL)
	}
	if cfg.Cache.Generation == "" {
		return fmt.Errorf("invalid config: cache.generation is empty")
	}
	if cfg.Sync.MaxAttempts < 0 {
		return fmt.Errorf("invalid config: sync.max_attempts must not be negative")
	}
	return nil
}
