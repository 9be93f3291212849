package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OFFGRID_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "OFFGRID_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "origin.base_url", typ: kString, env: "OFFGRID_ORIGIN_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Origin.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Origin.BaseURL },
	},
	{
		key: "origin.timeout", typ: kDuration, env: "OFFGRID_ORIGIN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Origin.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Origin.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OFFGRID_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "OFFGRID_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "cache.generation", typ: kString, env: "OFFGRID_CACHE_GENERATION",
		apply:   func(cfg *Config, v any) { cfg.Cache.Generation = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Generation },
	},
	{
		key: "cache.precache", typ: kList, env: "OFFGRID_CACHE_PRECACHE",
		apply:   func(cfg *Config, v any) { cfg.Cache.Precache = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Cache.Precache, ",") },
	},
	{
		key: "cache.offline_page", typ: kString, env: "OFFGRID_CACHE_OFFLINE_PAGE",
		apply:   func(cfg *Config, v any) { cfg.Cache.OfflinePage = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.OfflinePage },
	},
	{
		key: "cache.catalog_staleness", typ: kDuration, env: "OFFGRID_CACHE_CATALOG_STALENESS",
		apply:   func(cfg *Config, v any) { cfg.Cache.CatalogStaleness = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.CatalogStaleness },
	},
	{
		key: "cache.catalog_path", typ: kString, env: "OFFGRID_CACHE_CATALOG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Cache.CatalogPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.CatalogPath },
	},
	{
		key: "cache.schema_version", typ: kString, env: "OFFGRID_CACHE_SCHEMA_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Cache.SchemaVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.SchemaVersion },
	},
	{
		key: "sync.max_attempts", typ: kInt, env: "OFFGRID_SYNC_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxAttempts },
	},
	{
		key: "sync.call_timeout", typ: kDuration, env: "OFFGRID_SYNC_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sync.CallTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.CallTimeout },
	},
	{
		key: "sync.periodic_interval", typ: kDuration, env: "OFFGRID_SYNC_PERIODIC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.PeriodicInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.PeriodicInterval },
	},
	{
		key: "sync.cart_path", typ: kString, env: "OFFGRID_SYNC_CART_PATH",
		apply:   func(cfg *Config, v any) { cfg.Sync.CartPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.CartPath },
	},
	{
		key: "sync.order_path", typ: kString, env: "OFFGRID_SYNC_ORDER_PATH",
		apply:   func(cfg *Config, v any) { cfg.Sync.OrderPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.OrderPath },
	},
	{
		key: "events.kafka_brokers", typ: kList, env: "OFFGRID_EVENTS_KAFKA_BROKERS",
		apply:   func(cfg *Config, v any) { cfg.Events.KafkaBrokers = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Events.KafkaBrokers, ",") },
	},
	{
		key: "events.kafka_topic", typ: kString, env: "OFFGRID_EVENTS_KAFKA_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Events.KafkaTopic = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.KafkaTopic },
	},
}

// splitList parses a comma-separated value, dropping empty items.
func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyStore(cfg *Config, st Store) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := st.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		v, err := decodeStored(s.typ, raw)
		if err != nil {
			return fmt.Errorf("invalid config: %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

// decodeStored turns a stored JSON value into the Go type apply expects.
// Lists may also be a comma-separated string for hand-edited files.
func decodeStored(typ keyType, raw json.RawMessage) (any, error) {
	switch typ {
	case kInt:
		var i int
		err := json.Unmarshal(raw, &i)
		return i, err
	case kDuration:
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, err
		}
		return time.ParseDuration(str)
	case kList:
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			return list, nil
		}
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, fmt.Errorf("want a list of strings: %w", err)
		}
		return splitList(str), nil
	default:
		var str string
		err := json.Unmarshal(raw, &str)
		return str, err
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kList:
			s.apply(cfg, splitList(raw))
		}
	}
}
