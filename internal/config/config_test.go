package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// memStore is an in-memory Store holding values as the settings file would.
type memStore map[string]json.RawMessage

func (m memStore) Lookup(key string) (json.RawMessage, bool, error) {
	raw, ok := m[key]
	return raw, ok, nil
}

func (m memStore) Put(key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	m[key] = raw
	return nil
}

func noToken(string) (string, error) { return "", nil }

func tokenIs(tok string) func(string) (string, error) {
	return func(string) (string, error) { return tok, nil }
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when nothing is stored.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(memStore{}, noToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Cache.Generation != "v1" {
		t.Errorf("Cache.Generation = %q, want v1", cfg.Cache.Generation)
	}
	if cfg.Cache.CatalogStaleness != 24*time.Hour {
		t.Errorf("Cache.CatalogStaleness = %v, want 24h", cfg.Cache.CatalogStaleness)
	}
	if cfg.Cache.OfflinePage != "/offline.html" {
		t.Errorf("Cache.OfflinePage = %q", cfg.Cache.OfflinePage)
	}
	if cfg.Sync.CallTimeout != 15*time.Second {
		t.Errorf("Sync.CallTimeout = %v, want 15s", cfg.Sync.CallTimeout)
	}
	if cfg.Sync.MaxAttempts != 0 {
		t.Errorf("Sync.MaxAttempts = %d, want 0 (retry forever)", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.CartPath != "/api/cart/sync" || cfg.Sync.OrderPath != "/api/orders" {
		t.Errorf("sync paths = %q, %q", cfg.Sync.CartPath, cfg.Sync.OrderPath)
	}
	if len(cfg.Events.KafkaBrokers) != 0 {
		t.Errorf("Events.KafkaBrokers = %v, want none", cfg.Events.KafkaBrokers)
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("Server.APIToken = %q, want empty", cfg.Server.APIToken)
	}
}

// TestStoredValues verifies that every key type is read from the settings store.
func TestStoredValues(t *testing.T) {
	clearEnv(t)
	b := memStore{
		"server.port":          json.RawMessage(`5100`),
		"sync.max_attempts":    json.RawMessage(`5`),
		"origin.base_url":      json.RawMessage(`"https://shop.example.com"`),
		"sync.call_timeout":    json.RawMessage(`"3s"`),
		"cache.precache":       json.RawMessage(`["/", "/offline.html", "/css/site.css"]`),
		"events.kafka_brokers": json.RawMessage(`"k1:9092, k2:9092,"`),
		"server.api_token":     json.RawMessage(`"ignored-secret"`),
	}

	cfg, err := loadWith(b, noToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5100 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("Sync.MaxAttempts = %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Origin.BaseURL != "https://shop.example.com" {
		t.Errorf("Origin.BaseURL = %q", cfg.Origin.BaseURL)
	}
	if cfg.Sync.CallTimeout != 3*time.Second {
		t.Errorf("Sync.CallTimeout = %v", cfg.Sync.CallTimeout)
	}
	if want := []string{"/", "/offline.html", "/css/site.css"}; !reflect.DeepEqual(cfg.Cache.Precache, want) {
		t.Errorf("Cache.Precache = %v, want %v", cfg.Cache.Precache, want)
	}
	if want := []string{"k1:9092", "k2:9092"}; !reflect.DeepEqual(cfg.Events.KafkaBrokers, want) {
		t.Errorf("Events.KafkaBrokers = %v, want %v", cfg.Events.KafkaBrokers, want)
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("secrets must not be read from the settings file, got %q", cfg.Server.APIToken)
	}
}

// TestEnvOverride verifies that environment variables override stored values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := memStore{
		"server.port":            json.RawMessage(`5100`),
		"sync.periodic_interval": json.RawMessage(`"1m"`),
	}

	t.Setenv("OFFGRID_SERVER_PORT", "6100")
	t.Setenv("OFFGRID_SYNC_PERIODIC_INTERVAL", "30s")
	t.Setenv("OFFGRID_API_TOKEN", "env-token")
	t.Setenv("OFFGRID_CACHE_CATALOG_STALENESS", "not-a-duration")

	cfg, err := loadWith(b, tokenIs("file-token"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6100 {
		t.Errorf("Server.Port = %d, want 6100", cfg.Server.Port)
	}
	if cfg.Sync.PeriodicInterval != 30*time.Second {
		t.Errorf("Sync.PeriodicInterval = %v, want 30s", cfg.Sync.PeriodicInterval)
	}
	if cfg.Server.APIToken != "env-token" {
		t.Errorf("Server.APIToken = %q, want env-token", cfg.Server.APIToken)
	}
	if cfg.Cache.CatalogStaleness != 24*time.Hour {
		t.Errorf("unparsable env value should keep the default, got %v", cfg.Cache.CatalogStaleness)
	}
}

// TestTokenFileFallback verifies the token file is consulted when no token is in env.
func TestTokenFileFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("OFFGRID_STORAGE_DATA_DIR", "/var/lib/offgrid")

	var asked string
	cfg, err := loadWith(memStore{}, func(path string) (string, error) {
		asked = path
		return "file-secret", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.APIToken != "file-secret" {
		t.Errorf("APIToken = %q, want %q", cfg.Server.APIToken, "file-secret")
	}
	if want := filepath.Join("/var/lib/offgrid", "api_token"); asked != want {
		t.Errorf("token read from %q, want %q", asked, want)
	}
}

func TestTokenReadFailureFailsLoad(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(memStore{}, func(string) (string, error) { return "", ErrTokenExposed })
	if !errors.Is(err, ErrTokenExposed) {
		t.Fatalf("err = %v, want ErrTokenExposed", err)
	}
}

// TestInvalidConfig verifies a clear error for values the layer cannot run with.
func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"port", map[string]string{"OFFGRID_SERVER_PORT": "70000"}, "server.port"},
		{"origin", map[string]string{"OFFGRID_ORIGIN_BASE_URL": "shop.example.com"}, "origin.base_url"},
		{"attempts", map[string]string{"OFFGRID_SYNC_MAX_ATTEMPTS": "-1"}, "sync.max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadWith(memStore{}, noToken)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	b := memStore{}

	if err := setKeyWith(b, "server.port", "4200"); err != nil {
		t.Fatalf("server.port: %v", err)
	}
	if got := string(b["server.port"]); got != "4200" {
		t.Errorf("server.port stored as %s, want a number", got)
	}
	if err := setKeyWith(b, "sync.call_timeout", "90s"); err != nil {
		t.Fatalf("sync.call_timeout: %v", err)
	}
	if got := string(b["sync.call_timeout"]); got != `"1m30s"` {
		t.Errorf("sync.call_timeout stored as %s", got)
	}
	if err := setKeyWith(b, "events.kafka_brokers", "k1:9092, k2:9092"); err != nil {
		t.Fatalf("events.kafka_brokers: %v", err)
	}
	if got := string(b["events.kafka_brokers"]); got != `["k1:9092","k2:9092"]` {
		t.Errorf("events.kafka_brokers stored as %s, want a JSON array", got)
	}
	if err := setKeyWith(b, "sync.call_timeout", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKeyWith(b, "server.port", "high"); err == nil {
		t.Error("expected error for invalid integer")
	}
	if err := setKeyWith(b, "server.api_token", "x"); err == nil || !strings.Contains(err.Error(), "OFFGRID_API_TOKEN") {
		t.Errorf("secret key error = %v", err)
	}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "hidden"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "server.api_token" || ki.Value == "hidden" {
			t.Errorf("secret leaked: %+v", ki)
		}
	}
	if len(ValidKeys()) != len(specs)-1 {
		t.Errorf("ValidKeys = %d keys, want %d", len(ValidKeys()), len(specs)-1)
	}
}

func TestStoredValueOfWrongTypeIsAnError(t *testing.T) {
	clearEnv(t)
	tests := map[string]json.RawMessage{
		"server.port":       json.RawMessage(`"4100"`),
		"sync.call_timeout": json.RawMessage(`"soon"`),
		"cache.precache":    json.RawMessage(`42`),
	}
	for key, raw := range tests {
		t.Run(key, func(t *testing.T) {
			_, err := loadWith(memStore{key: raw}, noToken)
			if err == nil || !strings.Contains(err.Error(), key) {
				t.Errorf("err = %v, want it to mention %s", err, key)
			}
		})
	}
}

// TestSettingsFileRoundTrip saves keys through SetKey and reads them back
// through Load from a real file.
func TestSettingsFileRoundTrip(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")
	t.Setenv("OFFGRID_CONFIG", path)
	t.Setenv("OFFGRID_STORAGE_DATA_DIR", dir)

	if err := SetKey("server.port", "4300"); err != nil {
		t.Fatal(err)
	}
	if err := SetKey("cache.precache", "/,/offline.html,/app.js"); err != nil {
		t.Fatal(err)
	}
	if err := SetKey("origin.timeout", "2s"); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("settings file mode = %v, want 0600", perm)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4300 {
		t.Errorf("Server.Port = %d, want 4300", cfg.Server.Port)
	}
	if cfg.Origin.Timeout != 2*time.Second {
		t.Errorf("Origin.Timeout = %v, want 2s", cfg.Origin.Timeout)
	}
	if want := []string{"/", "/offline.html", "/app.js"}; !reflect.DeepEqual(cfg.Cache.Precache, want) {
		t.Errorf("Cache.Precache = %v, want %v", cfg.Cache.Precache, want)
	}
}

func TestEnsureAPIToken_PersistsOwnerOnly(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("OFFGRID_CONFIG", filepath.Join(dir, "config.json"))
	t.Setenv("OFFGRID_STORAGE_DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	tok, err := EnsureAPIToken(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tok == "" || cfg.Server.APIToken != tok {
		t.Fatalf("token = %q, cfg token = %q", tok, cfg.Server.APIToken)
	}

	info, err := os.Stat(TokenPath(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %v, want 0600", perm)
	}

	again, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if again.Server.APIToken != tok {
		t.Errorf("reloaded token = %q, want %q", again.Server.APIToken, tok)
	}
	if tok2, _ := EnsureAPIToken(&again); tok2 != tok {
		t.Errorf("second EnsureAPIToken minted %q, want %q", tok2, tok)
	}
}

func TestReadTokenFile(t *testing.T) {
	dir := t.TempDir()

	tok, err := readTokenFile(filepath.Join(dir, "missing"))
	if err != nil || tok != "" {
		t.Errorf("missing file: tok = %q, err = %v", tok, err)
	}

	path := filepath.Join(dir, "api_token")
	if err := os.WriteFile(path, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	tok, err = readTokenFile(path)
	if err != nil || tok != "s3cret" {
		t.Errorf("owner-only file: tok = %q, err = %v", tok, err)
	}

	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readTokenFile(path); !errors.Is(err, ErrTokenExposed) {
		t.Errorf("world-readable file: err = %v, want ErrTokenExposed", err)
	}
}
