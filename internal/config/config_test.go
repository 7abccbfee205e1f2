package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.ListenAddress == "" {
		t.Error("default listen_address should not be empty")
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("default store.backend = %q, want %q", cfg.Store.Backend, "memory")
	}
	if cfg.Server.MaxMessageSize != 262144 {
		t.Errorf("default max_message_size = %d, want %d", cfg.Server.MaxMessageSize, 262144)
	}
	if cfg.Server.DrainTimeout != 30*time.Second {
		t.Errorf("default drain_timeout = %v, want %v", cfg.Server.DrainTimeout, 30*time.Second)
	}
	if cfg.Health.ListenAddress != "127.0.0.1:8081" {
		t.Errorf("default health.listen_address = %q, want %q", cfg.Health.ListenAddress, "127.0.0.1:8081")
	}
	if cfg.Security.MaxConnections != 1000 {
		t.Errorf("default max_connections = %d, want %d", cfg.Security.MaxConnections, 1000)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  listen_address: "0.0.0.0:9090"
  drain_timeout: "5s"
  max_message_size: 2097152
store:
  backend: "mongo"
  uri: "mongodb://db.internal:27017"
  database: "tether_test"
security:
  api_token: "test-token"
  max_connections: 500
  max_connections_per_ip: 5
  rate_limit:
    enabled: false
logging:
  level: "debug"
  format: "text"
health:
  enabled: true
  listen_address: "127.0.0.1:8081"
  endpoint: "/health"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:9090" {
		t.Errorf("listen_address = %q, want %q", cfg.Server.ListenAddress, "0.0.0.0:9090")
	}
	if cfg.Server.DrainTimeout != 5*time.Second {
		t.Errorf("drain_timeout = %v, want %v", cfg.Server.DrainTimeout, 5*time.Second)
	}
	if cfg.Store.Backend != "mongo" {
		t.Errorf("store.backend = %q, want %q", cfg.Store.Backend, "mongo")
	}
	if cfg.Store.URI != "mongodb://db.internal:27017" {
		t.Errorf("store.uri = %q, want %q", cfg.Store.URI, "mongodb://db.internal:27017")
	}
	if cfg.Security.APIToken != "test-token" {
		t.Errorf("api_token = %q, want %q", cfg.Security.APIToken, "test-token")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Security.RateLimit.Enabled {
		t.Error("rate_limit.enabled should be false")
	}
}

func TestLoadDefaults(t *testing.T) {
	// Load with empty path uses defaults
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load('') error: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store.backend = %q, want default", cfg.Store.Backend)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TETHER_STORE_BACKEND", "mongo")
	t.Setenv("TETHER_STORE_URI", "mongodb://10.0.0.1:27017")
	t.Setenv("TETHER_SECURITY_API_TOKEN", "env-token")
	t.Setenv("TETHER_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Store.Backend != "mongo" {
		t.Errorf("store.backend = %q, want env override", cfg.Store.Backend)
	}
	if cfg.Store.URI != "mongodb://10.0.0.1:27017" {
		t.Errorf("store.uri = %q, want env override", cfg.Store.URI)
	}
	if cfg.Security.APIToken != "env-token" {
		t.Errorf("api_token = %q, want env override", cfg.Security.APIToken)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want env override", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty listen address", func(c *Config) { c.Server.ListenAddress = "" }, "listen_address"},
		{"bad listen address", func(c *Config) { c.Server.ListenAddress = "no-port" }, "listen_address"},
		{"zero message size", func(c *Config) { c.Server.MaxMessageSize = 0 }, "max_message_size"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "dynamo" }, "store.backend"},
		{"mongo without uri", func(c *Config) { c.Store.Backend = "mongo"; c.Store.URI = "" }, "store.uri"},
		{"mongo bad scheme", func(c *Config) { c.Store.Backend = "mongo"; c.Store.URI = "http://x" }, "store.uri"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"per-ip exceeds global", func(c *Config) { c.Security.MaxConnectionsPerIP = 2000 }, "max_connections_per_ip"},
		{"non-loopback health", func(c *Config) { c.Health.ListenAddress = "10.1.2.3:8081" }, "loopback"},
		{"same listeners", func(c *Config) {
			c.Server.ListenAddress = "127.0.0.1:8081"
		}, "must be different"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should have failed")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestIsReloadSafe(t *testing.T) {
	old := DefaultConfig()
	updated := DefaultConfig()
	updated.Server.ListenAddress = "127.0.0.1:9999"
	updated.Store.URI = "mongodb://other:27017"

	warnings := IsReloadSafe(old, updated)
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v, want 2 entries", warnings)
	}
}

func TestApplyReloadableFields(t *testing.T) {
	cfg := DefaultConfig()
	newCfg := DefaultConfig()
	newCfg.Security.APIToken = "rotated"
	newCfg.Logging.Level = "debug"
	newCfg.Server.ListenAddress = "127.0.0.1:9999" // not reloadable

	updated := cfg.ApplyReloadableFields(newCfg)

	if updated.Security.APIToken != "rotated" {
		t.Errorf("api_token = %q, want %q", updated.Security.APIToken, "rotated")
	}
	if updated.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", updated.Logging.Level, "debug")
	}
	if updated.Server.ListenAddress != "127.0.0.1:8080" {
		t.Errorf("listen_address changed on reload: %q", updated.Server.ListenAddress)
	}

	// The original snapshot is untouched.
	if cfg.Security.APIToken != "" {
		t.Errorf("original api_token mutated: %q", cfg.Security.APIToken)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("original level mutated: %q", cfg.Logging.Level)
	}
}

func TestApplyReloadableFieldsConcurrentReaders(t *testing.T) {
	// Request handlers read the current config snapshot while a reload
	// builds the next one; the reload must never write into the
	// snapshot the readers hold.
	cfg := DefaultConfig()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = cfg.Security.APIToken
					_ = cfg.Security.RateLimit.Enabled
					_ = cfg.Server.MaxMessageSize
				}
			}
		}()
	}

	newCfg := DefaultConfig()
	newCfg.Security.APIToken = "rotated"
	newCfg.Server.MaxMessageSize = 1024
	var latest *Config
	for range 100 {
		latest = cfg.ApplyReloadableFields(newCfg)
	}
	close(stop)
	wg.Wait()

	if latest.Security.APIToken != "rotated" {
		t.Errorf("api_token = %q, want %q", latest.Security.APIToken, "rotated")
	}
	if cfg.Security.APIToken != "" {
		t.Errorf("reader-visible snapshot mutated: %q", cfg.Security.APIToken)
	}
}
