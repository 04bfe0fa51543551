package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleTOML = `
[server]
addr = ":9090"
sweep_interval = "5m"

[redis]
addr = "localhost:6379"
key_prefix = "tenant-a"

[logging]
level = "debug"
format = "console"

[idp]
issuer = "https://id.example.test/"
access_token_ttl = "15m"
trusted_proxies = ["10.0.0.0/8"]
magic_link_enabled = true
magic_link_base_url = "https://app.example.test/magic"
magic_link_secret = "0123456789abcdef0123456789abcdef"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goidp.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	path := writeConfig(t, sampleTOML)
	t.Setenv("GOIDP_LOG_LEVEL", "warn")
	t.Setenv("GOIDP_IDP_REFRESH_TOKEN_TTL", "72h")
	t.Setenv("GOIDP_IDP_TRUSTED_PROXIES", "192.0.2.1,198.51.100.0/24")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Addr != ":9090" || cfg.Server.SweepInterval.Std() != 5*time.Minute {
		t.Fatalf("server section not applied: %+v", cfg.Server)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "console" {
		t.Fatalf("env must override file: %+v", cfg.Logging)
	}
	if cfg.Server.WriteTimeout.Std() != 10*time.Second {
		t.Fatalf("unset values keep defaults, got %v", cfg.Server.WriteTimeout.Std())
	}
	if got := strings.Join(cfg.IdP.TrustedProxies, ","); got != "192.0.2.1,198.51.100.0/24" {
		t.Fatalf("unexpected proxies %q", got)
	}

	engine, generated, err := cfg.Engine()
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	if !generated || len(engine.JWT.PrivateKey) == 0 {
		t.Fatal("expected a generated development key")
	}
	if engine.OAuth.Issuer != "https://id.example.test" {
		t.Fatalf("issuer trailing slash must be trimmed, got %q", engine.OAuth.Issuer)
	}
	if engine.OAuth.AccessTokenTTL != 15*time.Minute || engine.OAuth.RefreshTokenTTL != 72*time.Hour {
		t.Fatalf("unexpected ttls %v %v", engine.OAuth.AccessTokenTTL, engine.OAuth.RefreshTokenTTL)
	}
	if engine.Store.KeyPrefix != "tenant-a" || !engine.MagicLink.Enabled {
		t.Fatalf("unexpected engine config %+v", engine.Store)
	}
	if err := engine.Validate(); err != nil {
		t.Fatalf("engine config must validate: %v", err)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Redis.Addr != "" {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Server, cfg.Redis)
	}
	engine, _, err := cfg.Engine()
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	if err := engine.Validate(); err != nil {
		t.Fatalf("default engine config must validate: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad toml", body: "[server\naddr="},
		{name: "bad duration", body: "[server]\nsweep_interval = \"soon\""},
		{name: "production without redis", body: "[idp]\nproduction = true\nprivate_key_file = \"k.pem\""},
		{name: "production without key", body: "[redis]\naddr = \"r:6379\"\n[idp]\nproduction = true"},
		{name: "audit without path", body: "[audit]\nenabled = true\nsqlite_path = \"\""},
		{name: "bad env duration", body: "", env: map[string]string{"GOIDP_SERVER_READ_TIMEOUT": "fast"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for a missing named file")
	}
}
