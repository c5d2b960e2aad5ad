package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORAGE_BACKEND", "SQLITE_PATH", "UPLOAD_DIR", "UPLOAD_BASE_URL", "ECHO_TOKENS_PER_SECOND", "API_TOKEN"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Storage.Backend != StorageMemory {
		t.Fatalf("unexpected backend %q", cfg.Storage.Backend)
	}
	if cfg.Upload.BaseURL != "http://localhost:8080" {
		t.Fatalf("unexpected upload base %q", cfg.Upload.BaseURL)
	}
	if cfg.AI.EchoTokensPerSecond != 20 {
		t.Fatalf("unexpected echo rate %v", cfg.AI.EchoTokensPerSecond)
	}
}

func TestLoadServerConfigAcceptsHostPort(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")

	cfg, err := loadServerConfig()
	if err != nil {
		t.Fatalf("loadServerConfig err: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if got := loadUploadConfig(cfg.Addr).BaseURL; got != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected upload base %q", got)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"STORAGE_BACKEND":        "postgres",
		"ECHO_TOKENS_PER_SECOND": "-1",
		"ARK_STREAM":             "sometimes",
		"PORT":                   "80 80",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestAIConfigEnabled(t *testing.T) {
	if (AIConfig{Model: "m"}).Enabled() {
		t.Fatal("expected disabled without credentials")
	}
	if !(AIConfig{Model: "m", APIKey: "k"}).Enabled() {
		t.Fatal("expected enabled with api key")
	}
	if !(AIConfig{Model: "m", AccessKey: "a", SecretKey: "s"}).Enabled() {
		t.Fatal("expected enabled with ak/sk")
	}
}

func TestLoadClientMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `base_url = "http://example.test/"
page_size = 25
cache_ttl = "30s"
non_streaming_attachments = true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TAVERN_TOKEN", "secret")
	t.Setenv("TAVERN_PAGE_SIZE", "")
	t.Setenv("TAVERN_BASE_URL", "")
	t.Setenv("TAVERN_CACHE_TTL", "")
	t.Setenv("TAVERN_NON_STREAMING_ATTACHMENTS", "")

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient err: %v", err)
	}
	if cfg.BaseURL != "http://example.test" {
		t.Fatalf("unexpected base url %q", cfg.BaseURL)
	}
	if cfg.PageSize != 25 || cfg.CacheTTL != 30*time.Second || !cfg.NonStreamingAttachments {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Token != "secret" {
		t.Fatalf("env override not applied: %q", cfg.Token)
	}
}

func TestLoadClientMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("TAVERN_BASE_URL", "")
	t.Setenv("TAVERN_CACHE_TTL", "1m")

	cfg, err := LoadClient(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadClient err: %v", err)
	}
	if cfg.BaseURL != "http://localhost:8080" || cfg.CacheTTL != time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestClientStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.toml")

	state, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState err: %v", err)
	}
	if state.ActiveSessionID != 0 {
		t.Fatalf("expected zero state, got %+v", state)
	}

	if err := SaveState(path, ClientState{ActiveSessionID: 42}); err != nil {
		t.Fatalf("SaveState err: %v", err)
	}
	state, err = LoadState(path)
	if err != nil {
		t.Fatalf("LoadState err: %v", err)
	}
	if state.ActiveSessionID != 42 {
		t.Fatalf("unexpected state %+v", state)
	}
}
