package internal

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/noteworthy/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should pass: %v", err)
	}
}

func TestStoreConfig_Validation(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Store.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty store path should fail")
	}

	cfg = NewDefaultConfig()
	cfg.Store.Debounce = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative debounce should fail")
	}

	cfg = NewDefaultConfig()
	cfg.Store.JournalFlush = -time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative journal flush should fail")
	}

	cfg = NewDefaultConfig()
	cfg.Undo.Depth = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative undo depth should fail")
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("NOTEWORTHY_TOKEN", "s3cret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `app:
  log_level: debug
  http:
    port: 9090
store:
  path: /tmp/notes
  debounce: 500ms
  journal_flush: 1s
  trash_retention: 168h
  watch: false
undo:
  depth: 20
auth:
  mode: token
  token: ${NOTEWORTHY_TOKEN}
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.LogLevel != slog.LevelDebug {
		t.Errorf("log level = %v", cfg.App.LogLevel)
	}
	if cfg.App.HTTP.Port != 9090 {
		t.Errorf("port = %d", cfg.App.HTTP.Port)
	}
	if cfg.Store.Debounce != 500*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Store.Debounce)
	}
	if cfg.Store.JournalFlush != time.Second {
		t.Errorf("journal flush = %v", cfg.Store.JournalFlush)
	}
	if cfg.Store.TrashRetention != 7*24*time.Hour {
		t.Errorf("trash retention = %v", cfg.Store.TrashRetention)
	}
	if cfg.Store.Watch {
		t.Error("watch should be off")
	}
	// Unset keys keep their defaults.
	if cfg.Store.DrainTimeout != 5*time.Second {
		t.Errorf("drain timeout = %v", cfg.Store.DrainTimeout)
	}
	if cfg.Undo.Depth != 20 {
		t.Errorf("undo depth = %d", cfg.Undo.Depth)
	}
	if !cfg.Auth.AuthEnabled() || cfg.Auth.Token != "s3cret" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
}
