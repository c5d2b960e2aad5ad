package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zhouzirui/tavern-chat/internal/config"
)

func TestSetupWritesJSONToFile(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	path := filepath.Join(t.TempDir(), "logs", "app.log")
	if err := Setup(config.LogConfig{Level: "info", Format: "json", Output: path}); err != nil {
		t.Fatalf("Setup err: %v", err)
	}

	slog.Debug("hidden")
	slog.Info("visible", "session", 7)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked at info level: %s", out)
	}
	if !strings.Contains(out, `"msg":"visible"`) || !strings.Contains(out, `"session":7`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestSetupRejectsUnknownValues(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	if err := Setup(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if err := Setup(config.LogConfig{Level: "info", Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Fatal("expected default logger")
	}

	l := slog.Default().With("request_id", "abc")
	if FromContext(WithContext(context.Background(), l)) != l {
		t.Fatal("expected stored logger")
	}
}
