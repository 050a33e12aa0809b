package logs

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iago/health-records-back/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Fatalf("level %q: expected %v, got %v", input, want, got)
		}
	}
}

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	logger := New(config.Config{
		ServiceName: "test-svc",
		Environment: "test",
		Log: config.LogConfig{
			Level:     "info",
			Format:    "json",
			FilePath:  path,
			MaxSizeMB: 1,
		},
	})
	logger.Info("report uploaded", slog.String("file_id", "f1"))

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, `"msg":"report uploaded"`) || !strings.Contains(line, `"service":"test-svc"`) {
		t.Fatalf("expected structured line with service, got %s", line)
	}
}
