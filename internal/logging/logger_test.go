package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "soukd.log")

	logger, err := New(path, "main", "debug")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	for _, want := range []string{`"msg":"hello"`, `"profile":"main"`, `"level":"debug"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soukd.log")

	logger, err := New(path, "main", "bogus")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("dropped")
	logger.Info("kept")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") {
		t.Error("debug entry written at default info level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("info entry missing")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}
