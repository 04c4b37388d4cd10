package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv("SOUK_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".souk", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("SOUK_HOME", tmp)
	if got := Dir("work"); got != filepath.Join(tmp, "profiles", "work") {
		t.Errorf("Dir(work) = %q with SOUK_HOME=%q", got, tmp)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "soukd.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix profiles/test/soukd.sock", got)
	}
}

func TestDBPath(t *testing.T) {
	got := DBPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "souk.db")) {
		t.Errorf("DBPath(test) = %q, want suffix profiles/test/souk.db", got)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("SOUK_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestLoadConfigMissingFallsBack(t *testing.T) {
	t.Setenv("SOUK_HOME", t.TempDir())
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default info", cfg.LogLevel)
	}
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve(\"\") = %q, want %q", got, DefaultName)
	}
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(work) = %q", got)
	}
}
