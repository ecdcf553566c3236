package config

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveDefaults(t *testing.T) {
	t.Setenv("TASKVAULT_PATH", "/tmp/tv-home")

	cfg, err := Resolve(Options{})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.StorageDir != filepath.Join("/tmp/tv-home", "store") {
		t.Errorf("StorageDir = %q", cfg.StorageDir)
	}
	if cfg.CompressMetadata != DefaultCompressMetadata || cfg.CompressWorkspace != DefaultCompressWorkspace {
		t.Errorf("compression defaults = %v/%v", cfg.CompressMetadata, cfg.CompressWorkspace)
	}
	if cfg.MaxBackupVersions != 3 {
		t.Errorf("MaxBackupVersions = %d, want 3", cfg.MaxBackupVersions)
	}
	if cfg.EnableAutoCleanup {
		t.Error("auto cleanup should default to off")
	}
	if cfg.MaxSessionAge.Duration() != 7*24*time.Hour {
		t.Errorf("MaxSessionAge = %s", cfg.MaxSessionAge)
	}
	if !cfg.EnableMetrics {
		t.Error("metrics should default to on")
	}
	if cfg.LockTimeout.Duration() != 30*time.Second {
		t.Errorf("LockTimeout = %s", cfg.LockTimeout)
	}
}

func TestResolveOverrides(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Resolve(Options{
		StorageDir:        Ptr(dir),
		CompressMetadata:  Ptr(true),
		CompressWorkspace: Ptr(false),
		MaxBackupVersions: Ptr(0),
		MaxSessionAge:     Ptr(Duration(time.Hour)),
		EnableMetrics:     Ptr(false),
		WorkspaceExclude:  []string{"node_modules"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StorageDir != dir || !cfg.CompressMetadata || cfg.CompressWorkspace {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.MaxBackupVersions != 0 {
		t.Errorf("explicit zero overridden: %d", cfg.MaxBackupVersions)
	}
	if cfg.EnableMetrics {
		t.Error("EnableMetrics override ignored")
	}
}

func TestResolveValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"negative backups", Options{MaxBackupVersions: Ptr(-1)}},
		{"zero session age", Options{MaxSessionAge: Ptr(Duration(0))}},
		{"zero cleanup interval", Options{CleanupInterval: Ptr(Duration(0))}},
		{"negative lock timeout", Options{LockTimeout: Ptr(Duration(-time.Second))}},
		{"zero lock timeout", Options{LockTimeout: Ptr(Duration(0))}},
		{"empty exclude pattern", Options{WorkspaceExclude: []string{""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Resolve(tt.opts); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCloneIsolatesSlices(t *testing.T) {
	cfg, err := Resolve(Options{StorageDir: Ptr(t.TempDir()), WorkspaceExclude: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}
	c := cfg.Clone()
	c.WorkspaceExclude[0] = "mutated"
	if cfg.WorkspaceExclude[0] != "a" {
		t.Error("Clone shares the exclude slice")
	}
}

func TestMerge(t *testing.T) {
	base := Options{MaxBackupVersions: Ptr(5), CompressMetadata: Ptr(true)}
	got := base.Merge(Options{MaxBackupVersions: Ptr(1)})
	if *got.MaxBackupVersions != 1 || !*got.CompressMetadata {
		t.Errorf("Merge = %+v", got)
	}
	if *base.MaxBackupVersions != 5 {
		t.Error("Merge mutated the receiver")
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"90m"`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Duration() != 90*time.Minute {
		t.Errorf("d = %s", d)
	}
	out, _ := json.Marshal(d)
	if string(out) != `"1h30m0s"` {
		t.Errorf("marshal = %s", out)
	}
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Error("expected parse error")
	}
}

func TestHomePath(t *testing.T) {
	t.Setenv("TASKVAULT_PATH", "/tmp/custom-tv")

	if got := HomePath(); got != "/tmp/custom-tv" {
		t.Errorf("HomePath() = %q", got)
	}
	if got := ConfigPath(); got != "/tmp/custom-tv/config.jsonc" {
		t.Errorf("ConfigPath() = %q", got)
	}
	if got := DotenvPath(); got != "/tmp/custom-tv/.env" {
		t.Errorf("DotenvPath() = %q", got)
	}
}

func TestHomePathDefault(t *testing.T) {
	t.Setenv("TASKVAULT_PATH", "")
	if !strings.HasSuffix(HomePath(), ".taskvault") {
		t.Errorf("HomePath() = %q", HomePath())
	}
}
