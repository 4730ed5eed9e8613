package config_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/grokmirror/grokmirror-go/internal/config"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "grokmirror.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
core:
  toplevel: /mirror
remote:
  site: https://git.example.com
  manifest_path: /manifest.js.gz
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	wantThreads := runtime.NumCPU()
	if wantThreads > 10 {
		wantThreads = 10
	}
	if cfg.Pull.PullThreads != wantThreads {
		t.Errorf("expected default pull_threads=%d (CPU count, ceiling 10), got %d", wantThreads, cfg.Pull.PullThreads)
	}
	if cfg.Fsck.PruneExpire != "now" {
		t.Errorf("expected default prune_expire=now, got %q", cfg.Fsck.PruneExpire)
	}
	if len(cfg.Fsck.RecloneOnErrors) == 0 {
		t.Errorf("expected non-empty default reclone_on_errors")
	}
	if cfg.Objstore.Precious != "idle" {
		t.Errorf("expected default objstore.precious=idle, got %q", cfg.Objstore.Precious)
	}
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
core:
  toplevel: /mirror
bogus_section:
  foo: bar
`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatalf("expected error for unknown top-level key")
	}
}

func TestLoadRejectsUnknownNestedKey(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
core:
  toplevel: /mirror
pull:
  pull_threads: 4
  bogus_field: true
`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatalf("expected error for unknown nested key")
	}
}

func TestValidateRejectsBadPrecious(t *testing.T) {
	cfg := &config.Config{}
	cfg.Core.Toplevel = "/mirror"
	cfg.ApplyDefaults()
	cfg.Objstore.Precious = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for invalid objstore.precious")
	}
}

func TestValidateRejectsQuorumOutOfRange(t *testing.T) {
	cfg := &config.Config{}
	cfg.Core.Toplevel = "/mirror"
	cfg.Pull.PurgeQuorum = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for purge_quorum > 1")
	}
}

func TestWatchConfigDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "core:\n  toplevel: /mirror-v1\n")

	changes := make(chan *config.Config, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go config.WatchConfig(ctx, path, 20*time.Millisecond, nil, func(c *config.Config) {
		changes <- c
	})

	select {
	case c := <-changes:
		if c.Core.Toplevel != "/mirror-v1" {
			t.Fatalf("expected initial load toplevel=/mirror-v1, got %q", c.Core.Toplevel)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial config load")
	}

	time.Sleep(30 * time.Millisecond) // ensure mtime advances past filesystem resolution
	writeConfig(t, dir, "core:\n  toplevel: /mirror-v2\n")

	select {
	case c := <-changes:
		if c.Core.Toplevel != "/mirror-v2" {
			t.Fatalf("expected reloaded toplevel=/mirror-v2, got %q", c.Core.Toplevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
