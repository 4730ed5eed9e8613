package config

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// WatchConfig polls path's mtime every interval and invokes onChange with
// a freshly loaded Config whenever it changes, mirroring the teacher's
// mtime-polling WatchConfig loop (fsnotify is deliberately avoided there
// too, since the config file is frequently replaced via rename rather
// than edited in place -- a pattern inotify handles poorly across
// editors/deploy tooling). Runs until ctx is canceled.
func WatchConfig(ctx context.Context, path string, interval time.Duration, log *slog.Logger, onChange func(*Config)) {
	if log == nil {
		log = slog.Default()
	}

	var lastMod time.Time
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		info, err := os.Stat(path)
		if err != nil {
			log.Warn("config: stat failed", "path", path, "error", err)
			return
		}
		if !info.ModTime().After(lastMod) {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			log.Error("config: reload failed, keeping previous configuration", "path", path, "error", err)
			return
		}
		lastMod = info.ModTime()
		log.Info("config: reloaded", "path", path)
		onChange(cfg)
	}

	check() // initial load drives the first onChange
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
