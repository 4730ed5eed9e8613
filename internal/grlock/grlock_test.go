package grlock_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grokmirror/grokmirror-go/internal/grlock"
)

func TestAcquireNonBlockingBusy(t *testing.T) {
	dir := t.TempDir()

	h1, err := grlock.Acquire(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer h1.Release()

	_, err = grlock.Acquire(context.Background(), dir, false)
	if !errors.Is(err, grlock.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	dir := t.TempDir()

	h1, err := grlock.Acquire(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := h1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Release is idempotent.
	if err := h1.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	h2, err := grlock.Acquire(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	defer h2.Release()
}

func TestAcquireBlockingTimesOutWhenBusy(t *testing.T) {
	dir := t.TempDir()

	h1, err := grlock.Acquire(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err = grlock.Acquire(ctx, dir, true)
	if err == nil {
		t.Fatalf("expected error acquiring busy lock with deadline")
	}
}

func TestAcquireWritesLegacySiblingHardlink(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "repo.git")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}

	h, err := grlock.Acquire(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	primary := filepath.Join(dir, ".grokmirror.lock")
	sibling := filepath.Join(parent, ".repo.git.lock")

	pInfo, err := os.Stat(primary)
	if err != nil {
		t.Fatalf("expected primary lock file to exist: %v", err)
	}
	sInfo, err := os.Stat(sibling)
	if err != nil {
		t.Fatalf("expected legacy sibling lock file to exist: %v", err)
	}
	if !os.SameFile(pInfo, sInfo) {
		t.Fatalf("expected legacy sibling to be a hardlink to the same lock file")
	}
}
