package pullengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/grokmirror/grokmirror-go/fsckctl"
	"github.com/grokmirror/grokmirror-go/internal/gitexec"
	"github.com/grokmirror/grokmirror-go/internal/grlock"
	"github.com/grokmirror/grokmirror-go/internal/metrics"
	"github.com/grokmirror/grokmirror-go/manifest"
	"github.com/grokmirror/grokmirror-go/objstore"
)

const (
	cloneTimeout = 2 * 30 * time.Minute
	fetchTimeout = 10 * time.Minute
)

// Worker pulls a single repository change, the unit of work dispatched
// to the pull engine's worker pool (spec §4.6 "Worker operation per
// repo"). Grounded on repository.go's init/fetch choreography,
// generalized from "fixed remote configured at startup" to "whatever the
// current manifest delta names."
type Worker struct {
	Git          *gitexec.Invoker
	Objstore     *objstore.Store
	Auth         *Authenticator
	Metrics      *metrics.Metrics
	Log          *slog.Logger
	RemoteSite   string
	Toplevel     string
	UsesPlumbing bool

	// IgnoreRefPatterns is passed through to manifest.Fingerprint.
	IgnoreRefPatterns []*regexp.Regexp
}

// Result is what a worker reports back about one repo.
type Result struct {
	Path    string
	Entry   *manifest.Entry
	Err     error
	Reclone bool
}

// Pull resolves repoPath from change.Path, acquires its lock, and
// performs whatever git work the change requires.
func (w *Worker) Pull(ctx context.Context, change Change, lockDeadline time.Duration) Result {
	start := time.Now()
	repoPath := filepath.Join(w.Toplevel, change.Path)

	// The lock file lives inside repoPath, so a not-yet-cloned repo
	// needs the directory to exist before it can be locked at all.
	if change.Kind == New {
		if err := os.MkdirAll(repoPath, 0755); err != nil {
			return Result{Path: change.Path, Err: fmt.Errorf("%w: mkdir %s: %w", ErrIO, repoPath, err)}
		}
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockDeadline)
	defer cancel()
	handle, err := grlock.Acquire(lockCtx, repoPath, true)
	if err != nil {
		if w.Metrics != nil {
			w.Metrics.LockBusyTotal.WithLabelValues(change.Path).Inc()
		}
		return Result{Path: change.Path, Err: fmt.Errorf("%w: %w", grlock.ErrBusy, err)}
	}
	defer handle.Release()

	res := w.pullLocked(ctx, repoPath, change)
	if w.Metrics != nil {
		w.Metrics.RecordPull(change.Path, start, res.Err == nil)
	}
	return res
}

func (w *Worker) pullLocked(ctx context.Context, repoPath string, change Change) Result {
	reclone := fsckctl.IsMarkedForReclone(repoPath)
	isNew := change.Kind == New || reclone

	if reclone {
		if err := w.discardWorktreePreservingObjstore(repoPath); err != nil {
			return Result{Path: change.Path, Err: err}
		}
		if err := fsckctl.ClearRecloneMark(repoPath); err != nil {
			w.Log.Warn("pullengine: clear reclone mark failed", "repo", change.Path, "error", err)
		}
	}

	remoteURL := w.RemoteSite + change.Path
	envs, err := w.Auth.EnvFor(ctx, remoteURL)
	if err != nil {
		return Result{Path: change.Path, Err: err}
	}

	var preservedAlternate string
	if reclone {
		preservedAlternate, _ = w.Objstore.MemberResolvedAlternate(repoPath)
	}

	var gitErr error
	if isNew {
		gitErr = w.clone(ctx, repoPath, remoteURL, envs)
	} else {
		gitErr = w.fetch(ctx, repoPath, envs)
	}
	if gitErr != nil {
		return Result{Path: change.Path, Err: gitErr, Reclone: reclone}
	}

	if preservedAlternate != "" {
		if err := w.Objstore.RewireAlternate(repoPath, preservedAlternate); err != nil {
			w.Log.Error("pullengine: restore objstore alternate after reclone failed", "repo", change.Path, "error", err)
		}
	}

	if change.Remote.ForkGroup != nil && *change.Remote.ForkGroup != "" {
		family := objstore.Family{Key: *change.Remote.ForkGroup, Members: []string{repoPath}}
		if _, err := w.Objstore.EnsureFamily(ctx, family, objstore.PreciousDuringIdle); err != nil {
			w.Log.Error("pullengine: ensure objstore membership failed", "repo", change.Path, "error", err)
		}
	}

	if change.Remote.Head != "" {
		if err := w.Git.ConfigSet(ctx, repoPath, "core.bare", "true"); err != nil {
			w.Log.Warn("pullengine: set core.bare failed", "repo", change.Path, "error", err)
		}
		// The manifest carries head as "ref: refs/heads/..."; symbolic-ref
		// takes the bare refname.
		head := strings.TrimPrefix(change.Remote.Head, "ref: ")
		if _, err := w.Git.RunChecked(ctx, repoPath, 10*time.Second, nil, "symbolic-ref", "HEAD", head); err != nil {
			w.Log.Warn("pullengine: set HEAD failed", "repo", change.Path, "error", err)
		}
	}

	showRef, err := w.Git.ShowRef(ctx, repoPath)
	if err != nil {
		return Result{Path: change.Path, Err: err}
	}

	entry := &manifest.Entry{
		Description: change.Remote.Description,
		Head:        change.Remote.Head,
		Modified:    time.Now().Unix(),
		Fingerprint: manifest.Fingerprint(showRef, w.IgnoreRefPatterns),
		Reference:   change.Remote.Reference,
		ForkGroup:   change.Remote.ForkGroup,
		Symlinks:    change.Remote.Symlinks,
		Owner:       change.Remote.Owner,
	}

	if entry.Fingerprint != nil && change.Remote.Fingerprint != nil && *entry.Fingerprint != *change.Remote.Fingerprint {
		if w.Metrics != nil {
			w.Metrics.FingerprintMismatch.WithLabelValues(change.Path).Inc()
		}
		w.Log.Warn("pullengine: fingerprint mismatch after pull", "repo", change.Path)
	}

	return Result{Path: change.Path, Entry: entry}
}

func (w *Worker) clone(ctx context.Context, repoPath, remoteURL string, envs []string) error {
	// A reclone discards repoPath after the lock is taken (to keep
	// holding the lock across the gap), so it must be recreated here
	// even though Pull already made it once for the ordinary new-repo
	// case.
	if err := os.MkdirAll(repoPath, 0755); err != nil {
		return fmt.Errorf("%w: mkdir %s for clone: %w", ErrIO, repoPath, err)
	}
	res, err := w.Git.Clone(ctx, cloneTimeout, envs, remoteURL, repoPath)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("clone %s: %s", remoteURL, res.Stderr)
	}
	if err := w.Git.ConfigSet(ctx, repoPath, "gc.auto", "0"); err != nil {
		w.Log.Warn("pullengine: set gc.auto=0 failed", "repo", repoPath, "error", err)
	}
	return nil
}

func (w *Worker) fetch(ctx context.Context, repoPath string, envs []string) error {
	res, err := w.Git.Fetch(ctx, repoPath, fetchTimeout, envs, "origin", "+refs/*:refs/*")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("fetch %s: %s", repoPath, res.Stderr)
	}
	return nil
}

// discardWorktreePreservingObjstore deletes a repo's on-disk contents
// ahead of a reclone. The caller reads the repo's objstore alternate
// before calling this and rewires it after the fresh clone lands, since
// deleting the directory also deletes the alternates file but the shared
// objstore repository itself is untouched and should stay wired.
func (w *Worker) discardWorktreePreservingObjstore(repoPath string) error {
	if err := os.RemoveAll(repoPath); err != nil {
		return fmt.Errorf("%w: remove %s for reclone: %w", ErrIO, repoPath, err)
	}
	return nil
}
