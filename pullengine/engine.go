package pullengine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/grokmirror/grokmirror-go/manifest"
)

// Engine runs pull passes: fetch the remote manifest, compute the delta,
// dispatch work to a worker pool, apply symlink-only changes inline,
// purge, persist, and fire post-hooks. Grounded on repopool/repo_pool.go's
// pool-over-many-repos shape, generalized from a static repo list to one
// recomputed from the manifest every pass.
type Engine struct {
	Worker       *Worker
	HTTPClient   *http.Client
	ManifestURL  string
	LocalPath    string // path to the local manifest file
	Toplevel     string
	PullThreads  int
	ShutdownGrace time.Duration
	Log          *slog.Logger

	Purge          bool
	PurgeQuorum    float64
	PurgeThreshold int
	ForcePurge     bool

	PostUpdateHook        string
	PostCloneCompleteHook string
	PostWorkCompleteHook  string

	// passMu serializes RunOnce and PullNow so a push-driven out-of-band
	// pull never races a ticking RunOnce pass over the same local
	// manifest file.
	passMu sync.Mutex
}

// PassSummary reports what one pull pass did.
type PassSummary struct {
	Updated int
	Failed  int
	Skipped int
	Cloned  bool
}

// RunOnce performs a single pull pass: fetch, delta, dispatch, persist,
// hooks. If the remote manifest is unchanged (304), it's a no-op.
func (e *Engine) RunOnce(ctx context.Context) (PassSummary, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	local, localMtime, err := e.loadLocal()
	if err != nil {
		return PassSummary{}, err
	}

	fetchResult, err := FetchManifest(e.HTTPClient, e.ManifestURL, localMtime)
	if err != nil {
		return PassSummary{}, err
	}
	if fetchResult.NotModified {
		return PassSummary{}, nil
	}

	changes := Order(Delta(local, fetchResult.Manifest))
	e.Log.Info("pullengine: computed delta", "changes", len(changes))

	var summary PassSummary
	var changedPaths []string
	// Each worker goroutine mutates summary/local/changedPaths under mu;
	// deadlock.Mutex catches an accidental double-acquire here the way
	// it would during a refactor of this goroutine fan-in.
	var mu deadlock.Mutex

	sem := make(chan struct{}, e.poolSize())
	var wg sync.WaitGroup

	for _, change := range changes {
		if change.Kind == SymlinkOnly {
			e.applySymlinkOnly(local, change)
			mu.Lock()
			summary.Updated++
			mu.Unlock()
			continue
		}
		if change.Kind == Gone {
			continue // purge handled after all clones/updates complete
		}

		change := change
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			var result Result
			err := WithRetry(ctx, func() error {
				result = e.Worker.Pull(ctx, change, e.effectiveRefresh())
				return result.Err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				e.Log.Error("pullengine: pull failed", "repo", change.Path, "error", err)
				return
			}
			local.Entries[change.Path] = result.Entry
			changedPaths = append(changedPaths, change.Path)
			summary.Updated++
			if change.Kind == New {
				summary.Cloned = true
			}
		}()
	}
	wg.Wait()

	var purgeErr error
	if e.Purge {
		purgeErr = e.purge(local, changes, &summary)
	}

	if err := e.saveLocal(local); err != nil {
		return summary, err
	}

	e.runPostHooks(changedPaths, summary)
	if purgeErr != nil {
		return summary, purgeErr
	}
	return summary, nil
}

// PullNow pulls a single path outside the normal tick cadence, driven by
// a push notification (spec §4.6's push path, spec §8 Scenario 6: "exactly
// one fetch of /x.git is invoked"). It re-fetches the remote manifest to
// learn the path's current entry, dispatches the pull through the same
// retry wrapper RunOnce uses, and persists the result into the local
// manifest so the next tick doesn't redo the work.
func (e *Engine) PullNow(ctx context.Context, path string) (Result, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	local, _, err := e.loadLocal()
	if err != nil {
		return Result{}, err
	}

	fetchResult, err := FetchManifest(e.HTTPClient, e.ManifestURL, time.Time{})
	if err != nil {
		return Result{}, err
	}

	remoteEntry, ok := fetchResult.Manifest.Entries[path]
	if !ok {
		return Result{}, fmt.Errorf("pullengine: push notification for unknown path %s", path)
	}

	change := Change{Path: path, Remote: remoteEntry}
	if _, exists := local.Entries[path]; exists {
		change.Kind = Updated
		change.Local = local.Entries[path]
	} else {
		change.Kind = New
	}

	var result Result
	err = WithRetry(ctx, func() error {
		result = e.Worker.Pull(ctx, change, e.effectiveRefresh())
		return result.Err
	})
	if err != nil {
		return result, err
	}

	local.Entries[path] = result.Entry
	if err := e.saveLocal(local); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) poolSize() int {
	if e.PullThreads <= 0 {
		return 1
	}
	if e.PullThreads > 10 {
		return 10
	}
	return e.PullThreads
}

func (e *Engine) effectiveRefresh() time.Duration {
	if e.ShutdownGrace > 0 {
		return e.ShutdownGrace
	}
	return 2 * time.Minute
}

func (e *Engine) loadLocal() (*manifest.Manifest, time.Time, error) {
	data, err := readFileIfExists(e.LocalPath)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: read local manifest: %w", ErrIO, err)
	}
	if data == nil {
		return manifest.New(1), time.Time{}, nil
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: local manifest: %w", ErrManifestParseFailed, err)
	}
	mtime, err := fileModTime(e.LocalPath)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: stat local manifest: %w", ErrIO, err)
	}
	return m, mtime, nil
}

func (e *Engine) saveLocal(m *manifest.Manifest) error {
	return manifest.Write(e.LocalPath, m, manifest.WriteOptions{
		EmitOptions:    manifest.EmitOptions{Pretty: false, Gzip: filepath.Ext(e.LocalPath) == ".gz"},
		PurgeQuorum:    e.PurgeQuorum,
		PurgeThreshold: e.PurgeThreshold,
		ForcePurge:     e.ForcePurge,
	})
}

func (e *Engine) applySymlinkOnly(local *manifest.Manifest, change Change) {
	entry := local.Entries[change.Path]
	if entry == nil {
		return
	}
	entry.Symlinks = change.Remote.Symlinks
}

// purge computes the delete set for manifest-gone repos, passes it through
// the quorum check *before* touching the filesystem, and only then deletes
// and confirms no alternates dependency, per spec §4.6 step 7 and spec §8
// Scenario 5: the quorum must gate deletion, not just the later manifest
// write, so a refused purge must leave every repo on disk untouched.
func (e *Engine) purge(local *manifest.Manifest, changes []Change, summary *PassSummary) error {
	var goneChanges []Change
	for _, change := range changes {
		if change.Kind == Gone {
			goneChanges = append(goneChanges, change)
		}
	}
	if len(goneChanges) == 0 {
		return nil
	}

	if e.PurgeQuorum > 0 {
		if err := manifest.CheckPurgeQuorum(len(local.Entries), len(goneChanges), manifest.WriteOptions{
			PurgeQuorum:    e.PurgeQuorum,
			PurgeThreshold: e.PurgeThreshold,
			ForcePurge:     e.ForcePurge,
		}); err != nil {
			e.Log.Warn("pullengine: purge refused by quorum check", "would_remove", len(goneChanges), "total", len(local.Entries))
			return err
		}
	}

	for _, change := range goneChanges {
		repoPath := filepath.Join(e.Toplevel, change.Path)
		safe, err := e.Worker.Objstore.SafeToDelete(repoPath, local.Paths())
		if err != nil {
			e.Log.Error("pullengine: purge safety check failed", "repo", change.Path, "error", err)
			continue
		}
		if !safe {
			e.Log.Warn("pullengine: skipping purge, repo referenced by an alternate", "repo", change.Path)
			continue
		}
		if err := removeAll(repoPath); err != nil {
			e.Log.Error("pullengine: purge failed", "repo", change.Path, "error", err)
			continue
		}
		delete(local.Entries, change.Path)
		summary.Updated++
	}
	return nil
}

func (e *Engine) runPostHooks(changedPaths []string, summary PassSummary) {
	for _, path := range changedPaths {
		e.runHook(e.PostUpdateHook, filepath.Join(e.Toplevel, path))
	}
	if summary.Cloned {
		e.runHook(e.PostCloneCompleteHook)
	}
	e.runHook(e.PostWorkCompleteHook)
}

func (e *Engine) runHook(hook string, args ...string) {
	if hook == "" {
		return
	}
	cmd := exec.Command(hook, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		e.Log.Error("pullengine: post-hook failed", "hook", hook, "error", err, "output", string(out))
	}
}
