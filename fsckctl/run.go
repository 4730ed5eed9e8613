package fsckctl

import (
	"context"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/grokmirror/grokmirror-go/internal/gitexec"
	"github.com/grokmirror/grokmirror-go/internal/grlock"
	"github.com/grokmirror/grokmirror-go/objstore"
)

// Controller runs fsck/repack passes over a set of repositories,
// generalized from repository.go's cleanup (stale-worktree-removal +
// gc-mode-dispatch) into a manifest-wide pass with a persistent decision
// store instead of one repo's in-process cleanup call.
type Controller struct {
	Git      *gitexec.Invoker
	Objstore *objstore.Store
	Store    *Store
	Policy   Policy
	Log      *slog.Logger

	RecloneTriggers []string
	WebhookURL      string

	// Force runs fsck regardless of nextcheck scheduling.
	Force bool
}

// PassInput is what one pass runs over. AlternateProviders marks the repos
// that provide alternates to others, so PruneArgs can tell "this repo is
// a donor" apart from an ordinary member; it holds whatever the caller
// supplies, and a repo absent from it is pruned as an ordinary repo.
type PassInput struct {
	RepoPaths          []string
	AlternateProviders map[string]bool
	PreciousMode       objstore.PreciousMode
}

// Run executes one pass over every repo path in input, returning the
// accumulated report.
func (c *Controller) Run(ctx context.Context, input PassInput) (*Report, error) {
	report := NewReport(time.Now())
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	families, err := c.Objstore.DetectFamilies(ctx, input.RepoPaths)
	if err != nil {
		c.Log.Error("fsckctl: fork detection failed", "error", err)
	}
	for _, f := range families {
		guid, err := c.Objstore.EnsureFamily(ctx, f, input.PreciousMode)
		if err != nil {
			c.Log.Error("fsckctl: ensure objstore family failed", "family", f.Key, "error", err)
			continue
		}
		c.Log.Info("fsckctl: objstore family ensured", "guid", guid, "members", len(f.Members))
	}

	for _, repoPath := range input.RepoPaths {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		outcome := c.runOne(ctx, repoPath, input, rnd)
		report.Add(outcome)
	}

	report.Emit(ctx, c.Log, c.WebhookURL, nil)
	return report, nil
}

func (c *Controller) runOne(ctx context.Context, repoPath string, input PassInput, rnd *rand.Rand) RepoOutcome {
	start := time.Now()
	outcome := RepoOutcome{RepoPath: repoPath}

	handle, err := grlock.Acquire(ctx, repoPath, false)
	if err != nil {
		outcome.Warning = "lock busy, skipped this pass"
		c.Log.Warn("fsckctl: repo locked, skipping", "repo", repoPath)
		return outcome
	}
	defer handle.Release()

	if err := c.Objstore.RecoverFromInterruptedRepack(ctx, repoPath); err != nil {
		c.Log.Warn("fsckctl: interrupted-repack recovery failed", "repo", repoPath, "error", err)
	}

	st, _, err := c.Store.Get(repoPath)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	if st.NextCheck.IsZero() {
		st.NextCheck = c.Policy.FirstSeenNextCheck(time.Now(), rnd)
	}

	observed := c.observe(ctx, repoPath)

	decision := c.Policy.DecideRepack(st, observed, time.Now())
	providesAlternates := input.AlternateProviders[repoPath]
	preciousAlways := input.PreciousMode == objstore.PreciousAlways

	if decision.Quick || decision.Full {
		if stderr, failed := c.repack(ctx, repoPath, decision, providesAlternates, preciousAlways); failed {
			outcome.Error = stderr
			c.maybeReclone(repoPath, stderr, &outcome)
		} else {
			outcome.Quick = decision.Quick
			outcome.Full = decision.Full
			st.LastRepack = time.Now()
			if decision.Full {
				st.LastFullRepack = time.Now()
			}
			if decision.Quick {
				st.QuickRepackCount++
			}
		}
	}

	if c.Policy.NeedsFsck(st, c.Force, time.Now()) {
		res, err := c.Git.Fsck(ctx, repoPath, 30*time.Minute, "--no-dangling", "--no-reflogs")
		switch {
		case err != nil:
			outcome.Error = err.Error()
			c.maybeReclone(repoPath, err.Error(), &outcome)
		case res.ExitCode != 0:
			outcome.Error = res.Stderr
			c.maybeReclone(repoPath, res.Stderr, &outcome)
		default:
			outcome.Fscked = true
			st.LastCheck = time.Now()
			st.NextCheck = c.Policy.AdvanceNextCheck(time.Now(), rnd)
		}
	}

	if c.Policy.Commitgraph && outcome.Error == "" {
		if err := c.Git.CommitGraphWrite(ctx, repoPath); err != nil {
			outcome.Warning = "commit-graph write failed: " + err.Error()
		}
	}

	outcome.ElapsedSecs = time.Since(start).Seconds()
	st.SElapsed = outcome.ElapsedSecs
	if err := c.Store.Put(repoPath, st); err != nil {
		c.Log.Error("fsckctl: persist status failed", "repo", repoPath, "error", err)
	}

	return outcome
}

// observe collects the loose-object/pack-count signals DecideRepack
// needs. Best-effort: a failure here just means quick-repack won't
// trigger off stale counts this pass.
func (c *Controller) observe(ctx context.Context, repoPath string) Status {
	var st Status
	res, err := c.Git.Run(ctx, repoPath, 30*time.Second, nil, "count-objects", "-v")
	if err != nil || res.ExitCode != 0 {
		return st
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "count":
			st.LooseObjects = atoiSafe(value)
		case "packs":
			st.PackCount = atoiSafe(value)
		}
	}
	return st
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// repack runs the appropriate repack flags for decision, returning the
// combined stderr and whether it failed.
func (c *Controller) repack(ctx context.Context, repoPath string, decision RepackDecision, providesAlternates, preciousAlways bool) (string, bool) {
	var args []string
	switch {
	case decision.Full:
		args = []string{"-f", "-d", "-l", "-A", "-q", "-b"}
	case decision.Quick:
		args = []string{"-d", "-l", "-A", "-q"}
	}

	res, err := c.Git.Repack(ctx, repoPath, time.Hour, args...)
	if err != nil {
		return err.Error(), true
	}
	if res.ExitCode != 0 {
		return res.Stderr, true
	}

	pruneArgs, skip := c.Policy.PruneArgs(providesAlternates, preciousAlways)
	if !skip {
		expire := strings.TrimPrefix(pruneArgs[0], "--expire=")
		pres, err := c.Git.PruneExpire(ctx, repoPath, expire)
		if err != nil {
			return err.Error(), true
		}
		if pres.ExitCode != 0 {
			return pres.Stderr, true
		}
	}

	return "", false
}

func (c *Controller) maybeReclone(repoPath, stderr string, outcome *RepoOutcome) {
	if trigger, matched := MatchesRecloneTrigger(stderr, c.RecloneTriggers); matched {
		if err := MarkForReclone(repoPath, trigger); err != nil {
			c.Log.Error("fsckctl: mark for reclone failed", "repo", repoPath, "error", err)
			return
		}
		outcome.Reclone = true
		c.Log.Warn("fsckctl: marked for reclone", "repo", repoPath, "trigger", trigger)
	}
}

// RepoDBPath returns the conventional status-store path under toplevel.
func RepoDBPath(toplevel string) string {
	return filepath.Join(toplevel, ".grokmirror-fsck.db")
}
