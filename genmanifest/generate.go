package genmanifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/grokmirror/grokmirror-go/internal/gitexec"
	"github.com/grokmirror/grokmirror-go/manifest"
)

// Options configures one generation pass, mirroring grokmirror's
// `manifest` subcommand flags (spec §4.7, §6).
type Options struct {
	Toplevel        string
	CheckExportOK   bool
	IgnoreGlobs     []string
	IgnoreRefs      []*regexp.Regexp
	NowMode         bool     // -n: use current time instead of last-commit time
	Exclude         []string // -x: paths to remove from an existing manifest
	Prune           bool     // -p: drop entries whose on-disk path no longer exists
	ExistingPath    string   // manifest to update in place, if any
}

// Generator walks a toplevel tree and produces a manifest describing it.
type Generator struct {
	Git *gitexec.Invoker
	Log *slog.Logger
}

// Generate builds a fresh manifest from opts.Toplevel, applies -x/-p
// against an existing manifest when given, and returns the result.
func (g *Generator) Generate(ctx context.Context, opts Options) (*manifest.Manifest, error) {
	base := manifest.New(1)
	if opts.ExistingPath != "" {
		if data, err := os.ReadFile(opts.ExistingPath); err == nil {
			if m, err := manifest.Parse(data); err == nil {
				base = m
			}
		}
	}

	if len(opts.Exclude) > 0 {
		for _, path := range opts.Exclude {
			delete(base.Entries, path)
		}
		return base, nil
	}

	repos, err := FindRepos(opts.Toplevel)
	if err != nil {
		return nil, fmt.Errorf("genmanifest: walk %s: %w", opts.Toplevel, err)
	}

	fresh := manifest.New(base.Meta.Version)
	for _, repoPath := range repos {
		relPath := toplevelRelative(opts.Toplevel, repoPath)
		if matchesAnyGlob(relPath, opts.IgnoreGlobs) {
			continue
		}
		if opts.CheckExportOK && !IsExportOK(repoPath) {
			continue
		}

		entry, err := g.describeRepo(ctx, repoPath, opts)
		if err != nil {
			g.Log.Warn("genmanifest: skipping repo", "path", relPath, "error", err)
			continue
		}
		fresh.Entries[relPath] = entry
	}

	resolveSymlinkAliases(opts.Toplevel, fresh)

	if opts.Prune {
		for path := range fresh.Entries {
			if _, err := os.Stat(filepath.Join(opts.Toplevel, path)); os.IsNotExist(err) {
				delete(fresh.Entries, path)
			}
		}
	}

	return fresh, nil
}

func (g *Generator) describeRepo(ctx context.Context, repoPath string, opts Options) (*manifest.Entry, error) {
	showRef, err := g.Git.ShowRef(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("show-ref: %w", err)
	}

	head, _ := g.Git.RevParse(ctx, repoPath, "--symbolic-full-name", "HEAD")
	if strings.HasPrefix(head, "refs/") {
		head = "ref: " + head
	}

	var modified int64
	if opts.NowMode {
		modified = time.Now().Unix()
	} else {
		modified = g.lastCommitTime(ctx, repoPath)
	}

	entry := &manifest.Entry{
		Description: readDescription(repoPath),
		Head:        head,
		Modified:    modified,
		Fingerprint: manifest.Fingerprint(showRef, opts.IgnoreRefs),
	}
	return entry, nil
}

// lastCommitTime returns the newest commit timestamp reachable from any
// ref, or the current time if the repo has no commits yet.
func (g *Generator) lastCommitTime(ctx context.Context, repoPath string) int64 {
	res, err := g.Git.Run(ctx, repoPath, 30*time.Second, nil, "for-each-ref", "--sort=-committerdate", "--count=1", "--format=%(committerdate:unix)")
	if err != nil || res.ExitCode != 0 || res.Stdout == "" {
		return time.Now().Unix()
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return time.Now().Unix()
	}
	return ts
}

func readDescription(repoPath string) string {
	data, err := os.ReadFile(filepath.Join(repoPath, "description"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func toplevelRelative(toplevel, repoPath string) string {
	rel, err := filepath.Rel(toplevel, repoPath)
	if err != nil {
		return repoPath
	}
	return "/" + filepath.ToSlash(rel)
}

func matchesAnyGlob(path string, globs []string) bool {
	for _, pattern := range globs {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// resolveSymlinkAliases walks toplevel a second time looking for
// symlinks whose realpath resolves inside toplevel to an already
// discovered entry, and registers them as aliases, per spec §4.7's
// second-pass symlink discovery.
func resolveSymlinkAliases(toplevel string, m *manifest.Manifest) {
	entries, err := os.ReadDir(toplevel)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		linkPath := filepath.Join(toplevel, entry.Name())
		target, err := filepath.EvalSymlinks(linkPath)
		if err != nil {
			continue
		}
		realRel := toplevelRelative(toplevel, target)
		if canonical, ok := m.Entries[realRel]; ok {
			canonical.AddSymlink("/" + entry.Name())
		}
	}
}
