// Package objstore implements the grokmirror object-sharing subsystem
// (spec §4.4): detecting fork families by shared root commit, creating
// and maintaining shared "objstore" repositories, wiring member
// repositories' alternates to point at them, and migrating legacy
// alternates links. The git subprocess choreography here follows the
// same init/configure/verify shape the mirroring engine uses for its own
// repositories, generalized from "one mirrored repo" to "one shared repo
// serving a family of forks."
package objstore

import (
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // identifier derivation, not a security boundary
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/grokmirror/grokmirror-go/internal/gitexec"
)

// PreciousMode controls how aggressively a member repository's
// extensions.preciousObjects flag is held on, trading crash-safety
// against loose-object cleanliness (spec §4.4 repack rules).
type PreciousMode int

const (
	// PreciousDuringIdle keeps preciousObjects on except during the
	// member's own repack window (the default).
	PreciousDuringIdle PreciousMode = iota
	// PreciousAlways keeps preciousObjects on permanently; loose
	// objects in the member are never cleaned.
	PreciousAlways
	// PreciousNever never sets preciousObjects on the member.
	PreciousNever
)

// inflightSentinel is the crash-safety marker from DESIGN.md Open
// Question #3: written before preciousObjects is toggled off for a
// repack, removed after. Its presence on startup means a prior repack
// was interrupted mid-toggle.
const inflightSentinel = ".objstore-repack-inflight"

// Store manages one toplevel's worth of objstore repositories.
type Store struct {
	// Toplevel is the root directory containing both member repos and
	// the "objstore/" subdirectory of shared repos.
	Toplevel string
	Git      *gitexec.Invoker
	Log      *slog.Logger
}

// New constructs a Store rooted at toplevel.
func New(toplevel string, git *gitexec.Invoker, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{Toplevel: toplevel, Git: git, Log: log}
}

// objstoreDir returns the directory holding all shared objstore repos.
func (s *Store) objstoreDir() string {
	return filepath.Join(s.Toplevel, "objstore")
}

// PathFor returns the path of the objstore repo for the given guid.
func (s *Store) PathFor(guid string) string {
	return filepath.Join(s.objstoreDir(), guid+".git")
}

// SiblingID is the spec's "sibling-sha1": the first 12 hex characters of
// SHA-1(member path), used both as the objstore remote name and as the
// virtual ref namespace for that member.
func SiblingID(memberPath string) string {
	sum := sha1.Sum([]byte(memberPath)) //nolint:gosec
	return hex.EncodeToString(sum[:])[:12]
}

// FindRootCommits returns the sorted root commits of a repository, used
// as the equivalence key for fork-family detection.
func (s *Store) FindRootCommits(ctx context.Context, repoPath string) ([]string, error) {
	roots, err := s.Git.RevListRoots(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("objstore: root commits for %s: %w", repoPath, err)
	}
	sort.Strings(roots)
	return roots, nil
}

// Family is one detected fork family: a set of member repo paths whose
// lexicographically smallest root commit is the same, keyed by that
// commit (spec §4.4 fork detection). Repos that share only some other
// root commit land in separate families.
type Family struct {
	Key     string
	Members []string
}

// DetectFamilies partitions candidates into fork-family equivalence
// classes. Only classes of size >= 2 are returned, matching the spec's
// "a class of size >= 2 is a fork family." Detection is intentionally
// single-pass and bounded by the caller-supplied candidate list rather
// than an unbounded filesystem walk, so one fsck pass cannot run away on
// a mis-scoped toplevel.
func (s *Store) DetectFamilies(ctx context.Context, candidates []string) ([]Family, error) {
	// smallestRoot -> member paths sharing it.
	byRoot := make(map[string][]string)

	for _, repoPath := range candidates {
		roots, err := s.FindRootCommits(ctx, repoPath)
		if err != nil {
			s.Log.Warn("objstore: skipping repo with unreadable root commits", "repo", repoPath, "err", err)
			continue
		}
		if len(roots) == 0 {
			continue
		}
		key := roots[0]
		byRoot[key] = append(byRoot[key], repoPath)
	}

	var families []Family
	for key, members := range byRoot {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		families = append(families, Family{Key: key, Members: members})
	}
	sort.Slice(families, func(i, j int) bool { return families[i].Key < families[j].Key })
	return families, nil
}

// repackInflightMarker returns the path of the crash-safety sentinel for
// repoPath.
func repackInflightMarker(repoPath string) string {
	return filepath.Join(repoPath, inflightSentinel)
}

// RecoverFromInterruptedRepack checks for the crash-safety sentinel and,
// if present, forces preciousObjects back on and removes the sentinel.
// The fsck controller runs it for each repo, under the repo lock, before
// any repack decision is made (DESIGN.md Open Question #3).
func (s *Store) RecoverFromInterruptedRepack(ctx context.Context, repoPath string) error {
	marker := repackInflightMarker(repoPath)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("objstore: stat sentinel: %w", err)
	}

	s.Log.Warn("objstore: recovering from interrupted repack", "repo", repoPath)
	if err := s.Git.ConfigSet(ctx, repoPath, "extensions.preciousObjects", "true"); err != nil {
		return fmt.Errorf("objstore: restore preciousObjects after crash: %w", err)
	}
	return os.Remove(marker)
}

// newGUID returns a random 12-hex-character identifier for a new
// objstore repository.
func newGUID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("objstore: generate guid: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
