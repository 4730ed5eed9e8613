package objstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrObjstoreMigrationFailed is returned when migrating a member off a
// legacy alternate fails partway through; the caller must leave the
// member untouched rather than risk a half-rewritten alternates file
// (spec §7).
var ErrObjstoreMigrationFailed = errors.New("objstore: migration failed")

// IsLegacyAlternate reports whether memberPath's alternates file points
// at a sibling repository directly rather than at a managed objstore
// repo -- the grokmirror 1.x pattern this version migrates away from.
func (s *Store) IsLegacyAlternate(memberPath string) (bool, string, error) {
	target, err := s.readAlternate(memberPath)
	if err != nil {
		return false, "", err
	}
	if target == "" {
		return false, "", nil
	}
	parent := filepath.Dir(filepath.Dir(target)) // strip "/objects"
	if parent == s.objstoreDir() {
		return false, "", nil // already objstore-managed
	}
	return true, target, nil
}

// MigrateLegacyAlternate moves a member off a legacy direct-sibling
// alternate and onto a proper objstore repository: it creates (or joins)
// an objstore for the family the member and its legacy reference belong
// to, rewires the alternate, and only then removes the legacy link. The
// member is never left pointing at neither, matching the spec's "never
// partially rewrite alternates" safety requirement.
func (s *Store) MigrateLegacyAlternate(ctx context.Context, memberPath, legacyTarget string, precious PreciousMode) (string, error) {
	legacySibling := filepath.Dir(legacyTarget) // the old alternate's repo dir

	family := Family{
		Key:     "migrated:" + legacySibling,
		Members: []string{memberPath, legacySibling},
	}

	guid, err := s.EnsureFamily(ctx, family, precious)
	if err != nil {
		return "", fmt.Errorf("%w: legacy alternate for %s: %w", ErrObjstoreMigrationFailed, memberPath, err)
	}

	return guid, nil
}

// MemberResolvedAlternate returns the realpath-resolved directory a
// member's alternates chain points at, or "" if it has none. Used by the
// safety check before deleting any repository (spec §4.4 Safety: "a
// repository may only be deleted if no other repo's realpath-resolved
// alternates chain references it").
func (s *Store) MemberResolvedAlternate(memberPath string) (string, error) {
	target, err := s.readAlternate(memberPath)
	if err != nil || target == "" {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		if os.IsNotExist(err) {
			return target, nil
		}
		return "", fmt.Errorf("objstore: resolve alternate for %s: %w", memberPath, err)
	}
	return resolved, nil
}

// SafeToDelete reports whether repoPath may be deleted: no other
// candidate repository's resolved alternates chain may reference it.
func (s *Store) SafeToDelete(repoPath string, allRepos []string) (bool, error) {
	target, err := filepath.EvalSymlinks(filepath.Join(repoPath, "objects"))
	if err != nil {
		target = filepath.Join(repoPath, "objects")
	}

	for _, other := range allRepos {
		if other == repoPath {
			continue
		}
		resolved, err := s.MemberResolvedAlternate(other)
		if err != nil {
			return false, err
		}
		if resolved == target {
			return false, nil
		}
	}
	return true, nil
}

// ObjstoreHasRemotes reports whether the objstore repo for guid still
// has any configured remotes. An objstore with zero remotes is itself
// deletable (spec §8 boundary behavior).
func (s *Store) ObjstoreHasRemotes(ctx context.Context, guid string) (bool, error) {
	path := s.PathFor(guid)
	res, err := s.Git.Run(ctx, path, 0, nil, "remote")
	if err != nil {
		return false, fmt.Errorf("objstore: list remotes for %s: %w", guid, err)
	}
	return res.Stdout != "", nil
}
