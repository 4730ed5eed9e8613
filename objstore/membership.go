package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// alternatesFile is the git-recognized path, relative to a repo's git
// dir, that lists directories this repo may borrow objects from.
const alternatesFile = "objects/info/alternates"

// EnsureFamily promotes a detected Family to objstore membership: it
// reuses an existing objstore repo if any member already references one,
// otherwise creates a new one, then ensures every member has a remote on
// the objstore and its alternates wired correctly.
//
// Returns the guid of the objstore repository backing this family.
func (s *Store) EnsureFamily(ctx context.Context, f Family, precious PreciousMode) (string, error) {
	guid, err := s.existingObjstoreGUID(f.Members)
	if err != nil {
		return "", err
	}
	if guid == "" {
		guid, err = s.createObjstore(ctx, f)
		if err != nil {
			return "", err
		}
	}

	for _, member := range f.Members {
		if err := s.wireMember(ctx, guid, member, precious); err != nil {
			return "", fmt.Errorf("objstore: wire member %s into %s: %w", member, guid, err)
		}
	}

	return guid, nil
}

// existingObjstoreGUID returns the guid of an objstore repo already
// referenced by one of the members' alternates, or "" if none has one
// yet.
func (s *Store) existingObjstoreGUID(members []string) (string, error) {
	for _, member := range members {
		target, err := s.readAlternate(member)
		if err != nil {
			return "", err
		}
		if target == "" {
			continue
		}
		// target is "<objstore-dir>/<guid>.git/objects"
		guidDir := filepath.Base(filepath.Dir(target))
		if filepath.Ext(guidDir) == ".git" && filepath.Dir(filepath.Dir(target)) == s.objstoreDir() {
			return guidDir[:len(guidDir)-len(".git")], nil
		}
	}
	return "", nil
}

func (s *Store) readAlternate(repoPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(repoPath, alternatesFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("objstore: read alternates for %s: %w", repoPath, err)
	}
	line := string(data)
	for i, c := range line {
		if c == '\n' {
			line = line[:i]
			break
		}
	}
	return line, nil
}

// createObjstore creates a new bare objstore repository for the family
// with the standard config (preciousObjects, no gc.auto, delta islands).
func (s *Store) createObjstore(ctx context.Context, f Family) (string, error) {
	guid, err := newGUID()
	if err != nil {
		return "", err
	}

	path := s.PathFor(guid)
	if err := os.MkdirAll(s.objstoreDir(), 0755); err != nil {
		return "", fmt.Errorf("objstore: create objstore dir: %w", err)
	}
	if err := s.Git.InitBare(ctx, path); err != nil {
		return "", fmt.Errorf("objstore: init %s: %w", path, err)
	}

	for key, value := range map[string]string{
		"extensions.preciousObjects": "true",
		"gc.auto":                    "0",
		"repack.useDeltaIslands":     "true",
	} {
		if err := s.Git.ConfigSet(ctx, path, key, value); err != nil {
			return "", fmt.Errorf("objstore: configure %s: %w", path, err)
		}
	}

	s.Log.Info("objstore: created shared repository", "guid", guid, "family_key", f.Key, "members", len(f.Members))
	return guid, nil
}

// wireMember ensures member has a remote on the objstore repo, fetches
// its refs into the virtual namespace, and points its alternates at the
// objstore's object directory.
func (s *Store) wireMember(ctx context.Context, guid, member string, precious PreciousMode) error {
	sibling := SiblingID(member)
	objstorePath := s.PathFor(guid)

	if err := s.ensureObjstoreRemote(ctx, objstorePath, sibling, member); err != nil {
		return err
	}

	if _, err := s.Git.Fetch(ctx, objstorePath, 0, nil, sibling); err != nil {
		return fmt.Errorf("fetch member refs into objstore: %w", err)
	}

	alternateTarget := filepath.Join(objstorePath, "objects")
	if err := s.writeAlternate(member, alternateTarget); err != nil {
		return err
	}

	if err := s.Git.ConfigSet(ctx, member, "gc.auto", "0"); err != nil {
		return fmt.Errorf("set gc.auto=0 on member: %w", err)
	}

	if precious != PreciousNever {
		if err := s.Git.ConfigSet(ctx, member, "extensions.preciousObjects", "true"); err != nil {
			return fmt.Errorf("set preciousObjects on member: %w", err)
		}
	}

	return nil
}

// ensureObjstoreRemote adds (or leaves alone, if present) the per-member
// remote on the objstore repo, per spec §4.4's remote naming and
// refspec.
func (s *Store) ensureObjstoreRemote(ctx context.Context, objstorePath, sibling, memberURL string) error {
	existing, err := s.Git.ConfigGet(ctx, objstorePath, "remote."+sibling+".url")
	if err != nil {
		return fmt.Errorf("check existing remote: %w", err)
	}
	if existing != "" {
		return nil
	}

	if err := s.Git.RemoteAdd(ctx, objstorePath, sibling, memberURL); err != nil {
		return fmt.Errorf("add remote %s: %w", sibling, err)
	}
	refspec := fmt.Sprintf("+refs/*:refs/virtual/%s/*", sibling)
	if err := s.Git.ConfigSet(ctx, objstorePath, "remote."+sibling+".fetch", refspec); err != nil {
		return fmt.Errorf("set refspec for remote %s: %w", sibling, err)
	}
	if err := s.Git.ConfigSet(ctx, objstorePath, "remote."+sibling+".tagOpt", "--no-tags"); err != nil {
		return fmt.Errorf("disable tags for remote %s: %w", sibling, err)
	}
	if err := s.Git.ConfigSet(ctx, objstorePath, "fetch.writeCommitGraph", "true"); err != nil {
		return fmt.Errorf("enable commit-graph writes: %w", err)
	}
	return nil
}

// RewireAlternate points repoPath's alternates file at target (an
// objects directory), creating objects/info if needed. Used by the pull
// engine to restore objstore membership after a reclone wipes a member's
// working directory but the family's shared objstore repo survives.
func (s *Store) RewireAlternate(repoPath, target string) error {
	return s.writeAlternate(repoPath, target)
}

func (s *Store) writeAlternate(repoPath, target string) error {
	dir := filepath.Join(repoPath, "objects", "info")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create objects/info: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "alternates"), []byte(target+"\n"), 0644)
}
