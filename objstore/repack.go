package objstore

import (
	"context"
	"fmt"
	"os"
	"time"
)

// RepackObjstore repacks a shared objstore repository with delta islands
// enabled, isolating each member's virtual ref namespace into its own
// delta chain so a single member's clone/fetch doesn't pull in deltas
// computed against unrelated siblings.
func (s *Store) RepackObjstore(ctx context.Context, guid string, timeout time.Duration) error {
	path := s.PathFor(guid)

	islandRegex := `^refs/virtual/([0-9a-f]{12})/`
	if err := s.Git.ConfigSet(ctx, path, "pack.islandRegex", islandRegex); err != nil {
		return fmt.Errorf("objstore: set island regex: %w", err)
	}

	res, err := s.Git.Repack(ctx, path, timeout, "-a", "-d", "-l", "--write-bitmap-index")
	if err != nil {
		return fmt.Errorf("objstore: repack %s: %w", guid, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("objstore: repack %s failed: %s", guid, res.Stderr)
	}
	return nil
}

// RepackMember repacks a member repository with "-adlq" so that no
// objects remain locally -- they live entirely in the alternate. The
// crash-safety sentinel is written before preciousObjects is disabled
// and removed only after the repack completes, so a crash mid-repack is
// detectable and recoverable (DESIGN.md Open Question #3).
func (s *Store) RepackMember(ctx context.Context, memberPath string, timeout time.Duration, precious PreciousMode) error {
	if precious == PreciousAlways {
		// Never disable preciousObjects for this member; repack with it
		// held on, accepting that loose objects won't be cleaned.
		res, err := s.Git.Repack(ctx, memberPath, timeout, "-a", "-d", "-l")
		if err != nil {
			return fmt.Errorf("objstore: repack member %s: %w", memberPath, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("objstore: repack member %s failed: %s", memberPath, res.Stderr)
		}
		return nil
	}

	marker := repackInflightMarker(memberPath)
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		return fmt.Errorf("objstore: write repack sentinel: %w", err)
	}

	if err := s.Git.ConfigSet(ctx, memberPath, "extensions.preciousObjects", "false"); err != nil {
		return fmt.Errorf("objstore: disable preciousObjects for repack: %w", err)
	}

	res, repackErr := s.Git.Repack(ctx, memberPath, timeout, "-a", "-d", "-l", "-q")
	if repackErr == nil && res.ExitCode != 0 {
		repackErr = fmt.Errorf("exit %d: %s", res.ExitCode, res.Stderr)
	}

	if precious != PreciousNever {
		if err := s.Git.ConfigSet(ctx, memberPath, "extensions.preciousObjects", "true"); err != nil {
			return fmt.Errorf("objstore: restore preciousObjects after repack: %w", err)
		}
	}

	if err := os.Remove(marker); err != nil {
		return fmt.Errorf("objstore: remove repack sentinel: %w", err)
	}

	if repackErr != nil {
		return fmt.Errorf("objstore: repack member %s: %w", memberPath, repackErr)
	}
	return nil
}
