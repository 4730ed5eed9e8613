package fsckctl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const recloneMarkerName = "grokmirror.reclone"

// MatchesRecloneTrigger reports whether stderr contains any of the
// configured substrings that indicate object corruption the pull engine
// should resolve by deleting and recloning the repo, rather than one the
// fsck/repack controller can repair in place.
func MatchesRecloneTrigger(stderr string, triggers []string) (string, bool) {
	for _, t := range triggers {
		if strings.Contains(stderr, t) {
			return t, true
		}
	}
	return "", false
}

// MarkForReclone writes the reclone sentinel into repoPath with a short
// error summary, so the pull engine's next pass deletes and reclones it.
func MarkForReclone(repoPath, summary string) error {
	marker := filepath.Join(repoPath, recloneMarkerName)
	body := fmt.Sprintf("%s\n%s\n", time.Now().UTC().Format(time.RFC3339), summary)
	if err := os.WriteFile(marker, []byte(body), 0644); err != nil {
		return fmt.Errorf("fsckctl: write reclone marker for %s: %w", repoPath, err)
	}
	return nil
}

// IsMarkedForReclone reports whether repoPath carries the reclone
// sentinel from a prior fsck/repack pass.
func IsMarkedForReclone(repoPath string) bool {
	_, err := os.Stat(filepath.Join(repoPath, recloneMarkerName))
	return err == nil
}

// ClearRecloneMark removes the sentinel, called by the pull engine once
// it has deleted and recloned the repository.
func ClearRecloneMark(repoPath string) error {
	err := os.Remove(filepath.Join(repoPath, recloneMarkerName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsckctl: clear reclone marker for %s: %w", repoPath, err)
	}
	return nil
}
