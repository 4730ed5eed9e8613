// Package genmanifest implements the origin-side manifest generator
// (spec §4.7): walking a toplevel directory for git repositories and
// emitting a manifest describing them. Grounded on cleanup.go's
// directory-walk-plus-bare-repo-check idiom, generalized from a single
// non-recursive pass over one fixed root to a recursive walk that stops
// descending as soon as it finds a repository marker, since grokmirror's
// toplevel can nest repos arbitrarily deep.
package genmanifest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/grokmirror/grokmirror-go/internal/gitexec"
)

// repoMarkers are the files/directories that mark a directory as a git
// repository (bare or not); finding one stops the walk from descending
// further into it.
var repoMarkers = []string{"HEAD", "objects"}

// FindRepos walks toplevel and returns the absolute paths of every git
// repository found, without descending into a repository once found.
func FindRepos(toplevel string) ([]string, error) {
	var repos []string
	err := filepath.WalkDir(toplevel, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path == toplevel {
			return nil
		}
		if looksLikeRepo(path) {
			repos = append(repos, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repos, nil
}

func looksLikeRepo(path string) bool {
	for _, marker := range repoMarkers {
		if _, err := os.Stat(filepath.Join(path, marker)); err != nil {
			return false
		}
	}
	return true
}

// IsExportOK reports whether repoPath carries the git-daemon-export-ok
// marker file git-daemon (and grokmirror's check-export-ok option)
// honors.
func IsExportOK(repoPath string) bool {
	_, err := os.Stat(filepath.Join(repoPath, "git-daemon-export-ok"))
	return err == nil
}

// IsBareRepo shells out to rev-parse the way cleanup.go's isBareRepo
// does, since a directory with HEAD/objects markers could in principle
// be a corrupt or non-git directory.
func IsBareRepo(ctx context.Context, git *gitexec.Invoker, repoPath string) (bool, error) {
	res, err := git.Run(ctx, repoPath, 0, nil, "rev-parse", "--is-inside-git-dir")
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 || res.Stdout != "true" {
		return false, nil
	}
	res, err = git.Run(ctx, repoPath, 0, nil, "rev-parse", "--is-bare-repository")
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0 && res.Stdout == "true", nil
}
