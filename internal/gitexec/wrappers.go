package gitexec

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RevParse runs `git rev-parse <args>` and returns trimmed stdout.
func (iv *Invoker) RevParse(ctx context.Context, repoPath string, args ...string) (string, error) {
	res, err := iv.RunChecked(ctx, repoPath, 30*time.Second, nil, append([]string{"rev-parse"}, args...)...)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// ShowRef returns the raw `git show-ref` output (one "<sha1> <refname>"
// line per ref), or empty string if the repository has no refs (show-ref
// exits 1 with no stderr in that case, which is not an error here).
func (iv *Invoker) ShowRef(ctx context.Context, repoPath string) (string, error) {
	res, err := iv.Run(ctx, repoPath, 30*time.Second, nil, "show-ref")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 && res.Stderr != "" {
		return "", fmt.Errorf("gitexec: show-ref: exit %d: %s", res.ExitCode, res.Stderr)
	}
	return res.Stdout, nil
}

// ConfigGet returns the value of a git config key, or "" if unset.
func (iv *Invoker) ConfigGet(ctx context.Context, repoPath, key string) (string, error) {
	res, err := iv.Run(ctx, repoPath, 10*time.Second, nil, "config", "--get", key)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", nil
	}
	return res.Stdout, nil
}

// ConfigSet sets a git config key to value.
func (iv *Invoker) ConfigSet(ctx context.Context, repoPath, key, value string) error {
	_, err := iv.RunChecked(ctx, repoPath, 10*time.Second, nil, "config", key, value)
	return err
}

// Fetch runs `git fetch <remote> <refspecs...>` with the given env
// overrides (typically auth-related) and timeout.
func (iv *Invoker) Fetch(ctx context.Context, repoPath string, timeout time.Duration, envOverrides []string, remote string, refspecs ...string) (Result, error) {
	args := append([]string{"fetch", "--prune", "--prune-tags", "--no-progress", "--porcelain", "--no-auto-gc", remote}, refspecs...)
	return iv.Run(ctx, repoPath, timeout, envOverrides, args...)
}

// Clone runs `git clone --mirror --bare <url> <dest>`.
func (iv *Invoker) Clone(ctx context.Context, timeout time.Duration, envOverrides []string, url, dest string, extraArgs ...string) (Result, error) {
	args := append([]string{"clone", "--mirror", "--bare"}, extraArgs...)
	args = append(args, url, dest)
	return iv.Run(ctx, "", timeout, envOverrides, args...)
}

// PackRefs runs `git pack-refs --all`.
func (iv *Invoker) PackRefs(ctx context.Context, repoPath string) error {
	_, err := iv.RunChecked(ctx, repoPath, time.Minute, nil, "pack-refs", "--all")
	return err
}

// Repack runs `git repack` with the given flags, under a long timeout
// appropriate for full repacks of very large repositories.
func (iv *Invoker) Repack(ctx context.Context, repoPath string, timeout time.Duration, flags ...string) (Result, error) {
	return iv.Run(ctx, repoPath, timeout, nil, append([]string{"repack"}, flags...)...)
}

// PruneExpire runs `git prune --expire=<expire>`.
func (iv *Invoker) PruneExpire(ctx context.Context, repoPath, expire string) (Result, error) {
	return iv.Run(ctx, repoPath, 10*time.Minute, nil, "prune", "--expire="+expire)
}

// Fsck runs `git fsck` with the given flags.
func (iv *Invoker) Fsck(ctx context.Context, repoPath string, timeout time.Duration, flags ...string) (Result, error) {
	return iv.Run(ctx, repoPath, timeout, nil, append([]string{"fsck"}, flags...)...)
}

// CommitGraphWrite runs `git commit-graph write --reachable`.
func (iv *Invoker) CommitGraphWrite(ctx context.Context, repoPath string) error {
	_, err := iv.RunChecked(ctx, repoPath, 10*time.Minute, nil, "commit-graph", "write", "--reachable")
	return err
}

// RevListRoots returns the root commits (`--max-parents=0 --all`) of a
// repository, one hash per returned element. Objstore fork detection
// (§4.4) is keyed off this.
func (iv *Invoker) RevListRoots(ctx context.Context, repoPath string) ([]string, error) {
	res, err := iv.Run(ctx, repoPath, time.Minute, nil, "rev-list", "--max-parents=0", "--all")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("gitexec: rev-list --max-parents=0: exit %d: %s", res.ExitCode, res.Stderr)
	}
	if res.Stdout == "" {
		return nil, nil
	}
	return strings.Split(res.Stdout, "\n"), nil
}

// InitBare runs `git init --bare -q` at dest.
func (iv *Invoker) InitBare(ctx context.Context, dest string) error {
	_, err := iv.RunChecked(ctx, "", time.Minute, nil, "init", "-q", "--bare", dest)
	return err
}

// RemoteAdd runs `git remote add name url` in repoPath. Refspecs and
// other remote settings are left to the caller.
func (iv *Invoker) RemoteAdd(ctx context.Context, repoPath, name, url string) error {
	_, err := iv.RunChecked(ctx, repoPath, 10*time.Second, nil, "remote", "add", name, url)
	return err
}
