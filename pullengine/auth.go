package pullengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/grokmirror/grokmirror-go/giturl"
	"github.com/grokmirror/grokmirror-go/internal/config"
	"github.com/grokmirror/grokmirror-go/internal/ghapp"
)

const loadCredsScript = `#!/bin/sh

case "$1" in
  Username*) echo "$REPO_USERNAME" ;;
  Password*) echo "$REPO_PASSWORD" ;;
esac
`

// Authenticator resolves environment overrides for git network operations
// against a single remote, the one chokepoint the pull engine's network
// operations go through (the objstore layer's fetches run between local
// repositories and do not use it). Grounded on
// repository/auth.go's authEnv dispatch, generalized from a *Repository
// receiver (one remote, fixed at construction) to a method taking the
// remote URL per call, since grokmirror's manifest entries come and go
// between passes rather than being statically configured.
type Authenticator struct {
	Auth    config.Auth
	GitHub  *ghapp.Provider // nil if no GitHub App config is set
	WorkDir string          // scratch directory for the askpass helper script
	Log     *slog.Logger
}

// EnvFor returns the environment variable overrides to pass to the git
// invoker for an operation against remoteURL, or nil if the remote needs
// no special auth handling (e.g. an anonymous local or http remote).
func (a *Authenticator) EnvFor(ctx context.Context, remoteURL string) ([]string, error) {
	u, err := giturl.Parse(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("pullengine: parse remote for auth: %w", err)
	}

	if giturl.IsSCPURL(remoteURL) || giturl.IsSSHURL(remoteURL) {
		return []string{a.gitSSHCommand()}, nil
	}

	if !giturl.IsHTTPSURL(remoteURL) {
		return nil, nil
	}

	var username, password string
	switch {
	case a.Auth.Username != "" && a.Auth.Password != "":
		username, password = a.Auth.Username, a.Auth.Password

	case a.Auth.Password != "":
		username, password = "-", a.Auth.Password

	case a.GitHub != nil && u.Host == "github.com":
		token, err := a.GitHub.TokenFor(ctx, strings.TrimSuffix(u.Repo, ".git"))
		if err != nil {
			a.Log.Error("pullengine: unable to get github app token", "error", err)
			return nil, nil
		}
		username, password = "-", token

	default:
		return nil, nil
	}

	scriptPath, err := a.ensureCredsLoader()
	if err != nil {
		return nil, fmt.Errorf("pullengine: write creds loader: %w", err)
	}

	return []string{
		"GIT_ASKPASS=" + scriptPath,
		"REPO_USERNAME=" + username,
		"REPO_PASSWORD=" + password,
	}, nil
}

func (a *Authenticator) ensureCredsLoader() (string, error) {
	path := filepath.Join(a.WorkDir, "grokmirror-creds-loader.sh")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat creds loader: %w", err)
	}
	if err := os.WriteFile(path, []byte(loadCredsScript), 0750); err != nil {
		return "", err
	}
	return path, nil
}

func (a *Authenticator) gitSSHCommand() string {
	keyPath := a.Auth.SSHKeyPath
	if keyPath == "" {
		keyPath = "/dev/null"
	}
	knownHosts := "-o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no"
	if a.Auth.SSHKeyPath != "" && a.Auth.SSHKnownHostsPath != "" {
		knownHosts = "-o UserKnownHostsFile=" + a.Auth.SSHKnownHostsPath
	}
	return fmt.Sprintf("GIT_SSH_COMMAND=ssh -q -F none -o IdentitiesOnly=yes -o IdentityFile=%s %s", keyPath, knownHosts)
}
