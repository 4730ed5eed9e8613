package pullengine

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/grokmirror/grokmirror-go/internal/config"
)

func TestEnvForSSHReturnsGitSSHCommand(t *testing.T) {
	a := &Authenticator{Log: discardLogger(), WorkDir: t.TempDir()}
	envs, err := a.EnvFor(context.Background(), "git@github.com:example/repo.git")
	if err != nil {
		t.Fatalf("EnvFor: %v", err)
	}
	if len(envs) != 1 || !strings.HasPrefix(envs[0], "GIT_SSH_COMMAND=") {
		t.Fatalf("expected a single GIT_SSH_COMMAND override, got %v", envs)
	}
}

func TestEnvForHTTPSWithPasswordWritesCredsLoader(t *testing.T) {
	dir := t.TempDir()
	a := &Authenticator{
		Auth:    config.Auth{Username: "svc", Password: "secret"},
		Log:     discardLogger(),
		WorkDir: dir,
	}
	envs, err := a.EnvFor(context.Background(), "https://example.com/repo.git")
	if err != nil {
		t.Fatalf("EnvFor: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("expected GIT_ASKPASS + REPO_USERNAME + REPO_PASSWORD, got %v", envs)
	}
	scriptPath := strings.TrimPrefix(envs[0], "GIT_ASKPASS=")
	if _, err := os.Stat(scriptPath); err != nil {
		t.Fatalf("expected creds loader script to exist: %v", err)
	}
}

func TestEnvForPlainHTTPSWithNoCredsReturnsNil(t *testing.T) {
	a := &Authenticator{Log: discardLogger(), WorkDir: t.TempDir()}
	envs, err := a.EnvFor(context.Background(), "https://example.com/repo.git")
	if err != nil {
		t.Fatalf("EnvFor: %v", err)
	}
	if envs != nil {
		t.Fatalf("expected nil envs for an anonymous https remote, got %v", envs)
	}
}

func TestEnvForLocalPathReturnsNil(t *testing.T) {
	a := &Authenticator{Log: discardLogger(), WorkDir: t.TempDir()}
	envs, err := a.EnvFor(context.Background(), "file:///srv/git/repo.git")
	if err != nil {
		t.Fatalf("EnvFor: %v", err)
	}
	if envs != nil {
		t.Fatalf("expected nil envs for a local path remote, got %v", envs)
	}
}
