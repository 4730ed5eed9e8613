package giturl_test

import (
	"testing"

	"github.com/grokmirror/grokmirror-go/giturl"
)

func TestParseVariants(t *testing.T) {
	cases := []struct {
		name string
		url  string
		path string
	}{
		{"scp", "git@github.com:org/repo.git", "org"},
		{"ssh", "ssh://git@github.com/org/repo.git", "org"},
		{"https", "https://github.com/org/repo.git", "org"},
		{"local", "file:///srv/git/org/repo.git", "srv/git/org"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			u, err := giturl.Parse(c.url)
			if err != nil {
				t.Fatalf("parse %q: %v", c.url, err)
			}
			if u.Repo != "repo.git" {
				t.Fatalf("expected repo 'repo.git', got %q", u.Repo)
			}
			if u.Path != c.path {
				t.Fatalf("expected path %q, got %q", c.path, u.Path)
			}
		})
	}
}

func TestEqualsAcrossSchemes(t *testing.T) {
	a, err := giturl.Parse("git@github.com:org/repo.git")
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	b, err := giturl.Parse("ssh://git@github.com/org/repo")
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}
	if !a.Equals(b) {
		t.Fatalf("expected scp and ssh forms of the same repo to be equal")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	if _, err := giturl.Parse("not a url at all"); err == nil {
		t.Fatalf("expected error for invalid url")
	}
}
