package objstore_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/grokmirror/grokmirror-go/internal/gitexec"
	"github.com/grokmirror/grokmirror-go/objstore"
)

func newInvoker(t *testing.T) *gitexec.Invoker {
	t.Helper()
	iv, err := gitexec.New(nil)
	if err != nil {
		t.Skipf("git not available: %v", err)
	}
	return iv
}

// makeRepoWithCommit creates a small non-bare repo at dir with one
// commit, so its root commit is deterministic per-content. Two repos
// built from identical content+message+author+date share a root commit,
// letting tests construct fork families without real network clones.
func makeRepoWithCommit(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com",
			"GIT_AUTHOR_DATE=2020-01-01T00:00:00Z", "GIT_COMMITTER_DATE=2020-01-01T00:00:00Z")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	run("init", "-q")
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "f")
	run("commit", "-q", "-m", "root commit")
}

// toBareMirror converts a working-tree repo into a bare mirror clone, the
// shape objstore operates on.
func toBareMirror(t *testing.T, src, dst string) {
	t.Helper()
	cmd := exec.Command("git", "clone", "--bare", "--mirror", src, dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("clone --mirror: %v: %s", err, out)
	}
}

func TestDetectFamiliesFindsSharedRootCommit(t *testing.T) {
	iv := newInvoker(t)
	base := t.TempDir()

	srcDir := filepath.Join(base, "src")
	makeRepoWithCommit(t, srcDir)

	pBare := filepath.Join(base, "p.git")
	qBare := filepath.Join(base, "q.git")
	toBareMirror(t, srcDir, pBare)
	toBareMirror(t, srcDir, qBare)

	store := objstore.New(base, iv, nil)
	families, err := store.DetectFamilies(context.Background(), []string{pBare, qBare})
	if err != nil {
		t.Fatalf("detect families: %v", err)
	}
	if len(families) != 1 {
		t.Fatalf("expected exactly one fork family, got %d", len(families))
	}
	if len(families[0].Members) != 2 {
		t.Fatalf("expected 2 members in family, got %d", len(families[0].Members))
	}
}

func TestDetectFamiliesIgnoresSingletons(t *testing.T) {
	iv := newInvoker(t)
	base := t.TempDir()

	srcA := filepath.Join(base, "src-a")
	srcB := filepath.Join(base, "src-b")
	makeRepoWithCommit(t, srcA)
	makeRepoWithCommit(t, srcB)
	// Different commit content via different author date to force a
	// distinct root commit hash.
	cmd := exec.Command("git", "commit", "--amend", "--no-edit", "-q", "--date=2021-01-01T00:00:00Z")
	cmd.Dir = srcB
	cmd.Env = append(os.Environ(), "GIT_COMMITTER_DATE=2021-01-01T00:00:00Z",
		"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
		"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("amend: %v: %s", err, out)
	}

	aBare := filepath.Join(base, "a.git")
	bBare := filepath.Join(base, "b.git")
	toBareMirror(t, srcA, aBare)
	toBareMirror(t, srcB, bBare)

	store := objstore.New(base, iv, nil)
	families, err := store.DetectFamilies(context.Background(), []string{aBare, bBare})
	if err != nil {
		t.Fatalf("detect families: %v", err)
	}
	if len(families) != 0 {
		t.Fatalf("expected no fork families for unrelated repos, got %d", len(families))
	}
}

func TestEnsureFamilyWiresAlternatesAndRemotes(t *testing.T) {
	iv := newInvoker(t)
	base := t.TempDir()

	srcDir := filepath.Join(base, "src")
	makeRepoWithCommit(t, srcDir)

	pBare := filepath.Join(base, "p.git")
	qBare := filepath.Join(base, "q.git")
	toBareMirror(t, srcDir, pBare)
	toBareMirror(t, srcDir, qBare)

	store := objstore.New(base, iv, nil)
	family := objstore.Family{Key: "shared", Members: []string{pBare, qBare}}

	guid, err := store.EnsureFamily(context.Background(), family, objstore.PreciousDuringIdle)
	if err != nil {
		t.Fatalf("ensure family: %v", err)
	}
	if guid == "" {
		t.Fatalf("expected non-empty guid")
	}

	for _, member := range family.Members {
		alt, err := os.ReadFile(filepath.Join(member, "objects", "info", "alternates"))
		if err != nil {
			t.Fatalf("read alternates for %s: %v", member, err)
		}
		expected := filepath.Join(store.PathFor(guid), "objects")
		if got := string(alt); got != expected+"\n" {
			t.Fatalf("alternates mismatch for %s: got %q want %q", member, got, expected)
		}
	}

	hasRemotes, err := store.ObjstoreHasRemotes(context.Background(), guid)
	if err != nil {
		t.Fatalf("check remotes: %v", err)
	}
	if !hasRemotes {
		t.Fatalf("expected objstore to have member remotes after wiring")
	}
}

func TestSafeToDeleteDetectsReferencingRepo(t *testing.T) {
	iv := newInvoker(t)
	base := t.TempDir()

	srcDir := filepath.Join(base, "src")
	makeRepoWithCommit(t, srcDir)

	pBare := filepath.Join(base, "p.git")
	qBare := filepath.Join(base, "q.git")
	toBareMirror(t, srcDir, pBare)
	toBareMirror(t, srcDir, qBare)

	store := objstore.New(base, iv, nil)
	family := objstore.Family{Key: "shared", Members: []string{pBare, qBare}}
	guid, err := store.EnsureFamily(context.Background(), family, objstore.PreciousDuringIdle)
	if err != nil {
		t.Fatalf("ensure family: %v", err)
	}

	objstorePath := store.PathFor(guid)
	safe, err := store.SafeToDelete(objstorePath, []string{pBare, qBare, objstorePath})
	if err != nil {
		t.Fatalf("safe to delete: %v", err)
	}
	if safe {
		t.Fatalf("objstore repo referenced by members should not be reported safe to delete")
	}
}
