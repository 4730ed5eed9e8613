package pullengine

import (
	"testing"

	"github.com/grokmirror/grokmirror-go/manifest"
)

func strPtr(s string) *string { return &s }

func TestDeltaDetectsNewUpdatedGoneAndSymlinkOnly(t *testing.T) {
	local := manifest.New(1)
	local.Entries["/a.git"] = &manifest.Entry{Fingerprint: strPtr("aaa"), Modified: 1}
	local.Entries["/b.git"] = &manifest.Entry{Fingerprint: strPtr("bbb"), Modified: 1}
	local.Entries["/c.git"] = &manifest.Entry{Fingerprint: strPtr("ccc"), Modified: 1, Symlinks: map[string]bool{}}

	remote := manifest.New(1)
	remote.Entries["/a.git"] = &manifest.Entry{Fingerprint: strPtr("aaa"), Modified: 1} // unchanged
	remote.Entries["/b.git"] = &manifest.Entry{Fingerprint: strPtr("b2b2"), Modified: 2} // updated
	remote.Entries["/c.git"] = &manifest.Entry{Fingerprint: strPtr("ccc"), Modified: 1, Symlinks: map[string]bool{"/alias.git": true}} // symlink-only
	remote.Entries["/d.git"] = &manifest.Entry{Fingerprint: strPtr("ddd"), Modified: 1} // new

	changes := Delta(local, remote)

	byPath := make(map[string]Change, len(changes))
	for _, c := range changes {
		byPath[c.Path] = c
	}

	if len(changes) != 3 {
		t.Fatalf("expected 3 changes (b updated, c symlink-only, d new), got %d: %+v", len(changes), changes)
	}
	if byPath["/b.git"].Kind != Updated {
		t.Errorf("expected /b.git Updated, got %v", byPath["/b.git"].Kind)
	}
	if byPath["/c.git"].Kind != SymlinkOnly {
		t.Errorf("expected /c.git SymlinkOnly, got %v", byPath["/c.git"].Kind)
	}
	if byPath["/d.git"].Kind != New {
		t.Errorf("expected /d.git New, got %v", byPath["/d.git"].Kind)
	}
	if _, ok := byPath["/a.git"]; ok {
		t.Errorf("did not expect /a.git to appear, it is unchanged")
	}
}

func TestDeltaForcesRefreshOnNilRemoteFingerprint(t *testing.T) {
	local := manifest.New(1)
	local.Entries["/a.git"] = &manifest.Entry{Fingerprint: strPtr("aaa"), Modified: 1}

	remote := manifest.New(1)
	remote.Entries["/a.git"] = &manifest.Entry{Fingerprint: nil, Modified: 1} // same Modified, no fingerprint

	changes := Delta(local, remote)
	if len(changes) != 1 || changes[0].Kind != Updated {
		t.Fatalf("expected a forced Updated change despite unchanged Modified, got %+v", changes)
	}
}

func TestDeltaDetectsGone(t *testing.T) {
	local := manifest.New(1)
	local.Entries["/gone.git"] = &manifest.Entry{Fingerprint: strPtr("x")}
	remote := manifest.New(1)

	changes := Delta(local, remote)
	if len(changes) != 1 || changes[0].Kind != Gone {
		t.Fatalf("expected a single Gone change, got %+v", changes)
	}
}

func TestOrderRespectsReferenceDependency(t *testing.T) {
	base := &manifest.Entry{}
	fork := &manifest.Entry{Reference: strPtr("/base.git")}

	changes := []Change{
		{Path: "/fork.git", Kind: New, Remote: fork},
		{Path: "/base.git", Kind: New, Remote: base},
	}

	ordered := Order(changes)
	if len(ordered) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(ordered))
	}
	if ordered[0].Path != "/base.git" {
		t.Fatalf("expected /base.git to be ordered before its dependent, got order %v, %v", ordered[0].Path, ordered[1].Path)
	}
}

func TestOrderHandlesMissingDependencyGracefully(t *testing.T) {
	fork := &manifest.Entry{Reference: strPtr("/missing.git")}
	changes := []Change{{Path: "/fork.git", Kind: New, Remote: fork}}

	ordered := Order(changes)
	if len(ordered) != 1 || ordered[0].Path != "/fork.git" {
		t.Fatalf("expected the lone change to survive unordered, got %+v", ordered)
	}
}
