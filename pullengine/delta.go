// Package pullengine implements the replica-side pull loop (spec §4.6):
// fetching the remote manifest, computing what changed, and dispatching
// clone/fetch work to a worker pool, generalized from repopool/
// repo_pool.go's one-goroutine-per-statically-configured-repo model to a
// manifest-driven set that grows and shrinks between passes.
package pullengine

import (
	"sort"

	"github.com/grokmirror/grokmirror-go/manifest"
)

// ChangeKind classifies what a manifest delta entry needs.
type ChangeKind int

const (
	// New means the path exists remotely but not locally.
	New ChangeKind = iota
	// Updated means the fingerprint or modified time differs.
	Updated
	// Gone means the path is local but no longer remote.
	Gone
	// SymlinkOnly means only the alias set changed; no git work needed.
	SymlinkOnly
)

func (k ChangeKind) String() string {
	switch k {
	case New:
		return "new"
	case Updated:
		return "updated"
	case Gone:
		return "gone"
	case SymlinkOnly:
		return "symlink-only"
	default:
		return "unknown"
	}
}

// Change is one manifest path's delta between the local and remote
// manifests.
type Change struct {
	Path   string
	Kind   ChangeKind
	Remote *manifest.Entry // nil for Gone
	Local  *manifest.Entry // nil for New
}

// Delta computes the set of changes driving a pull pass, per spec §4.6
// step 3.
func Delta(local, remote *manifest.Manifest) []Change {
	var changes []Change

	for path, rEntry := range remote.Entries {
		lEntry, exists := local.Entries[path]
		switch {
		case !exists:
			changes = append(changes, Change{Path: path, Kind: New, Remote: rEntry})
		case fingerprintDiffers(lEntry, rEntry):
			changes = append(changes, Change{Path: path, Kind: Updated, Remote: rEntry, Local: lEntry})
		case symlinksDiffer(lEntry, rEntry):
			changes = append(changes, Change{Path: path, Kind: SymlinkOnly, Remote: rEntry, Local: lEntry})
		}
	}

	for path, lEntry := range local.Entries {
		if _, exists := remote.Entries[path]; !exists {
			changes = append(changes, Change{Path: path, Kind: Gone, Local: lEntry})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// fingerprintDiffers reports whether remote's fingerprint means this path
// needs a fetch. A nil remote fingerprint means the origin couldn't or
// didn't compute one (spec §8): that always forces a refresh regardless of
// Modified, rather than falling back to a timestamp comparison that could
// skip a real change. A nil local fingerprint (first time this path is
// seen with a computed remote one) still falls back to Modified, since
// there's nothing else to compare against.
func fingerprintDiffers(local, remote *manifest.Entry) bool {
	if remote.Fingerprint == nil {
		return true
	}
	if local.Fingerprint == nil {
		return remote.Modified != local.Modified
	}
	return *remote.Fingerprint != *local.Fingerprint
}

func symlinksDiffer(local, remote *manifest.Entry) bool {
	if len(local.Symlinks) != len(remote.Symlinks) {
		return true
	}
	for s := range remote.Symlinks {
		if !local.Symlinks[s] {
			return true
		}
	}
	return false
}

// Order returns changes reordered so that any change whose remote entry
// names a `reference` or `forkgroup` dependency on another change's path
// comes after that dependency, per spec §4.6 step 4. Changes with no
// dependency keep their relative order (stable topological sort).
func Order(changes []Change) []Change {
	byPath := make(map[string]Change, len(changes))
	for _, c := range changes {
		byPath[c.Path] = c
	}

	var ordered []Change
	visited := make(map[string]bool)
	var visit func(c Change)
	visit = func(c Change) {
		if visited[c.Path] {
			return
		}
		visited[c.Path] = true

		if c.Remote != nil {
			if dep := dependencyPath(c.Remote); dep != "" {
				if depChange, ok := byPath[dep]; ok {
					visit(depChange)
				}
			}
		}
		ordered = append(ordered, c)
	}

	for _, c := range changes {
		visit(c)
	}
	return ordered
}

func dependencyPath(e *manifest.Entry) string {
	if e.Reference != nil && *e.Reference != "" {
		return *e.Reference
	}
	if e.ForkGroup != nil && *e.ForkGroup != "" {
		return *e.ForkGroup
	}
	return ""
}
