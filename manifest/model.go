// Package manifest implements the grokmirror manifest data model and its
// on-disk codec (spec §3, §4.3): the distributed authority describing
// every repository an origin serves, and the replica's local mirror of
// that state.
package manifest

import "sort"

// unnamedDescription is the grokmirror convention for "nobody has set a
// description for this repo yet" -- treated as empty everywhere a caller
// asks whether a repo has a real description.
const unnamedDescription = "Unnamed repository; edit this file 'description' to name it"

// Entry is a single repository's record in the manifest, keyed by its
// toplevel-relative path (always starting with "/").
type Entry struct {
	Description string          `json:"description,omitempty"`
	Head        string          `json:"head,omitempty"`
	Modified    int64           `json:"modified"`
	Fingerprint *string         `json:"fingerprint"`
	Reference   *string         `json:"reference,omitempty"`
	ForkGroup   *string         `json:"forkgroup,omitempty"`
	Symlinks    map[string]bool `json:"-"`
	Owner       *string         `json:"owner,omitempty"`
	HookVersion *int            `json:"hookversion,omitempty"`
}

// HasDescription reports whether the entry carries a real, operator-set
// description rather than the default placeholder grokmirror writes for
// new repositories.
func (e *Entry) HasDescription() bool {
	return e.Description != "" && e.Description != unnamedDescription
}

// SortedSymlinks returns the entry's symlink set as a lexicographically
// sorted slice. Spec §9 Open Question: symlink ordering carries no
// semantic meaning (the set is what matters); sorting here only makes
// serialization deterministic for the round-trip property in §8.
func (e *Entry) SortedSymlinks() []string {
	if len(e.Symlinks) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.Symlinks))
	for s := range e.Symlinks {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// AddSymlink registers path as an alias of this entry.
func (e *Entry) AddSymlink(path string) {
	if e.Symlinks == nil {
		e.Symlinks = make(map[string]bool)
	}
	e.Symlinks[path] = true
}

// Meta is the top-level "/manifest/" pseudo-entry carrying producer
// metadata rather than a real repository.
type Meta struct {
	Version int `json:"version"`
}

// Manifest is an unordered mapping from repository path to Entry, plus
// the producer's Meta record. Duplicate keys are structurally impossible
// since Entries is a Go map.
type Manifest struct {
	Meta    Meta
	Entries map[string]*Entry
}

// New returns an empty manifest with the given producer version.
func New(version int) *Manifest {
	return &Manifest{
		Meta:    Meta{Version: version},
		Entries: make(map[string]*Entry),
	}
}

// Paths returns all repository paths in the manifest, sorted.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Entries))
	for p := range m.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
