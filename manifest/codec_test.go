package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/grokmirror/grokmirror-go/manifest"
)

func strPtr(s string) *string { return &s }

func sampleManifest() *manifest.Manifest {
	m := manifest.New(1)
	e := &manifest.Entry{
		Description: "example repo",
		Head:        "ref: refs/heads/main",
		Modified:    100,
		Fingerprint: strPtr("abc123"),
	}
	e.AddSymlink("/aliases/a.git")
	e.AddSymlink("/aliases/b.git")
	m.Entries["/a.git"] = e
	m.Entries["/b.git"] = &manifest.Entry{Modified: 50}
	return m
}

func TestRoundTrip(t *testing.T) {
	m := sampleManifest()

	data, err := manifest.Emit(m, manifest.EmitOptions{})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	got, err := manifest.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if diff := cmp.Diff(m.Entries["/a.git"].SortedSymlinks(), got.Entries["/a.git"].SortedSymlinks()); diff != "" {
		t.Fatalf("symlinks mismatch (-want +got):\n%s", diff)
	}
	if got.Entries["/a.git"].Head != "ref: refs/heads/main" {
		t.Fatalf("head mismatch: %q", got.Entries["/a.git"].Head)
	}
	if *got.Entries["/a.git"].Fingerprint != "abc123" {
		t.Fatalf("fingerprint mismatch: %v", got.Entries["/a.git"].Fingerprint)
	}
	if len(got.Entries) != len(m.Entries) {
		t.Fatalf("entry count mismatch: want %d got %d", len(m.Entries), len(got.Entries))
	}
}

func TestRoundTripGzip(t *testing.T) {
	m := sampleManifest()

	data, err := manifest.Emit(m, manifest.EmitOptions{Gzip: true})
	if err != nil {
		t.Fatalf("emit gzip: %v", err)
	}

	got, err := manifest.Parse(data)
	if err != nil {
		t.Fatalf("parse gzip: %v", err)
	}
	if len(got.Entries) != len(m.Entries) {
		t.Fatalf("entry count mismatch after gzip round trip")
	}
}

func TestParseRejectsNonObject(t *testing.T) {
	_, err := manifest.Parse([]byte(`["not", "an", "object"]`))
	if err == nil {
		t.Fatalf("expected error parsing non-object manifest")
	}
}

func TestEmptyManifestRoundTrip(t *testing.T) {
	m := manifest.New(1)
	data, err := manifest.Emit(m, manifest.EmitOptions{})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	got, err := manifest.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got.Entries) != 0 {
		t.Fatalf("expected empty manifest, got %d entries", len(got.Entries))
	}
}

func TestWriteIsAtomicAndReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.js")
	m := sampleManifest()

	if err := manifest.Write(path, m, manifest.WriteOptions{}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readBack(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got.Entries) != len(m.Entries) {
		t.Fatalf("entry count mismatch after write/read")
	}
}

func TestWriteRefusesPurgeBeyondQuorum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.js")

	prev := manifest.New(1)
	for i := 0; i < 100; i++ {
		prev.Entries[filepath.Join("/", "repo", itoa(i))+".git"] = &manifest.Entry{Modified: 1}
	}
	if err := manifest.Write(path, prev, manifest.WriteOptions{}); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	next := manifest.New(1)
	for i := 0; i < 80; i++ {
		next.Entries[filepath.Join("/", "repo", itoa(i))+".git"] = &manifest.Entry{Modified: 1}
	}

	err := manifest.Write(path, next, manifest.WriteOptions{PurgeQuorum: 0.05})
	if err == nil {
		t.Fatalf("expected purge refusal removing 20%% of entries with 5%% quorum")
	}

	// With ForcePurge it must succeed.
	if err := manifest.Write(path, next, manifest.WriteOptions{PurgeQuorum: 0.05, ForcePurge: true}); err != nil {
		t.Fatalf("forced purge should succeed: %v", err)
	}
}

func TestWriteAllowsSmallQuorumRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.js")

	prev := manifest.New(1)
	for i := 0; i < 100; i++ {
		prev.Entries[filepath.Join("/", "repo", itoa(i))+".git"] = &manifest.Entry{Modified: 1}
	}
	if err := manifest.Write(path, prev, manifest.WriteOptions{}); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	// Remove exactly the quorum fraction (5 of 100): allowed.
	next := manifest.New(1)
	for i := 0; i < 95; i++ {
		next.Entries[filepath.Join("/", "repo", itoa(i))+".git"] = &manifest.Entry{Modified: 1}
	}
	if err := manifest.Write(path, next, manifest.WriteOptions{PurgeQuorum: 0.05}); err != nil {
		t.Fatalf("removing exactly quorum fraction should be allowed: %v", err)
	}
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var buf []byte
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return string(buf)
}

func readBack(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}
