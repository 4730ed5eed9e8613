package manifest

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
)

// gzipMagic is the two-byte prefix that identifies gzip-compressed
// content, used to auto-detect compression on read regardless of
// filename (spec §4.3: "detect by magic bytes").
var gzipMagic = []byte{0x1f, 0x8b}

// ErrNotAnObject is returned by Parse when the top-level JSON value is
// not an object (e.g. an array or scalar).
var ErrNotAnObject = errors.New("manifest: top level is not a JSON object")

// ErrPurgeRefused is returned by Write when an incremental update would
// remove more than the configured purge quorum allows and ForcePurge was
// not set.
var ErrPurgeRefused = errors.New("manifest: purge refused by quorum check")

// wireEntry is the on-the-wire shape of Entry: identical to Entry except
// Symlinks is rendered as a sorted JSON array instead of the in-memory
// set, per the Open Question decision in DESIGN.md.
type wireEntry struct {
	Description string   `json:"description,omitempty"`
	Head        string   `json:"head,omitempty"`
	Modified    int64    `json:"modified"`
	Fingerprint *string  `json:"fingerprint"`
	Reference   *string  `json:"reference,omitempty"`
	ForkGroup   *string  `json:"forkgroup,omitempty"`
	Symlinks    []string `json:"symlinks,omitempty"`
	Owner       *string  `json:"owner,omitempty"`
	HookVersion *int     `json:"hookversion,omitempty"`
}

func toWire(e *Entry) wireEntry {
	return wireEntry{
		Description: e.Description,
		Head:        e.Head,
		Modified:    e.Modified,
		Fingerprint: e.Fingerprint,
		Reference:   e.Reference,
		ForkGroup:   e.ForkGroup,
		Symlinks:    e.SortedSymlinks(),
		Owner:       e.Owner,
		HookVersion: e.HookVersion,
	}
}

func fromWire(w wireEntry) *Entry {
	e := &Entry{
		Description: w.Description,
		Head:        w.Head,
		Modified:    w.Modified,
		Fingerprint: w.Fingerprint,
		Reference:   w.Reference,
		ForkGroup:   w.ForkGroup,
		Owner:       w.Owner,
		HookVersion: w.HookVersion,
	}
	for _, s := range w.Symlinks {
		e.AddSymlink(s)
	}
	return e
}

// wireManifest is the top-level document shape: every repo path maps to
// its entry, plus a reserved "/manifest/" key carrying producer Meta.
type wireManifest map[string]json.RawMessage

const metaKey = "/manifest/"

// Parse decodes a manifest from raw bytes, transparently handling gzip
// compression detected by magic bytes.
func Parse(data []byte) (*Manifest, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("manifest: gzip: %w", err)
		}
		defer zr.Close()
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("manifest: gzip: %w", err)
		}
		data = decompressed
	}

	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAnObject, err)
	}

	m := New(1)
	for key, val := range raw {
		if key == metaKey {
			var meta Meta
			if err := json.Unmarshal(val, &meta); err != nil {
				return nil, fmt.Errorf("manifest: invalid meta entry: %w", err)
			}
			m.Meta = meta
			continue
		}
		var w wireEntry
		if err := json.Unmarshal(val, &w); err != nil {
			return nil, fmt.Errorf("manifest: invalid entry %q: %w", key, err)
		}
		m.Entries[key] = fromWire(w)
	}
	return m, nil
}

// EmitOptions controls serialization shape.
type EmitOptions struct {
	// Pretty sorts keys and indents. Non-pretty emits the compact form
	// used on the hot path (every replica write).
	Pretty bool
	// Gzip compresses the output.
	Gzip bool
}

// Emit serializes the manifest to bytes per opts. Because Go's
// encoding/json already sorts map keys on marshal, Pretty and non-Pretty
// differ only in indentation -- both are key-sorted, which keeps the
// round-trip property (Parse(Emit(M)) == M) simple to reason about.
func Emit(m *Manifest, opts EmitOptions) ([]byte, error) {
	out := make(map[string]any, len(m.Entries)+1)
	out[metaKey] = m.Meta
	for path, e := range m.Entries {
		out[path] = toWire(e)
	}

	var raw []byte
	var err error
	if opts.Pretty {
		raw, err = json.MarshalIndent(out, "", "  ")
	} else {
		raw, err = json.Marshal(out)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: emit: %w", err)
	}

	if !opts.Gzip {
		return raw, nil
	}

	var buf bytes.Buffer
	zw, _ := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("manifest: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("manifest: gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteOptions controls the atomic-write/quorum behavior of Write.
type WriteOptions struct {
	EmitOptions
	// PurgeQuorum is the largest fraction of the previous entries this
	// write may remove; removing a larger fraction without ForcePurge
	// refuses the write. Zero disables the check.
	PurgeQuorum float64
	// PurgeThreshold is the absolute entry-count delta below which the
	// quorum check does not apply (small deltas are always allowed).
	PurgeThreshold int
	ForcePurge     bool
}

// Write serializes m and atomically replaces the file at path: it writes
// to a hidden ".<base>.<random>" file in the same directory, fsyncs, then renames over
// path, so concurrent readers always observe either the old or the new
// manifest in full (spec §4.3 atomicity invariant).
//
// If the file at path already exists and can be parsed, Write applies
// the purge-quorum safety check described in spec §4.3 before replacing
// it.
func Write(path string, m *Manifest, opts WriteOptions) error {
	if opts.PurgeQuorum > 0 {
		if prev, err := readExisting(path); err == nil && prev != nil {
			if err := checkPurgeQuorum(prev, m, opts); err != nil {
				return err
			}
		}
	}

	data, err := Emit(m, opts.EmitOptions)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%d", filepath.Base(path), rand.Int63()))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("manifest: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("manifest: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("manifest: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("manifest: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("manifest: rename into place: %w", err)
	}
	return nil
}

func readExisting(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// checkPurgeQuorum implements spec §4.3's write quorum: refuse to shrink
// the manifest by more than PurgeQuorum fraction in one write, unless the
// absolute delta is small (<= PurgeThreshold) or the caller forces it.
func checkPurgeQuorum(prev, next *Manifest, opts WriteOptions) error {
	removed := 0
	for path := range prev.Entries {
		if _, ok := next.Entries[path]; !ok {
			removed++
		}
	}
	return CheckPurgeQuorum(len(prev.Entries), removed, opts)
}

// CheckPurgeQuorum reports whether removing `removed` entries out of
// prevCount would stay within opts.PurgeQuorum/PurgeThreshold, without
// touching any file. Write uses it to gate a replace-in-place; callers
// that physically delete repositories (e.g. pullengine's purge pass)
// must call this themselves *before* deleting anything, since Write's
// own check runs too late to undo a deletion that already happened.
//
// Removing exactly the quorum fraction is allowed -- spec §8 treats the
// quorum as the maximum tolerated removal, not an exclusive upper bound.
func CheckPurgeQuorum(prevCount, removed int, opts WriteOptions) error {
	if prevCount == 0 || removed == 0 {
		return nil
	}

	fraction := float64(removed) / float64(prevCount)
	if fraction <= opts.PurgeQuorum {
		return nil
	}
	if opts.PurgeThreshold > 0 && removed <= opts.PurgeThreshold {
		return nil
	}
	if opts.ForcePurge {
		return nil
	}
	return fmt.Errorf("%w: removing %d/%d entries (%.1f%%) exceeds purge_quorum",
		ErrPurgeRefused, removed, prevCount, fraction*100)
}
