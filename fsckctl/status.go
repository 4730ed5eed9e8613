// Package fsckctl implements the fsck/repack controller: one pass over
// every repository known to the local manifest, deciding whether it
// needs a quick repack, a full repack, or an fsck, persisting the
// decision inputs in a sidecar status store.
package fsckctl

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var statusBucket = []byte("repo-status")

// Status is the per-repo decision-input record, persisted as JSON under
// its repo path key. Grounded on disk_metadb.go's one-bucket-per-concern
// bbolt layout, collapsed to a single bucket since every field here
// belongs to one record per repo rather than block-cachew's split
// ttl/headers buckets.
type Status struct {
	LastCheck        time.Time `json:"lastcheck"`
	LastRepack       time.Time `json:"lastrepack"`
	LastFullRepack   time.Time `json:"lastfullrepack"`
	NextCheck        time.Time `json:"nextcheck"`
	SElapsed         float64   `json:"s_elapsed"`
	QuickRepackCount int       `json:"quick_repack_count"`
	LooseObjects     int       `json:"-"`
	PackCount        int       `json:"-"`
	PackBytes        int64     `json:"-"`
	HasBitmap        bool      `json:"-"`
}

// Store is a bbolt-backed sidecar recording fsck/repack decision inputs
// per repository path. Safe for concurrent use (bbolt serializes writers
// internally).
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if absent) the status database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("fsckctl: open status store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(statusBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fsckctl: create status bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the status for repoPath, or a zero-value Status with
// ok=false if none is recorded yet.
func (s *Store) Get(repoPath string) (Status, bool, error) {
	var st Status
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(statusBucket).Get([]byte(repoPath))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &st)
	})
	if err != nil {
		return Status{}, false, fmt.Errorf("fsckctl: get status for %s: %w", repoPath, err)
	}
	return st, found, nil
}

// Put writes st as the status for repoPath.
func (s *Store) Put(repoPath string, st Status) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("fsckctl: marshal status: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(statusBucket).Put([]byte(repoPath), raw)
	})
}

// Delete removes the status record for repoPath, e.g. after the repo is
// purged from the manifest.
func (s *Store) Delete(repoPath string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(statusBucket).Delete([]byte(repoPath))
	})
}

// Dump renders the equivalent flat JSON document operators and tooling
// expect from the original single-file sidecar shape, atomically.
func (s *Store) Dump(path string) error {
	flat := make(map[string]Status)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(statusBucket).ForEach(func(k, v []byte) error {
			var st Status
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			flat[string(k)] = st
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("fsckctl: dump status store: %w", err)
	}

	data, err := json.MarshalIndent(flat, "", "  ")
	if err != nil {
		return fmt.Errorf("fsckctl: marshal dump: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("fsckctl: write dump temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("fsckctl: rename dump into place: %w", err)
	}
	return nil
}

// Load replaces the store's contents with the flat JSON document at
// path, the inverse of Dump, for migrating from (or restoring) a
// flat-file sidecar.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("fsckctl: read dump file: %w", err)
	}
	var flat map[string]Status
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("fsckctl: parse dump file: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(statusBucket)
		for repoPath, st := range flat {
			raw, err := json.Marshal(st)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(repoPath), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Paths returns every repo path with a recorded status, sorted.
func (s *Store) Paths() ([]string, error) {
	var paths []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(statusBucket).ForEach(func(k, _ []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fsckctl: list status paths: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}
