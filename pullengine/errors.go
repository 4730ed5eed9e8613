package pullengine

import "errors"

// Sentinel errors for the pull engine's outer loop (spec §7). Per-repo
// worker failures are counted in PassSummary.Failed rather than
// propagated as Go errors; these are for pass-level and process-level
// conditions.
var (
	// ErrManifestFetchFailed is transient: retry on the next refresh.
	ErrManifestFetchFailed = errors.New("pullengine: manifest fetch failed")
	// ErrManifestParseFailed is fatal for this pass; local state is left
	// untouched.
	ErrManifestParseFailed = errors.New("pullengine: manifest parse failed")
	// ErrDiskFull aborts the pass; any in-flight repo lock is released by
	// the OS at process exit.
	ErrDiskFull = errors.New("pullengine: disk full")
	// ErrIO aborts the pass on an unrecoverable filesystem error.
	ErrIO = errors.New("pullengine: i/o error")
)
