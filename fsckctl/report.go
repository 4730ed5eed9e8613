package fsckctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RepoOutcome records what happened to a single repository during a
// controller pass.
type RepoOutcome struct {
	RepoPath    string `json:"repo_path"`
	Quick       bool   `json:"quick_repack"`
	Full        bool   `json:"full_repack"`
	Fscked      bool   `json:"fscked"`
	Warning     string `json:"warning,omitempty"`
	Error       string `json:"error,omitempty"`
	Reclone     bool   `json:"reclone,omitempty"`
	ElapsedSecs float64 `json:"elapsed_seconds"`
}

// Report accumulates outcomes across a pass. Safe for concurrent use,
// since objstore fetches may run with pull_threads > 1 (spec §5).
type Report struct {
	mu       sync.Mutex
	Started  time.Time      `json:"started"`
	Outcomes []RepoOutcome  `json:"outcomes"`
}

// NewReport starts a report with the given start time.
func NewReport(started time.Time) *Report {
	return &Report{Started: started}
}

// Add records one repo's outcome.
func (r *Report) Add(o RepoOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes = append(r.Outcomes, o)
}

// Summary returns the human-readable pass summary line from spec §7:
// "N repos updated, M failed, K skipped".
func (r *Report) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var updated, failed, skipped int
	for _, o := range r.Outcomes {
		switch {
		case o.Error != "":
			failed++
		case o.Quick || o.Full || o.Fscked:
			updated++
		default:
			skipped++
		}
	}
	return fmt.Sprintf("%d repos updated, %d failed, %d skipped", updated, failed, skipped)
}

// HasFindings reports whether anything worth reporting (a warning,
// error, or repack) happened this pass.
func (r *Report) HasFindings() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.Outcomes {
		if o.Warning != "" || o.Error != "" || o.Quick || o.Full {
			return true
		}
	}
	return false
}

// Emit logs the pass summary and, if non-empty and webhookURL is set,
// POSTs the full report as JSON -- the mail-transport replacement spec
// §4.5 calls for, reusing the same HTTP client shape the pull engine
// already needs for manifest fetches rather than inventing a second
// transport.
func (r *Report) Emit(ctx context.Context, log *slog.Logger, webhookURL string, client *http.Client) {
	summary := r.Summary()
	if r.HasFindings() {
		log.Warn("fsck/repack pass completed with findings", "summary", summary)
	} else {
		log.Info("fsck/repack pass completed", "summary", summary)
	}

	if webhookURL == "" || !r.HasFindings() {
		return
	}

	body, err := json.Marshal(r)
	if err != nil {
		log.Error("fsckctl: marshal report for webhook", "error", err)
		return
	}

	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Error("fsckctl: build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Error("fsckctl: post report to webhook", "error", err, "url", webhookURL)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Error("fsckctl: webhook rejected report", "status", resp.StatusCode, "url", webhookURL)
	}
}
