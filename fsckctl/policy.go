package fsckctl

import (
	"math/rand"
	"time"
)

// Policy holds the tunables driving repack/fsck decisions, generalized
// from the teacher's config-driven gc mode (GCOff/GCAuto/GCAlways/
// GCAggressive in repository/config.go) into grokmirror's
// threshold-and-interval scheme.
type Policy struct {
	LooseObjThreshold  int
	PacksThreshold     int
	FullRepackInterval time.Duration
	FsckFrequency      time.Duration
	PruneExpire        string
	Commitgraph        bool
}

// RepackDecision is what a single repo needs this pass.
type RepackDecision struct {
	Quick bool
	Full  bool
}

// DecideRepack inspects observed object counts and last-repack timestamps
// to decide whether this repo needs a quick or full repack this pass.
func (p Policy) DecideRepack(st Status, observed Status, now time.Time) RepackDecision {
	var d RepackDecision

	if observed.LooseObjects >= p.LooseObjThreshold || observed.PackCount >= p.PacksThreshold {
		d.Quick = true
	}

	if st.LastFullRepack.IsZero() || now.Sub(st.LastFullRepack) >= p.FullRepackInterval {
		d.Full = true
	}

	return d
}

// NeedsFsck reports whether today's pass should run fsck for this repo,
// per the staggered nextcheck schedule.
func (p Policy) NeedsFsck(st Status, force bool, now time.Time) bool {
	if force {
		return true
	}
	if st.NextCheck.IsZero() {
		return true
	}
	return !now.Before(st.NextCheck)
}

// FirstSeenNextCheck picks an initial, staggered nextcheck for a repo the
// store has never seen, spreading the fsck load evenly across
// fsck_frequency rather than clustering every repo's first check on the
// same day.
func (p Policy) FirstSeenNextCheck(now time.Time, rnd *rand.Rand) time.Time {
	if p.FsckFrequency <= 0 {
		return now
	}
	jitter := time.Duration(rnd.Int63n(int64(p.FsckFrequency)))
	return now.Add(jitter)
}

// AdvanceNextCheck computes the next scheduled fsck after a successful
// run: now plus FsckFrequency. Only the first check is staggered (see
// FirstSeenNextCheck); rnd is not used here.
func (p Policy) AdvanceNextCheck(now time.Time, rnd *rand.Rand) time.Time {
	return now.Add(p.FsckFrequency)
}

// PruneArgs returns the git prune-expire argument for a repo, accounting
// for whether it's providing alternates to other repos (a "precious"
// donor gets a conservative or skipped prune) per spec §4.5.
func (p Policy) PruneArgs(providesAlternates bool, preciousAlways bool) (args []string, skip bool) {
	switch {
	case providesAlternates && preciousAlways:
		return nil, true
	case providesAlternates:
		return []string{"--expire=2.weeks.ago"}, false
	default:
		return []string{"--expire=" + p.PruneExpire}, false
	}
}
