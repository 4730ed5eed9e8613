package manifest

import (
	"crypto/sha1" //nolint:gosec // fingerprint is a change-detection hash, not a security boundary
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Fingerprint computes the spec §3/§4.1 fingerprint of a repository's
// refs from raw `git show-ref` output: SHA-1 over the
// "<sha1> <refname>\n" lines sorted by refname, after dropping any ref matching one of the
// ignore patterns. An empty ref set (after ignoring) has a nil
// fingerprint, matching the "null fingerprint" wire value.
func Fingerprint(showRefOutput string, ignorePatterns []*regexp.Regexp) *string {
	lines := splitRefLines(showRefOutput)

	kept := lines[:0:0]
	for _, line := range lines {
		if isIgnored(line, ignorePatterns) {
			continue
		}
		kept = append(kept, line)
	}

	if len(kept) == 0 {
		return nil
	}

	sort.SliceStable(kept, func(i, j int) bool {
		_, ri, _ := strings.Cut(kept[i], " ")
		_, rj, _ := strings.Cut(kept[j], " ")
		return ri < rj
	})

	h := sha1.New() //nolint:gosec
	for _, line := range kept {
		fmt.Fprintf(h, "%s\n", line)
	}
	sum := fmt.Sprintf("%x", h.Sum(nil))
	return &sum
}

func splitRefLines(output string) []string {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil
	}
	return strings.Split(output, "\n")
}

// isIgnored reports whether a "<sha1> <refname>" line's refname matches
// any of the configured ignore patterns.
func isIgnored(line string, patterns []*regexp.Regexp) bool {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return false
	}
	refname := parts[1]
	for _, p := range patterns {
		if p.MatchString(refname) {
			return true
		}
	}
	return false
}
