// Package schema tracks the snapshot document's schema versions and which
// features each version introduced. Versions are dotted numeric strings
// ("1.0" ... "1.11") ordered numerically per part, not lexically.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Feature identifies an optional capability of the snapshot document.
type Feature string

const (
	// FeatureTombstones: records carry deleted/deleted_at and deletions
	// propagate through merge instead of resurrecting.
	FeatureTombstones Feature = "tombstones"
	// FeatureEncryption: the document body may be passphrase-encrypted.
	FeatureEncryption Feature = "encryption"
	// FeatureActivitySamples: heartRateSamples, sleepStages and stepsSamples
	// tables exist.
	FeatureActivitySamples Feature = "activity_samples"
	// FeatureWaterEntries: the waterEntries table exists.
	FeatureWaterEntries Feature = "water_entries"
)

// featureMinVersions is ordered by introduction. Supports is monotone over
// this list: once a version has a feature, every later version has it too.
var featureMinVersions = []struct {
	Feature Feature
	Min     string
}{
	{FeatureTombstones, "1.2"},
	{FeatureEncryption, "1.5"},
	{FeatureWaterEntries, "1.8"},
	{FeatureActivitySamples, "1.11"},
}

const currentVersion = "1.11"

// CurrentVersion returns the newest schema version this engine understands.
// Imports with a higher version must be rejected.
func CurrentVersion() string { return currentVersion }

// Supports reports whether a snapshot of the given version carries feature.
// Unknown versions or features report false.
func Supports(version string, feature Feature) bool {
	for _, fm := range featureMinVersions {
		if fm.Feature == feature {
			return Compare(version, fm.Min) >= 0
		}
	}
	return false
}

// ChooseVersion selects the lowest version that satisfies every requested
// feature, keeping exports readable by older engines when possible. With no
// features requested it returns the oldest version, "1.0".
func ChooseVersion(features ...Feature) string {
	chosen := "1.0"
	for _, f := range features {
		for _, fm := range featureMinVersions {
			if fm.Feature == f && Compare(fm.Min, chosen) > 0 {
				chosen = fm.Min
			}
		}
	}
	return chosen
}

// Compare orders two dotted numeric versions: -1 if a < b, 0 if equal,
// 1 if a > b. Missing parts count as zero, so "1" == "1.0".
func Compare(a, b string) int {
	ap := strings.Split(a, ".")
	bp := strings.Split(b, ".")
	n := len(ap)
	if len(bp) > n {
		n = len(bp)
	}
	for i := 0; i < n; i++ {
		av := partValue(ap, i)
		bv := partValue(bp, i)
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func partValue(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	v, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return v
}

// Valid reports whether s looks like a dotted numeric version.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		if _, err := strconv.Atoi(part); err != nil {
			return false
		}
	}
	return true
}

// MustValid panics when s is not a version string. Used for registry
// self-checks in tests.
func MustValid(s string) string {
	if !Valid(s) {
		panic(fmt.Sprintf("invalid schema version %q", s))
	}
	return s
}
