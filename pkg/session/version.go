package session

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// VersionRange is a half-open range [Min, Max) of probe firmware versions.
// An empty Max means no upper bound.
type VersionRange struct {
	Min string `yaml:"min"`
	Max string `yaml:"max,omitempty"`
}

// DefaultSupported is the firmware range accepted when none is configured:
// CMSIS-DAP v1 and v2 firmware.
var DefaultSupported = []VersionRange{{Min: "1.0.0", Max: "3.0.0"}}

// canonicalVersion turns a probe firmware string such as "2.1.1" or
// "v1.3" into the form x/mod/semver understands.
func canonicalVersion(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if s[0] != 'v' && s[0] != 'V' {
		s = "v" + s
	} else {
		s = "v" + s[1:]
	}
	if !semver.IsValid(s) {
		return "", false
	}
	return semver.Canonical(s), true
}

// Contains reports whether version v lies in r.
func (r VersionRange) Contains(v string) bool {
	cv, ok := canonicalVersion(v)
	if !ok {
		return false
	}
	if r.Min != "" {
		lo, ok := canonicalVersion(r.Min)
		if !ok || semver.Compare(cv, lo) < 0 {
			return false
		}
	}
	if r.Max != "" {
		hi, ok := canonicalVersion(r.Max)
		if !ok || semver.Compare(cv, hi) >= 0 {
			return false
		}
	}
	return true
}

// Validate checks that both bounds parse and Min < Max.
func (r VersionRange) Validate() error {
	lo, hi := "", ""
	if r.Min != "" {
		v, ok := canonicalVersion(r.Min)
		if !ok {
			return fmt.Errorf("invalid minimum version %q", r.Min)
		}
		lo = v
	}
	if r.Max != "" {
		v, ok := canonicalVersion(r.Max)
		if !ok {
			return fmt.Errorf("invalid maximum version %q", r.Max)
		}
		hi = v
	}
	if lo != "" && hi != "" && semver.Compare(lo, hi) >= 0 {
		return fmt.Errorf("empty version range [%s, %s)", r.Min, r.Max)
	}
	return nil
}

func (r VersionRange) String() string {
	hi := r.Max
	if hi == "" {
		hi = "any"
	}
	return fmt.Sprintf("[%s, %s)", r.Min, hi)
}

// Supported reports whether v lies in any of ranges.
func Supported(ranges []VersionRange, v string) bool {
	for _, r := range ranges {
		if r.Contains(v) {
			return true
		}
	}
	return false
}
