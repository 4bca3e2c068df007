// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// SpecVersion is one Matrix protocol version advertised by a
// homeserver: "vX.Y" (possibly with "-metadata") for versions of the
// current scheme, or the legacy "rX.Y.Z" release form. Immutable once
// parsed; String reproduces the canonical form.
type SpecVersion struct {
	X int
	Y int
	// Z is -1 for "v"-form versions, which carry no patch component.
	Z        int
	Metadata string
}

// currentSpecVersion is the protocol version this library targets. A
// homeserver that does not list it still works; Connect only logs a
// warning.
var currentSpecVersion = SpecVersion{X: 1, Y: 12, Z: -1}

var specVersionPattern = regexp.MustCompile(`^([vr])(\d+)\.(\d+)(?:\.(\d+))?(?:-(\w+))?$`)

// ParseSpecVersion parses a version string from the /versions
// endpoint. The "v" form forbids a patch component, the "r" form
// requires one.
func ParseSpecVersion(raw string) (SpecVersion, error) {
	match := specVersionPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil {
		return SpecVersion{}, fmt.Errorf("messaging: malformed spec version %q", raw)
	}
	x, _ := strconv.Atoi(match[2])
	y, _ := strconv.Atoi(match[3])

	version := SpecVersion{X: x, Y: y, Z: -1, Metadata: match[5]}
	hasPatch := match[4] != ""
	switch match[1] {
	case "r":
		if !hasPatch {
			return SpecVersion{}, fmt.Errorf("messaging: spec version %q: 'r' form requires a patch component", raw)
		}
		version.Z, _ = strconv.Atoi(match[4])
	case "v":
		if hasPatch {
			return SpecVersion{}, fmt.Errorf("messaging: spec version %q: 'v' form forbids a patch component", raw)
		}
	}
	return version, nil
}

// String returns the canonical version string.
func (v SpecVersion) String() string {
	var builder strings.Builder
	if v.Z >= 0 {
		fmt.Fprintf(&builder, "r%d.%d.%d", v.X, v.Y, v.Z)
	} else {
		fmt.Fprintf(&builder, "v%d.%d", v.X, v.Y)
	}
	if v.Metadata != "" {
		builder.WriteByte('-')
		builder.WriteString(v.Metadata)
	}
	return builder.String()
}

// Equal reports whether two versions are the same, treating an absent
// patch component as zero.
func (v SpecVersion) Equal(other SpecVersion) bool {
	return v.Compare(other) == 0
}

// Compare orders versions by X, then Y, then Z (absent treated as 0),
// then metadata — with "no metadata" sorting after "has metadata",
// matching pre-release semantics, and metadata otherwise compared
// ordinally. Returns -1, 0, or 1.
func (v SpecVersion) Compare(other SpecVersion) int {
	if c := compareInt(v.X, other.X); c != 0 {
		return c
	}
	if c := compareInt(v.Y, other.Y); c != 0 {
		return c
	}
	if c := compareInt(max(v.Z, 0), max(other.Z, 0)); c != 0 {
		return c
	}
	switch {
	case v.Metadata == other.Metadata:
		return 0
	case v.Metadata == "":
		return 1
	case other.Metadata == "":
		return -1
	}
	return strings.Compare(v.Metadata, other.Metadata)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// sortSpecVersions sorts a slice ascending in place.
func sortSpecVersions(versions []SpecVersion) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Compare(versions[j]) < 0
	})
}
