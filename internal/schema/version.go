package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Version identifies a schema revision. Minor bumps only add items; a major
// bump means stored documents need an explicit migration.
type Version struct {
	Major int `json:"major" yaml:"major" msgpack:"major"`
	Minor int `json:"minor" yaml:"minor" msgpack:"minor"`
}

// String returns the "major.minor" form
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// IsCompatible reports whether a document stored with the given version can
// be read directly by this schema. Any minor delta is compatible.
func (v Version) IsCompatible(stored Version) bool {
	return v.Major == stored.Major
}

// Less orders versions by major, then minor
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// ParseVersion parses "major.minor" (a bare "major" means minor 0)
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}

	majorStr, minorStr, hasMinor := strings.Cut(s, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil || major < 0 {
		return Version{}, fmt.Errorf("invalid major version in %q", s)
	}

	minor := 0
	if hasMinor {
		minor, err = strconv.Atoi(minorStr)
		if err != nil || minor < 0 {
			return Version{}, fmt.Errorf("invalid minor version in %q", s)
		}
	}

	return Version{Major: major, Minor: minor}, nil
}
