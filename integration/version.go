package integration

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidVersion is returned when a minimum_version/maximum_version
// field isn't a well-formed four-part dotted version number.
var ErrInvalidVersion = errors.New("integration: invalid version string")

// ErrInvalidAssemblyReference is returned when a wrapper's assembly field
// isn't a well-formed "Name, Version=x.y.z.w, Culture=..., PublicKeyToken=..."
// strong name.
var ErrInvalidAssemblyReference = errors.New("integration: invalid assembly reference")

// Version is a four-part dotted version number (major.minor.build.revision),
// the granularity .NET assembly versions use.
type Version [4]uint16

func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Version{}, fmt.Errorf("%s: %w", s, ErrInvalidVersion)
	}
	var v Version
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Version{}, fmt.Errorf("%s: %w", s, ErrInvalidVersion)
		}
		v[i] = uint16(n)
	}
	return v, nil
}

// Less reports whether v precedes o in the usual lexicographic
// major.minor.build.revision ordering.
func (v Version) Less(o Version) bool {
	for i := range v {
		if v[i] != o[i] {
			return v[i] < o[i]
		}
	}
	return false
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// AssemblyReference is a parsed .NET strong name.
type AssemblyReference struct {
	Name           string
	Version        Version
	Culture        string
	PublicKeyToken string
}

// ParseAssemblyReference parses a strong name of the form
// "Name, Version=1.2.3.4, Culture=neutral, PublicKeyToken=abcd...".
// Only Name is mandatory; the rest default to "neutral"/empty.
func ParseAssemblyReference(s string) (AssemblyReference, error) {
	parts := strings.Split(s, ",")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return AssemblyReference{}, fmt.Errorf("%s: %w", s, ErrInvalidAssemblyReference)
	}
	ref := AssemblyReference{Name: strings.TrimSpace(parts[0]), Culture: "neutral"}
	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			return AssemblyReference{}, fmt.Errorf("%s: %w", s, ErrInvalidAssemblyReference)
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "Version":
			v, err := ParseVersion(val)
			if err != nil {
				return AssemblyReference{}, err
			}
			ref.Version = v
		case "Culture":
			ref.Culture = val
		case "PublicKeyToken":
			ref.PublicKeyToken = val
		}
	}
	return ref, nil
}
