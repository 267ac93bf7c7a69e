package storage

import (
	"fmt"
	"net/url"
	"strings"
)

// Location is a parsed object-storage location. Comparisons are segment-wise:
// "s3://b/a" contains "s3://b/a/x" but not "s3://b/ab".
type Location struct {
	Protocol string
	Bucket   string
	// Path segments, no empty entries.
	Path []string
}

// ParseLocation parses a <scheme>://<bucket>/<path> URI.
func ParseLocation(raw string) (*Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("location %q must be of the form scheme://bucket/path", raw)
	}
	var segs []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return &Location{Protocol: u.Scheme, Bucket: u.Host, Path: segs}, nil
}

// String renders the canonical form without a trailing slash.
func (l *Location) String() string {
	if len(l.Path) == 0 {
		return fmt.Sprintf("%s://%s", l.Protocol, l.Bucket)
	}
	return fmt.Sprintf("%s://%s/%s", l.Protocol, l.Bucket, strings.Join(l.Path, "/"))
}

// Key returns the object-store key (path without scheme/bucket).
func (l *Location) Key() string {
	return strings.Join(l.Path, "/")
}

// Child returns the location extended by the given segments.
func (l *Location) Child(segments ...string) *Location {
	path := make([]string, 0, len(l.Path)+len(segments))
	path = append(path, l.Path...)
	path = append(path, segments...)
	return &Location{Protocol: l.Protocol, Bucket: l.Bucket, Path: path}
}

// Contains reports whether other is equal to or beneath l.
func (l *Location) Contains(other *Location) bool {
	if l.Protocol != other.Protocol || l.Bucket != other.Bucket {
		return false
	}
	if len(other.Path) < len(l.Path) {
		return false
	}
	for i, seg := range l.Path {
		if other.Path[i] != seg {
			return false
		}
	}
	return true
}

// IsSubPathOf reports whether l is strictly beneath base.
func (l *Location) IsSubPathOf(base *Location) bool {
	return base.Contains(l) && len(l.Path) > len(base.Path)
}

// Overlaps reports whether one location is an ancestor of the other (or they
// are equal). Two live tabulars in a warehouse must never overlap.
func (l *Location) Overlaps(other *Location) bool {
	return l.Contains(other) || other.Contains(l)
}
