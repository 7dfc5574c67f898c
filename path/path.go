// Package path implements the hierarchical terminal-naming Path type of
// spec.md §3. Paths are UTF-8 strings of '/'-separated segments; the root is
// "/" and a non-root path never ends in '/'. The design mirrors the
// lightweight string-based naming types the teacher uses for its own
// addressable entities (go.gazette.dev/core/broker/protocol.Journal), but
// Path additionally supports relative composition via Join, which a flat
// Journal name has no need for.
package path

import (
	"strings"

	"go.yogi.dev/core/yerrors"
)

// Path is an absolute or relative terminal name.
type Path struct {
	segments []string // Never contains an empty segment.
	absolute bool
}

// Root is the absolute root Path "/".
var Root = Path{absolute: true}

// New parses s into a Path, failing with yerrors.InvalidPath if s contains
// an empty segment anywhere but as the sole root segment, e.g. "//",
// "/a//b", or a trailing "/" on a non-root path.
func New(s string) (Path, error) {
	if s == "" {
		return Path{}, yerrors.New(yerrors.InvalidPath, "path must not be empty")
	}

	var p Path
	p.absolute = strings.HasPrefix(s, "/")

	var body = s
	if p.absolute {
		body = s[1:]
	}
	if body == "" {
		if !p.absolute {
			return Path{}, yerrors.New(yerrors.InvalidPath, "relative path must not be empty")
		}
		return Root, nil // "/"
	}

	for _, seg := range strings.Split(body, "/") {
		if seg == "" {
			return Path{}, yerrors.New(yerrors.InvalidPath, "path %q contains an empty segment", s)
		}
		p.segments = append(p.segments, seg)
	}
	return p, nil
}

// MustNew parses s into a Path and panics on failure. Intended for
// construction of literal paths (e.g. the Process/* terminal tree), never
// for user-supplied data.
func MustNew(s string) Path {
	var p, err = New(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Empty reports whether p has no segments and is not the absolute root,
// i.e. is the zero value Path{}.
func (p Path) Empty() bool { return len(p.segments) == 0 && !p.absolute }

// IsAbsolute reports whether p begins with '/'.
func (p Path) IsAbsolute() bool { return p.absolute }

// IsRoot reports whether p is exactly "/".
func (p Path) IsRoot() bool { return p.absolute && len(p.segments) == 0 }

// Clear resets p to the empty Path, equivalent to the zero value.
func (p *Path) Clear() { *p = Path{} }

// String renders p in canonical form.
func (p Path) String() string {
	var b strings.Builder
	if p.absolute {
		b.WriteByte('/')
	}
	for i, seg := range p.segments {
		if i != 0 {
			b.WriteByte('/')
		}
		b.WriteString(seg)
	}
	return b.String()
}

// Join appends rhs to p, one segment at a time, and returns the result.
// Joining with an absolute rhs fails with yerrors.InvalidPath, mirroring
// spec.md §3's "Joining paths forbids concatenation with an absolute right
// operand."
func (p Path) Join(rhs Path) (Path, error) {
	if rhs.absolute {
		return Path{}, yerrors.New(yerrors.InvalidPath, "cannot join absolute path %q onto %q", rhs, p)
	}
	var out = Path{absolute: p.absolute}
	out.segments = append(out.segments, p.segments...)
	out.segments = append(out.segments, rhs.segments...)
	return out, nil
}

// JoinString parses rhs and joins it onto p; a convenience wrapper over
// New + Join matching the C++ API's `Path("/Test") / "tmp"` ergonomics
// (see original_source/yogi-cpp/tests/PathTest.cpp).
func (p Path) JoinString(rhs string) (Path, error) {
	var r, err = New(rhs)
	if err != nil {
		return Path{}, err
	}
	return p.Join(r)
}

// Equal reports whether p and q denote the same Path.
func (p Path) Equal(q Path) bool {
	return p.absolute == q.absolute && strSliceEqual(p.segments, q.segments)
}

func strSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Resolve resolves p against location (the endpoint's configured absolute
// location prefix, spec.md §6 yogi.location) iff p is relative, yielding an
// absolute Path. An already-absolute p is returned unchanged.
func Resolve(location Path, p Path) (Path, error) {
	if p.absolute {
		return p, nil
	}
	if !location.absolute {
		return Path{}, yerrors.New(yerrors.InvalidPath, "location %q is not absolute", location)
	}
	return location.Join(p)
}
