package filebuffer

import (
	"path"
	"strings"
)

// IncludeExclude is a set of include and exclude patterns. An item matches when
// it matches no exclude pattern and either no include patterns are set or at
// least one of them matches.
type IncludeExclude struct {
	includes []string
	excludes []string
	match    func(pattern, item string) bool
	norm     func(string) string
}

// NewPathIncludeExclude returns a set for request paths. Patterns follow servlet
// path mapping: "/dir/*" matches "/dir" and everything below it, "*.ext"
// matches paths ending in ".ext", "/" matches every path, and other patterns
// are exact unless they contain glob characters, in which case path.Match
// decides.
func NewPathIncludeExclude() *IncludeExclude {
	return &IncludeExclude{match: matchPathSpec, norm: func(s string) string { return s }}
}

// NewMimeIncludeExclude returns a set for content types. Parameters such as
// charset are ignored and comparison is case-insensitive; "type/*" matches
// every subtype and "*/*" matches everything.
func NewMimeIncludeExclude() *IncludeExclude {
	return &IncludeExclude{match: matchMimeType, norm: BaseMimeType}
}

// Include adds include patterns.
func (ie *IncludeExclude) Include(patterns ...string) {
	for _, p := range patterns {
		ie.includes = append(ie.includes, ie.norm(p))
	}
}

// Exclude adds exclude patterns.
func (ie *IncludeExclude) Exclude(patterns ...string) {
	for _, p := range patterns {
		ie.excludes = append(ie.excludes, ie.norm(p))
	}
}

// Matches reports whether item is included and not excluded.
func (ie *IncludeExclude) Matches(item string) bool {
	item = ie.norm(item)
	for _, p := range ie.excludes {
		if ie.match(p, item) {
			return false
		}
	}
	if len(ie.includes) == 0 {
		return true
	}
	for _, p := range ie.includes {
		if ie.match(p, item) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether no patterns were added.
func (ie *IncludeExclude) IsEmpty() bool {
	return len(ie.includes) == 0 && len(ie.excludes) == 0
}

func matchPathSpec(pattern, p string) bool {
	switch {
	case pattern == "/" || pattern == "/*":
		return true
	case strings.HasSuffix(pattern, "/*"):
		dir := strings.TrimSuffix(pattern, "/*")
		return p == dir || strings.HasPrefix(p, dir+"/")
	case strings.HasPrefix(pattern, "*.") && !strings.ContainsAny(pattern[1:], "*?["):
		return strings.HasSuffix(p, pattern[1:])
	case strings.ContainsAny(pattern, "*?["):
		ok, err := path.Match(pattern, p)
		return err == nil && ok
	}
	return pattern == p
}

func matchMimeType(pattern, mt string) bool {
	if pattern == "*/*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(mt, prefix+"/")
	}
	return pattern == mt
}

// BaseMimeType returns the lower-cased type/subtype of a content type.
func BaseMimeType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
