// Package router matches request paths against the templated routes of a
// registered service.
//
// Templates are slash-separated segments. A segment wrapped in braces,
// such as {id}, is a wildcard that matches any single concrete segment,
// including an empty one. Every other segment must match exactly.
// Matching is case-sensitive, does no percent-decoding and ignores any
// query suffix on either side.
package router

import (
	"strings"

	"github.com/vyrodovalexey/connect/internal/registry"
)

// segment is one parsed template segment.
type segment struct {
	value   string
	isParam bool
	name    string
}

// Template is a parsed route path template.
type Template struct {
	pattern  string
	segments []segment
}

// Parse parses a path template.
func Parse(pattern string) *Template {
	parts := Segments(pattern)
	segments := make([]segment, len(parts))

	for i, part := range parts {
		if isWildcard(part) {
			segments[i] = segment{value: part, isParam: true, name: part[1 : len(part)-1]}
		} else {
			segments[i] = segment{value: part}
		}
	}

	return &Template{pattern: pattern, segments: segments}
}

// Pattern returns the template as written.
func (t *Template) Pattern() string {
	return t.pattern
}

// Match reports whether path matches the template.
func (t *Template) Match(path string) bool {
	_, ok := t.match(path, false)
	return ok
}

// Params matches path and returns the values bound to named wildcards.
// Unnamed wildcards ({}) are matched but not captured.
func (t *Template) Params(path string) (map[string]string, bool) {
	return t.match(path, true)
}

func (t *Template) match(path string, capture bool) (map[string]string, bool) {
	parts := Segments(path)
	if len(parts) != len(t.segments) {
		return nil, false
	}

	var params map[string]string
	for i, seg := range t.segments {
		if seg.isParam {
			if capture && seg.name != "" {
				if params == nil {
					params = make(map[string]string)
				}
				params[seg.name] = parts[i]
			}
			continue
		}
		if seg.value != parts[i] {
			return nil, false
		}
	}

	return params, true
}

// Match reports whether path matches the route template.
func Match(template, path string) bool {
	return Parse(template).Match(path)
}

// Segments strips the query suffix and surrounding slashes from path and
// splits it on "/". Empty interior segments are kept, so "/a//b" yields
// three segments.
func Segments(path string) []string {
	return strings.Split(strings.Trim(StripQuery(path), "/"), "/")
}

// StripQuery removes everything from the first "?".
func StripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func isWildcard(part string) bool {
	return len(part) >= 2 && strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}")
}

// FindRoute returns the first route, in registration order, whose
// template matches path. The method is not considered here so callers can
// tell "no such path" apart from "wrong method".
func FindRoute(routes []registry.Route, path string) (registry.Route, bool) {
	for _, route := range routes {
		if Match(route.Path, path) {
			return route, true
		}
	}
	return registry.Route{}, false
}
