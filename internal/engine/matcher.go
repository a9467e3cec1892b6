package engine

import (
	"fmt"
	"strings"
)

type PatternKind int

const (
	PatternExact PatternKind = iota
	PatternPrefixWildcard
	PatternMatchAll
)

// Pattern is a compiled event type pattern.
type Pattern struct {
	Kind  PatternKind
	Value string
}

// CompilePattern parses "producto.creado", "producto.*" or "*".
// A wildcard is only allowed as the whole pattern or as the last segment.
func CompilePattern(raw string) (Pattern, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Pattern{}, fmt.Errorf("empty event pattern")
	case s == "*":
		return Pattern{Kind: PatternMatchAll}, nil
	case strings.HasSuffix(s, ".*"):
		prefix := strings.TrimSuffix(s, "*")
		if prefix == "." || strings.Contains(prefix, "*") {
			return Pattern{}, fmt.Errorf("invalid event pattern %q", raw)
		}
		return Pattern{Kind: PatternPrefixWildcard, Value: prefix}, nil
	case strings.Contains(s, "*"):
		return Pattern{}, fmt.Errorf("invalid event pattern %q: wildcard must be the last segment", raw)
	}
	return Pattern{Kind: PatternExact, Value: s}, nil
}

func (p Pattern) Matches(eventType string) bool {
	switch p.Kind {
	case PatternMatchAll:
		return true
	case PatternPrefixWildcard:
		return strings.HasPrefix(eventType, p.Value) && len(eventType) > len(p.Value)
	default:
		return eventType == p.Value
	}
}

func (p Pattern) String() string {
	switch p.Kind {
	case PatternMatchAll:
		return "*"
	case PatternPrefixWildcard:
		return p.Value + "*"
	default:
		return p.Value
	}
}

// Matcher matches an event type against any of its patterns.
type Matcher []Pattern

func CompileMatcher(patterns []string) (Matcher, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one event pattern is required")
	}
	m := make(Matcher, 0, len(patterns))
	for _, raw := range patterns {
		p, err := CompilePattern(raw)
		if err != nil {
			return nil, err
		}
		m = append(m, p)
	}
	return m, nil
}

func (m Matcher) Matches(eventType string) bool {
	for _, p := range m {
		if p.Matches(eventType) {
			return true
		}
	}
	return false
}
