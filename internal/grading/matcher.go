package grading

import (
	"regexp"
	"strings"
	"sync"
)

// PatternMatcher locates required identifiers and functions in cell
// source. It is an injection point: the default matcher targets
// R-style analysis notebooks, and a different notebook language can
// supply its own patterns without touching the validators or arbiter.
type PatternMatcher interface {
	// MatchesAssignment reports whether source assigns a value to the
	// identifier.
	MatchesAssignment(source, identifier string) bool
	// MatchesCall reports whether source references the named function.
	MatchesCall(source, name string) bool
}

// RMatcher matches R assignment forms: `x <- ...`, `x = ...` and
// `x <<- ...`. `==` is a comparison, not an assignment.
type RMatcher struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func NewRMatcher() *RMatcher {
	return &RMatcher{cache: make(map[string]*regexp.Regexp)}
}

func (m *RMatcher) MatchesAssignment(source, identifier string) bool {
	return m.assignmentPattern(identifier).MatchString(source)
}

func (m *RMatcher) MatchesCall(source, name string) bool {
	if name == "" {
		return false
	}
	idx := strings.Index(source, name)
	for idx != -1 {
		before := byte(0)
		if idx > 0 {
			before = source[idx-1]
		}
		// Token boundary on the left is enough: `lm(` should not be
		// satisfied by `glm(`.
		if !isWordByte(before) {
			return true
		}
		next := strings.Index(source[idx+1:], name)
		if next == -1 {
			return false
		}
		idx = idx + 1 + next
	}
	return false
}

func (m *RMatcher) assignmentPattern(identifier string) *regexp.Regexp {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.cache[identifier]; ok {
		return re
	}
	// Identifier at a token boundary, followed by <-, <<- or a single =.
	re := regexp.MustCompile(`(^|[^\w.])` + regexp.QuoteMeta(identifier) + `\s*(<<-|<-|=[^=])`)
	m.cache[identifier] = re
	return re
}

func isWordByte(b byte) bool {
	return b == '_' || b == '.' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
