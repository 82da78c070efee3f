package models

import "strings"

// DefaultReservedSessions are the session and agent values that mean "no scope".
var DefaultReservedSessions = []string{"universal", "unknown", "", "global"}

// Reserved is a set of sentinel identifiers. Lookups are case-insensitive and
// ignore surrounding whitespace; the blank string is always reserved.
type Reserved map[string]struct{}

// NewReserved builds a sentinel set from the given values.
func NewReserved(values []string) Reserved {
	r := Reserved{"": {}}
	for _, v := range values {
		r[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return r
}

// Is reports whether id is a sentinel.
func (r Reserved) Is(id string) bool {
	_, ok := r[strings.ToLower(strings.TrimSpace(id))]
	return ok
}

// Scoped returns id when it is a real scope and "" when it is a sentinel, so
// callers can drop the filter.
func (r Reserved) Scoped(id string) string {
	if r.Is(id) {
		return ""
	}
	return id
}
