package db

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oscillatelabsllc/recall/internal/models"
)

// ErrInvalidFilter is wrapped by filter resolution failures.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter is a FilterSpec resolved against a clock and the reserved sentinel
// set: time phrases are absolute bounds, sentinel scopes are gone and the
// limit is within range. Backends render it to their own query language.
type Filter struct {
	IDs              []string
	SessionID        string
	AgentID          string
	Endpoint         string
	EventType        models.EventType
	DocumentClass    models.DocumentClass
	Since            *time.Time
	Until            *time.Time
	Contains         string
	Order            models.Order
	Limit            int
	ExcludeSynthetic bool
}

// Resolve turns a caller's FilterSpec into a Filter. now anchors relative
// time phrases.
func Resolve(spec models.FilterSpec, reserved models.Reserved, now time.Time) (Filter, error) {
	f := Filter{
		IDs:              compact(spec.IDs),
		SessionID:        reserved.Scoped(strings.TrimSpace(spec.SessionID)),
		AgentID:          reserved.Scoped(strings.TrimSpace(spec.AgentID)),
		Endpoint:         strings.TrimSpace(spec.Endpoint),
		EventType:        spec.EventType,
		DocumentClass:    spec.DocumentClass,
		Since:            spec.Since,
		Until:            spec.Until,
		Contains:         spec.Contains,
		ExcludeSynthetic: spec.ExcludeSynthetic,
	}

	if f.EventType != "" && !f.EventType.Valid() {
		return Filter{}, fmt.Errorf("%w: unknown event_type %q", ErrInvalidFilter, f.EventType)
	}

	if phrase := strings.TrimSpace(spec.TimePhrase); phrase != "" {
		since, until, err := ParseTimePhrase(phrase, now)
		if err != nil {
			return Filter{}, err
		}
		f.Since = laterOf(f.Since, since)
		f.Until = earlierOf(f.Until, until)
	}

	switch strings.ToLower(string(spec.Order)) {
	case "", string(models.OrderDesc):
		f.Order = models.OrderDesc
	case string(models.OrderAsc):
		f.Order = models.OrderAsc
	default:
		return Filter{}, fmt.Errorf("%w: unknown order %q", ErrInvalidFilter, spec.Order)
	}

	f.Limit = spec.Limit
	if f.Limit <= 0 {
		f.Limit = models.DefaultQueryLimit
	}
	if f.Limit > models.MaxQueryLimit {
		f.Limit = models.MaxQueryLimit
	}
	return f, nil
}

// SQL renders the WHERE clause (without the keyword) and its arguments.
func (f Filter) SQL() (string, []interface{}) {
	conditions := []string{"1=1"}
	var args []interface{}

	if len(f.IDs) > 0 {
		placeholders := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		conditions = append(conditions, fmt.Sprintf("id IN (%s)", strings.Join(placeholders, ", ")))
	}
	if f.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Endpoint != "" {
		conditions = append(conditions, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.DocumentClass != "" {
		conditions = append(conditions, "document_class = ?")
		args = append(args, string(f.DocumentClass))
	}
	if f.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, *f.Until)
	}
	if f.Contains != "" {
		conditions = append(conditions, "contains(texto_semantico, ?)")
		args = append(args, f.Contains)
	}
	if f.ExcludeSynthetic {
		conditions = append(conditions, "NOT is_synthetic")
	}

	return strings.Join(conditions, " AND "), args
}

// OrderSQL renders the ORDER BY expression. The id tie-break keeps results
// stable for events sharing a timestamp.
func (f Filter) OrderSQL() string {
	if f.Order == models.OrderAsc {
		return "timestamp ASC, id ASC"
	}
	return "timestamp DESC, id DESC"
}

var (
	relativePhrase = regexp.MustCompile(`^(?:last|past|previous|últimas?|ultimas?)\s+(\d+)\s*([a-záéíóú]+)$`)
	unitPhrase     = regexp.MustCompile(`^(?:last|past|previous|la última|la ultima|el último|el ultimo)\s+([a-záéíóú]+)$`)
)

// ParseTimePhrase resolves a natural-language range relative to now. The
// upper bound is nil for ranges that run up to now.
func ParseTimePhrase(phrase string, now time.Time) (*time.Time, *time.Time, error) {
	p := strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch p {
	case "today", "hoy":
		return &midnight, nil, nil
	case "yesterday", "ayer":
		since := midnight.AddDate(0, 0, -1)
		return &since, &midnight, nil
	}

	if m := relativePhrase.FindStringSubmatch(p); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return nil, nil, fmt.Errorf("%w: bad count in %q", ErrInvalidFilter, phrase)
		}
		unit, ok := timeUnit(m[2])
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown time unit in %q", ErrInvalidFilter, phrase)
		}
		since := now.Add(-time.Duration(n) * unit)
		return &since, nil, nil
	}

	if m := unitPhrase.FindStringSubmatch(p); m != nil {
		unit, ok := timeUnit(m[1])
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown time unit in %q", ErrInvalidFilter, phrase)
		}
		since := now.Add(-unit)
		return &since, nil, nil
	}

	return nil, nil, fmt.Errorf("%w: unrecognised time phrase %q", ErrInvalidFilter, phrase)
}

func timeUnit(word string) (time.Duration, bool) {
	switch word {
	case "m", "min", "mins", "minute", "minutes", "minuto", "minutos":
		return time.Minute, true
	case "h", "hr", "hrs", "hour", "hours", "hora", "horas":
		return time.Hour, true
	case "d", "day", "days", "día", "dia", "días", "dias":
		return 24 * time.Hour, true
	case "w", "wk", "week", "weeks", "semana", "semanas":
		return 7 * 24 * time.Hour, true
	case "month", "months", "mes", "meses":
		return 30 * 24 * time.Hour, true
	}
	return 0, false
}

func compact(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func laterOf(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || a.After(*b) {
		return a
	}
	return b
}

func earlierOf(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || a.Before(*b) {
		return a
	}
	return b
}
