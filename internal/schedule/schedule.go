// Package schedule implements the schedule engine: the set of freeze
// schedules and the "is any freeze active at time T" query. Schedules
// are a tagged variant — Absolute, Recurring, or Windowed — held in a
// copy-on-write map so readers never see a partial replace.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kubefreezer/kubefreezer/internal/cronwindow"
	"github.com/kubefreezer/kubefreezer/internal/kferrors"
)

// Kind tags which activation rule a Schedule uses.
type Kind int

const (
	// KindAbsolute: active iff start <= now < end.
	KindAbsolute Kind = iota
	// KindRecurring: active iff the cron matches now in tz.
	KindRecurring
	// KindWindowed: active iff both the absolute window and the cron match.
	KindWindowed
	// KindInvalid: neither start/end nor cron present; misconfigured,
	// never active, surfaced as a warning.
	KindInvalid
)

// Schedule is a named freeze rule, unique by Name.
type Schedule struct {
	Name       string
	Message    string
	Namespaces map[string]struct{} // nil/empty means "all namespaces"

	Kind  Kind
	Start *time.Time
	End   *time.Time
	Cron  string
	// TZ is the IANA zone name cron is interpreted in; defaults to UTC.
	TZ string
}

// New validates and constructs a Schedule from raw fields, classifying
// its Kind and rejecting invalid start/end/cron combinations: when both
// start and end are present, end must be strictly after start.
func New(name, message string, namespaces []string, start, end *time.Time, cronExpr, tz string) (Schedule, error) {
	if name == "" {
		return Schedule{}, fmt.Errorf("%w: schedule name is required", kferrors.ErrInvalidSchedule)
	}
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return Schedule{}, fmt.Errorf("%w: %s: invalid timezone %q: %v", kferrors.ErrInvalidSchedule, name, tz, err)
	}
	if start != nil && end != nil && !end.After(*start) {
		return Schedule{}, fmt.Errorf("%w: %s: end must be after start", kferrors.ErrInvalidSchedule, name)
	}
	if cronExpr != "" {
		if _, err := cronwindow.Parse(cronExpr); err != nil {
			return Schedule{}, fmt.Errorf("%w: %s: %v", kferrors.ErrInvalidSchedule, name, err)
		}
	}

	var kind Kind
	switch {
	case start != nil && end != nil && cronExpr == "":
		kind = KindAbsolute
	case cronExpr != "" && start == nil && end == nil:
		kind = KindRecurring
	case start != nil && end != nil && cronExpr != "":
		kind = KindWindowed
	default:
		kind = KindInvalid
	}

	var nsSet map[string]struct{}
	if len(namespaces) > 0 {
		nsSet = make(map[string]struct{}, len(namespaces))
		for _, ns := range namespaces {
			nsSet[ns] = struct{}{}
		}
	}

	return Schedule{
		Name:       name,
		Message:    message,
		Namespaces: nsSet,
		Kind:       kind,
		Start:      start,
		End:        end,
		Cron:       cronExpr,
		TZ:         tz,
	}, nil
}

// appliesToNamespace reports whether the schedule covers ns: empty
// Namespaces means "all".
func (s Schedule) appliesToNamespace(ns string) bool {
	if len(s.Namespaces) == 0 {
		return true
	}
	if ns == "" {
		return false
	}
	_, ok := s.Namespaces[ns]
	return ok
}

// active evaluates the per-schedule activation rule.
func (s Schedule) active(now time.Time) (bool, error) {
	switch s.Kind {
	case KindAbsolute:
		return !now.Before(*s.Start) && now.Before(*s.End), nil
	case KindRecurring:
		return cronwindow.Matches(s.Cron, now, s.TZ)
	case KindWindowed:
		if now.Before(*s.Start) || !now.Before(*s.End) {
			return false, nil
		}
		return cronwindow.Matches(s.Cron, now, s.TZ)
	default:
		return false, nil
	}
}

// Match is a Schedule found active at a given instant.
type Match struct {
	Schedule Schedule
}

// Engine owns the current schedule set behind a copy-on-write map, so
// readers never observe a partial update.
type Engine struct {
	ptr atomic.Pointer[map[string]Schedule]
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	e := &Engine{}
	empty := map[string]Schedule{}
	e.ptr.Store(&empty)
	return e
}

func (e *Engine) snapshot() map[string]Schedule {
	p := e.ptr.Load()
	if p == nil {
		return map[string]Schedule{}
	}
	return *p
}

// Upsert inserts or replaces a schedule by name.
func (e *Engine) Upsert(s Schedule) {
	for {
		old := e.ptr.Load()
		next := copyMap(old)
		next[s.Name] = s
		if e.ptr.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Remove deletes a schedule by name; a no-op if it isn't present.
func (e *Engine) Remove(name string) {
	for {
		old := e.ptr.Load()
		if old == nil {
			return
		}
		if _, ok := (*old)[name]; !ok {
			return
		}
		next := copyMap(old)
		delete(next, name)
		if e.ptr.CompareAndSwap(old, &next) {
			return
		}
	}
}

// ReplaceAll atomically installs an entirely new schedule set, used by
// the watcher on every config reload.
func (e *Engine) ReplaceAll(schedules map[string]Schedule) {
	next := copyMap(&schedules)
	e.ptr.Store(&next)
}

// List returns all schedules, sorted by name.
func (e *Engine) List() []Schedule {
	snap := e.snapshot()
	out := make([]Schedule, 0, len(snap))
	for _, s := range snap {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Warnings reports the names of misconfigured (KindInvalid) schedules
// currently installed, so a caller can surface them as a warning.
func (e *Engine) Warnings() []string {
	var out []string
	for _, s := range e.List() {
		if s.Kind == KindInvalid {
			out = append(out, s.Name)
		}
	}
	return out
}

// IsActive answers "is any freeze active at time T?", optionally scoped
// to namespace. When multiple schedules match, callers should use
// Message() to get a deterministic, lexicographically-ordered
// concatenation of their messages.
func (e *Engine) IsActive(now time.Time, namespace string) (bool, []Match) {
	snap := e.snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	var matches []Match
	for _, name := range names {
		s := snap[name]
		if namespace != "" && !s.appliesToNamespace(namespace) {
			continue
		}
		active, err := s.active(now)
		if err != nil || !active {
			continue
		}
		matches = append(matches, Match{Schedule: s})
	}
	return len(matches) > 0, matches
}

// Message concatenates the matched schedules' messages in
// lexicographic order of schedule name, giving deterministic output
// when more than one schedule is active at once.
func Message(matches []Match) string {
	sorted := make([]Match, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Schedule.Name < sorted[j].Schedule.Name })

	parts := make([]string, 0, len(sorted))
	for _, m := range sorted {
		if m.Schedule.Message != "" {
			parts = append(parts, m.Schedule.Message)
		} else {
			parts = append(parts, fmt.Sprintf("freeze schedule %q is active", m.Schedule.Name))
		}
	}
	return strings.Join(parts, "; ")
}

func copyMap(src *map[string]Schedule) map[string]Schedule {
	next := make(map[string]Schedule, len(*src)+1)
	for k, v := range *src {
		next[k] = v
	}
	return next
}
