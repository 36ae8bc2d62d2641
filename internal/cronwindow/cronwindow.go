// Package cronwindow implements the cron evaluator: parsing a classic
// 5-field cron expression and testing whether a given instant falls
// inside the one-minute window it fires.
package cronwindow

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kubefreezer/kubefreezer/internal/kferrors"
)

// parser accepts the classic 5-field cron layout: minute hour dom month dow.
// Seconds and the @-macros are intentionally excluded; unknown syntax
// is rejected as an invalid cron expression rather than guessed at.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse validates a 5-field cron expression, returning kferrors.CronError
// wrapping kferrors.ErrInvalidCron on failure.
func Parse(expr string) (cron.Schedule, error) {
	sch, err := parser.Parse(expr)
	if err != nil {
		return nil, &kferrors.CronError{Field: fieldIndexFromError(expr, err), Expr: expr, Err: fmt.Errorf("%w: %q: %v", kferrors.ErrInvalidCron, expr, err)}
	}
	return sch, nil
}

// Matches reports whether instant, projected into tz, falls within the
// one-minute window a firing of expr covers.
func Matches(expr string, instant time.Time, tz string) (bool, error) {
	win, err := ActiveWindow(expr, instant, tz)
	if err != nil {
		return false, err
	}
	return win != nil, nil
}

// Window is the minute-aligned interval [Start, End) a cron firing
// covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// ActiveWindow returns the minute-aligned window containing instant if
// expr matches it in tz, or nil if it does not.
func ActiveWindow(expr string, instant time.Time, tz string) (*Window, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timezone %q: %v", kferrors.ErrInvalidCron, tz, err)
	}
	sch, err := Parse(expr)
	if err != nil {
		return nil, err
	}

	local := instant.In(loc).Truncate(time.Minute)
	// A schedule "fires" at local; robfig/cron's Next never returns its
	// argument, so probe from one minute earlier to see if local itself
	// is a firing minute.
	probe := local.Add(-time.Minute)
	next := sch.Next(probe)
	if !next.Equal(local) {
		return nil, nil
	}
	return &Window{Start: next, End: next.Add(time.Minute)}, nil
}

// NextActivation returns the smallest instant strictly after `after`
// (interpreted in tz) at which expr fires next, in UTC.
func NextActivation(expr string, after time.Time, tz string) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timezone %q: %v", kferrors.ErrInvalidCron, tz, err)
	}
	sch, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sch.Next(after.In(loc))
	return next.UTC(), nil
}

// fieldIndexFromError makes a best-effort guess at which of the five
// fields failed to parse, for diagnostics only; robfig/cron does not
// expose field-level error detail, so this degrades to -1 when it can't
// tell.
func fieldIndexFromError(expr string, _ error) int {
	fields := splitFields(expr)
	if len(fields) != 5 {
		return len(fields)
	}
	return -1
}

func splitFields(expr string) []string {
	var fields []string
	cur := ""
	for _, r := range expr {
		if r == ' ' || r == '\t' {
			if cur != "" {
				fields = append(fields, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		fields = append(fields, cur)
	}
	return fields
}
