// Package schedule implements auto-approval availability windows: an
// operator-configured RRULE expression plus a duration describing when
// auto-approval is permitted for a session. Outside a configured window,
// the AutoApprover behaves as though the feature were disabled for that
// session: entry into pending_auto_approval is fully inhibited, not
// merely failed at verification.
package schedule

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// Window bounds when auto-approval is permitted: each occurrence of the
// RRULE marks the start of a permitted interval lasting Duration.
type Window struct {
	rule     *rrule.RRule
	duration time.Duration
}

// NewWindow parses an RRULE expression (e.g. "FREQ=DAILY;BYHOUR=9") and
// pairs it with the duration each occurrence stays open. A non-positive
// duration is invalid: a window that never stays open can never permit
// anything.
func NewWindow(rruleExpr string, dtstart time.Time, duration time.Duration) (*Window, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("schedule: duration must be positive, got %s", duration)
	}
	opt, err := rrule.StrToROption(rruleExpr)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse rrule %q: %w", rruleExpr, err)
	}
	opt.Dtstart = dtstart
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("schedule: build rrule %q: %w", rruleExpr, err)
	}
	return &Window{rule: rule, duration: duration}, nil
}

// Open reports whether now falls within the window opened by the most
// recent occurrence at or before now.
func (w *Window) Open(now time.Time) bool {
	last := w.rule.Before(now, true)
	if last.IsZero() {
		return false
	}
	return now.Before(last.Add(w.duration))
}

// EnabledFunc adapts a Window (or nil, meaning no schedule restriction)
// and a feature flag into the autoapprove.Controller's EnabledFunc shape:
// enabled only when the flag is set AND, if a window is configured, the
// window is currently open.
func EnabledFunc(flag bool, w *Window) func() bool {
	return func() bool {
		if !flag {
			return false
		}
		if w == nil {
			return true
		}
		return w.Open(time.Now())
	}
}
