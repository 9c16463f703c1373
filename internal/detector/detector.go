// Package detector is the State Detector: it samples a session's headless
// screen on a fixed cadence, classifies it with a per-agent strategy
// function, and commits dwell-stable transitions into the session's
// shared state record.
package detector

import (
	"context"
	"time"

	"ctrlplane/internal/detector/strategy"
	"ctrlplane/internal/sessionstate"
)

// MaxRows caps how many trailing screen rows are handed to a strategy:
// typically the terminal viewport, never more than this.
const MaxRows = 50

// RowsFunc returns the current trailing rows of a session's headless
// screen, most recent last, capped at max rows.
type RowsFunc func(max int) []string

// Detector runs one session's sampler task.
type Detector struct {
	rows     RowsFunc
	strategy strategy.Func
	record   *sessionstate.Record
	sample   time.Duration
	dwell    time.Duration
}

// New constructs a Detector for one session. rows supplies the screen
// content to sample, strat is the resolved per-agent classifier, record
// is the session's shared state, sample is the sampling cadence
// (SAMPLE_MS) and dwell is the commit hysteresis (DWELL_MS).
func New(rows RowsFunc, strat strategy.Func, record *sessionstate.Record, sample, dwell time.Duration) *Detector {
	return &Detector{rows: rows, strategy: strat, record: record, sample: sample, dwell: dwell}
}

// Tick performs one sample-classify-commit cycle.
func (d *Detector) Tick() {
	candidate := toState(d.strategy(d.rows(MaxRows)))
	d.record.Candidate(candidate, d.dwell)
}

func toState(c strategy.Candidate) sessionstate.State {
	switch c {
	case strategy.Busy:
		return sessionstate.Busy
	case strategy.WaitingInput:
		return sessionstate.WaitingInput
	default:
		return sessionstate.Idle
	}
}

// Run ticks the Detector at its sampling cadence until ctx is cancelled.
// This is the session's long-lived sampler task: one per session,
// cancelled when the session stops.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sample)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}
