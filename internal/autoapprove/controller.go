// Package autoapprove implements the Auto-Approval Controller: the
// state-driven protocol that gates, verifies, and confirms a safe prompt,
// including cancellation on user activity and the anti-loop safeguard
// that forces the session back to busy on success.
package autoapprove

import (
	"context"
	"time"

	"ctrlplane/internal/sessionstate"
)

// RowsFunc returns the current trailing rows of a session's headless
// screen, used as the verifier's input snapshot.
type RowsFunc func(max int) []string

// SendFunc writes bytes directly to the child's PTY, bypassing the
// cancel-on-input path used by the public writeInput entry point — the
// synthesized approval keystroke must never cancel itself.
type SendFunc func(data []byte) error

// DecisionFunc is called with a human-readable decision for every
// resolution: "safe", "needs_human", "cancelled", or "timeout".
type DecisionFunc func(decision, reason string)

// EnabledFunc reports whether auto-approval is currently permitted for
// this session (feature flag AND, if configured, an RRULE schedule
// window — see internal/schedule).
type EnabledFunc func() bool

// Controller runs one session's auto-approval state machine. Exactly zero
// or one verifier task is in flight at a time.
type Controller struct {
	record   *sessionstate.Record
	rows     RowsFunc
	send     SendFunc
	verifier Verifier
	guard    *Guard
	timeout  time.Duration
	enabled  EnabledFunc
	onDecide DecisionFunc

	trigger chan struct{}
	done    chan struct{}
}

// New constructs a Controller. timeout is the verifier budget; expiry is
// treated as needs-human.
func New(record *sessionstate.Record, rows RowsFunc, send SendFunc, verifier Verifier, guard *Guard, timeout time.Duration, enabled EnabledFunc, onDecide DecisionFunc) *Controller {
	if guard == nil {
		guard = NewGuard()
	}
	if enabled == nil {
		enabled = func() bool { return true }
	}
	if onDecide == nil {
		onDecide = func(string, string) {}
	}
	return &Controller{
		record:   record,
		rows:     rows,
		send:     send,
		verifier: verifier,
		guard:    guard,
		timeout:  timeout,
		enabled:  enabled,
		onDecide: onDecide,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Notify wakes the controller to consider starting an approval cycle. It
// is safe to call from within a sessionstate.Record onCommit callback: it
// never touches the Record directly, only signals this Controller's own
// goroutine. Non-blocking.
func (c *Controller) Notify() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run processes trigger signals until ctx is cancelled. Exactly one
// verifier round trip runs at a time; a Notify arriving mid-verification
// is coalesced (the trigger channel is buffered 1).
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
			c.attempt(ctx)
		}
	}
}

func (c *Controller) attempt(ctx context.Context) {
	if c.record.State() != sessionstate.WaitingInput || c.record.AutoApprovalFailed() {
		return
	}
	if !c.enabled() {
		return
	}

	text := joinRows(c.rows(50))

	verifyCtx, cancel := context.WithTimeout(ctx, c.timeout)
	if !c.record.EnterPendingApproval(cancel) {
		cancel()
		return
	}

	if flagged, reason := c.guard.Flags(text); flagged {
		cancel()
		c.record.ResolveNeedsHuman()
		c.onDecide("needs_human", reason)
		return
	}

	result, err := c.verifier.Verify(verifyCtx, text)
	cancelled := verifyCtx.Err() != nil
	cancel()

	switch {
	case cancelled:
		// Either a user keystroke cancelled us (CancelForInput already
		// moved the record back to waiting_input, so nothing is left to
		// do on the record) or our own timeout fired, in which case the
		// record is still pending_auto_approval and is resolved here as
		// needs-human.
		if c.record.State() == sessionstate.PendingAutoApproval {
			c.record.ResolveNeedsHuman()
			c.onDecide("timeout", "verifier exceeded its deadline")
		} else {
			c.onDecide("cancelled", "cancelled by user input")
		}
		return
	case err != nil:
		// A verifier that is unreachable or threw is treated identically
		// to "needs human", the conservative default.
		c.record.ResolveNeedsHuman()
		c.onDecide("needs_human", "verifier error: "+err.Error())
		return
	case result.NeedsPermission:
		c.record.ResolveNeedsHuman()
		c.onDecide("needs_human", result.Reason)
		return
	default:
		if err := c.send([]byte("\r")); err != nil {
			c.record.ResolveNeedsHuman()
			c.onDecide("needs_human", "failed to send approval keystroke: "+err.Error())
			return
		}
		c.record.ResolveSafe()
		c.onDecide("safe", result.Reason)
	}
}

// CancelForInput must be called by the Session Supervisor's writeInput
// path before forwarding bytes to the child. It cancels any in-flight
// verifier for this session and returns true if one was in fact in
// flight (in which case the record has already moved back to
// waiting_input with autoApprovalFailed set).
func (c *Controller) CancelForInput() bool {
	cancel, wasPending := c.record.CancelForInput()
	if cancel != nil {
		cancel()
	}
	return wasPending
}

func joinRows(rows []string) string {
	out := make([]byte, 0, 64*len(rows))
	for i, r := range rows {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, r...)
	}
	return string(out)
}
