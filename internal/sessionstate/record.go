// Package sessionstate holds the single guarded value shared by the
// Detector, the AutoApprover, and writeInput: the session's state, its
// in-flight dwell candidate, the sticky autoApprovalFailed flag, and the
// cancellation handle for an in-flight verifier. Every read that makes a
// decision and every write that changes state goes through the same mutex,
// so transitions and their notifications can never be observed out of
// order and there is no TOCTOU window between observing
// pending_auto_approval and cancelling its verifier.
package sessionstate

import (
	"context"
	"sync"
	"time"
)

// State is one of the four session states.
type State string

const (
	Idle                State = "idle"
	Busy                State = "busy"
	WaitingInput        State = "waiting_input"
	PendingAutoApproval State = "pending_auto_approval"
)

// Record is the guarded state record for one session. The zero value is
// not usable; construct with New.
type Record struct {
	mu sync.Mutex

	state        State
	pendingState State
	hasPending   bool
	pendingSince time.Time

	autoApprovalFailed bool
	cancelVerifier     context.CancelFunc

	onCommit func(old, new State, autoApprovalFailed bool)
}

// New returns a Record starting in initial, calling onCommit (which may be
// nil) synchronously, under the record's lock, after every committed
// transition, so subscribers observe transitions in the order they were
// committed. autoApprovalFailed is the flag's value as of this commit,
// passed through so the callback can act on it without re-entering the
// record. onCommit must not block and must not call back into this
// Record — the lock is held and is not reentrant.
func New(initial State, onCommit func(old, new State, autoApprovalFailed bool)) *Record {
	return &Record{state: initial, onCommit: onCommit}
}

// State returns the current committed state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// AutoApprovalFailed reports whether auto-approval has already failed for
// the current waiting_input episode.
func (r *Record) AutoApprovalFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autoApprovalFailed
}

// Candidate feeds one Detector sample: candidate is the strategy's
// classification of the current screen, dwell is the minimum stability
// duration before a transition commits. Returns true if a transition was
// committed. While state is pending_auto_approval, Candidate never
// commits — that transition is owned exclusively by the AutoApprover.
func (r *Record) Candidate(candidate State, dwell time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == PendingAutoApproval {
		return false
	}
	if candidate == r.state {
		r.hasPending = false
		return false
	}
	now := time.Now()
	if !r.hasPending || r.pendingState != candidate {
		r.hasPending = true
		r.pendingState = candidate
		r.pendingSince = now
		return false
	}
	if now.Sub(r.pendingSince) < dwell {
		return false
	}
	r.commitLocked(candidate)
	return true
}

// EnterPendingApproval attempts waiting_input -> pending_auto_approval. It
// only succeeds when state is exactly waiting_input and
// autoApprovalFailed is false; cancel is stored so a later
// writeInput or verifier resolution can cancel the in-flight verifier
// without a race.
func (r *Record) EnterPendingApproval(cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != WaitingInput || r.autoApprovalFailed {
		return false
	}
	r.cancelVerifier = cancel
	r.commitLocked(PendingAutoApproval)
	return true
}

// ResolveSafe implements the anti-loop "force busy" transition: a single
// atomic update that sets state to busy, clears pending fields, and emits
// the commit notification. Any partial application of these three effects
// would re-open the auto-approval loop, so this must stay one critical
// section. No-op if state is not pending_auto_approval (e.g. already
// cancelled by user input).
func (r *Record) ResolveSafe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != PendingAutoApproval {
		return
	}
	r.cancelVerifier = nil
	r.commitLocked(Busy)
}

// ResolveNeedsHuman transitions pending_auto_approval -> waiting_input and
// marks autoApprovalFailed so the same prompt is not re-attempted until
// the session leaves waiting_input. No-op if already resolved otherwise.
func (r *Record) ResolveNeedsHuman() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != PendingAutoApproval {
		return
	}
	r.cancelVerifier = nil
	r.autoApprovalFailed = true
	r.commitLocked(WaitingInput)
}

// CancelForInput is called when writeInput arrives for this session. If a
// verifier is in flight (state is pending_auto_approval), it returns the
// verifier's cancel func for the caller to invoke, transitions back to
// waiting_input, and sets autoApprovalFailed. wasPending is false (and
// cancel nil) if no verifier was in flight, in which case the caller
// proceeds with the write as normal.
func (r *Record) CancelForInput() (cancel context.CancelFunc, wasPending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != PendingAutoApproval {
		return nil, false
	}
	cancel = r.cancelVerifier
	r.cancelVerifier = nil
	r.autoApprovalFailed = true
	r.commitLocked(WaitingInput)
	return cancel, true
}

func (r *Record) commitLocked(next State) {
	old := r.state
	r.state = next
	r.hasPending = false
	if old == WaitingInput && next != WaitingInput {
		r.autoApprovalFailed = false
	}
	if r.onCommit != nil {
		r.onCommit(old, next, r.autoApprovalFailed)
	}
}
