// Package supervisor implements the Session Supervisor: PTY lifecycle,
// output history ring, fan-out to subscribers, input injection, resize,
// and teardown for one Session, plus the Registry that owns the set of
// live sessions for the daemon.
//
// Each Session wires together the leaf packages, dependencies first:
// internal/ptyproc (PTY adapter), internal/history (output
// ring), internal/screen (headless VT), internal/detector (state
// classification), internal/autoapprove (the approval state machine) and
// internal/hooks (fire-and-forget status hooks), reporting through
// internal/eventbus.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ctrlplane/internal/activitylog"
	"ctrlplane/internal/autoapprove"
	"ctrlplane/internal/broker"
	"ctrlplane/internal/detector"
	"ctrlplane/internal/detector/strategy"
	"ctrlplane/internal/eventbus"
	"ctrlplane/internal/history"
	"ctrlplane/internal/hooks"
	"ctrlplane/internal/ptyproc"
	"ctrlplane/internal/screen"
	"ctrlplane/internal/sessionstate"
)

const (
	initialRows = 24
	initialCols = 80

	writeTimeout = 5 * time.Second
	stopGrace    = 3 * time.Second
)

// Spec describes a session to be created.
type Spec struct {
	Name              string
	WorktreePath      string
	AgentID           string
	DetectionStrategy strategy.Name
	Command           string
	Args              []string
	Env               map[string]string

	// Branch carries the session's git branch name, supplied opaquely by
	// the out-of-scope worktree/Git facade. Left empty when no facade is
	// wired; exposed to hooks as CTRLPLANE_BRANCH only when present.
	Branch string

	// Hooks names the shell command fired for each status this session
	// commits into.
	Hooks HookCommands

	// AutoApproveEnabled gates whether this session's AutoApprover may
	// ever enter pending_auto_approval. A disabled feature fully inhibits
	// the transition rather than merely failing verification by default.
	AutoApproveEnabled bool
	// AutoApproveEnabledFunc, when non-nil, is consulted instead of the
	// static AutoApproveEnabled flag — e.g. to layer an RRULE schedule
	// window (internal/schedule) on top of the feature flag.
	AutoApproveEnabledFunc func() bool
	Verifier               autoapprove.Verifier
	VerifierTimeout        time.Duration

	OutputHistoryCap int
	SampleInterval   time.Duration
	DwellInterval    time.Duration

	ActivityLogPath string
}

// HookCommands names the shell command fired for each status transition.
type HookCommands struct {
	Idle               string
	Busy               string
	WaitingInput       string
	PendingAutoApprove string
}

func (h HookCommands) forState(s sessionstate.State) string {
	switch s {
	case sessionstate.Idle:
		return h.Idle
	case sessionstate.Busy:
		return h.Busy
	case sessionstate.WaitingInput:
		return h.WaitingInput
	case sessionstate.PendingAutoApproval:
		return h.PendingAutoApprove
	default:
		return ""
	}
}

// ErrorKind distinguishes the synchronous failure modes of CreateSession.
type ErrorKind int

const (
	_ ErrorKind = iota
	InvalidPath
	SpawnFailed
)

// CreateError is returned by CreateSession on a synchronous failure.
type CreateError struct {
	Kind ErrorKind
	Err  error
}

func (e *CreateError) Error() string { return e.Err.Error() }
func (e *CreateError) Unwrap() error { return e.Err }

// Session owns exactly one PTY child and exactly one headless screen,
// and is destroyed as a unit: the PTY is killed iff the Session is.
type Session struct {
	ID                string
	Name              string
	WorktreePath      string
	AgentID           string
	DetectionStrategy strategy.Name
	Command           string
	Args              []string
	Branch            string
	CreatedAt         time.Time

	proc    *ptyproc.Proc
	history *history.Ring
	screen  *screen.Screen
	record  *sessionstate.Record
	ctrl    *autoapprove.Controller
	hookRun *hooks.Runner
	hookCmd HookCommands
	alog    *activitylog.Logger
	bus     *eventbus.Bus

	activeMu sync.Mutex
	isActive bool

	bytesMu   sync.Mutex
	bytesSubs map[int]func(id string, data []byte)
	nextSub   int

	cancel context.CancelFunc
	done   chan struct{}
}

// IsActive reports whether a viewer currently has focus on this session.
func (s *Session) IsActive() bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.isActive
}

// SetActive records whether a viewer currently has focus.
func (s *Session) SetActive(active bool) {
	s.activeMu.Lock()
	s.isActive = active
	s.activeMu.Unlock()
}

// State returns the session's current committed state.
func (s *Session) State() sessionstate.State { return s.record.State() }

// GetSnapshot returns the concatenation of the current output history
// ring — used by late subscribers.
func (s *Session) GetSnapshot() []byte { return s.history.Snapshot() }

// SubscribeBytes registers cb to be invoked with every chunk this session
// emits going forward, and returns a token for UnsubscribeBytes.
func (s *Session) SubscribeBytes(cb func(id string, data []byte)) int {
	s.bytesMu.Lock()
	defer s.bytesMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.bytesSubs[id] = cb
	return id
}

// UnsubscribeBytes removes a subscription registered with SubscribeBytes.
func (s *Session) UnsubscribeBytes(token int) {
	s.bytesMu.Lock()
	defer s.bytesMu.Unlock()
	delete(s.bytesSubs, token)
}

// SnapshotThenSubscribe atomically returns the current output history
// snapshot and registers cb for every chunk appended after this call,
// with no gap and no duplication: the snapshot is taken and the
// subscription installed under the same lock the reader task's fan-out
// holds, so no live chunk can land between the two from this session's
// point of view.
func (s *Session) SnapshotThenSubscribe(cb func(id string, data []byte)) (snapshot []byte, token int) {
	s.bytesMu.Lock()
	defer s.bytesMu.Unlock()
	snapshot = s.history.Snapshot()
	token = s.nextSub
	s.nextSub++
	s.bytesSubs[token] = cb
	return snapshot, token
}

// JoinBroker atomically joins sub to this session's room on b and
// delivers the current output history as sub's pre-join snapshot. It
// holds the same lock the reader task's fan-out holds while forwarding
// live chunks to the broker, so no chunk published after this call can
// ever be missed or duplicated relative to the delivered snapshot —
// unlike SubscribeBytes/SnapshotThenSubscribe, this does not
// register a second direct subscription: the session's one standing
// broker-forwarding subscriber (installed at creation) remains the sole
// producer of live bytes into b for this session.
func (s *Session) JoinBroker(b *broker.Broker, sub *broker.Subscriber) {
	s.bytesMu.Lock()
	defer s.bytesMu.Unlock()
	snapshot := s.history.Snapshot()
	b.Join(sub, s.ID)
	if len(snapshot) > 0 {
		sub.DeliverBytes(s.ID, snapshot)
	}
}

// WriteInput forwards bytes verbatim to the child's PTY master. No
// buffering, no interpretation. Cancels any in-flight auto-approval for
// this session first.
func (s *Session) WriteInput(data []byte) {
	s.ctrl.CancelForInput()
	_, _ = s.proc.Write(data, writeTimeout) // write-after-exit: silently discarded
}

// Resize resizes the PTY window and the headless screen to match.
// Resize-after-exit is silently discarded.
func (s *Session) Resize(rows, cols int) {
	_ = s.proc.Resize(rows, cols)
	s.screen.Resize(rows, cols)
}

// rows implements detector.RowsFunc / autoapprove.RowsFunc.
func (s *Session) rows(max int) []string { return s.screen.Rows(max) }

// send implements autoapprove.SendFunc: it writes the synthesized
// approval keystroke directly to the PTY, bypassing WriteInput's
// cancel-on-input path so the approval can never cancel itself.
func (s *Session) send(data []byte) error {
	_, err := s.proc.Write(data, writeTimeout)
	return err
}

// readLoop is the session's long-lived reader task: it drains the PTY
// child's output and performs the four-step bytes path — history append,
// screen feed, fan-out, exit handling — in order, serialized per-session.
func (s *Session) readLoop(onExit func()) {
	defer close(s.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			// (a)-(c) run under bytesMu so JoinBroker and
			// SnapshotThenSubscribe take their snapshot either before
			// this chunk is appended or after it has been fanned out,
			// never in between.
			s.bytesMu.Lock()

			// (a) history append. If this append dropped the oldest
			// chunk(s) to respect the cap, the screen can no longer
			// be advanced incrementally from chunk alone — it is
			// re-seeded from the surviving suffix instead of fed just
			// this one chunk, so it never reflects bytes the history no
			// longer retains.
			if s.history.Append(chunk) {
				s.screen.Reseed(s.history.Snapshot()) // (b) detector feed
			} else {
				s.screen.Write(chunk) // (b) detector feed
			}

			// (c) fan-out. Subscriber callbacks must be fast,
			// non-blocking sinks — the broker's bounded drop-oldest
			// queue is exactly that.
			for _, cb := range s.bytesSubs {
				cb(s.ID, chunk)
			}
			s.bytesMu.Unlock()
		}
		if err != nil {
			go s.proc.Wait() // reap the child and close the PTY master
			onExit()
			return
		}
	}
}

// onCommit runs under the record's lock, so it must not call back into
// s.record; the autoApprovalFailed flag it needs is handed in by the
// commit itself.
func (s *Session) onCommit(old, next sessionstate.State, autoApprovalFailed bool) {
	s.alog.StateChange(string(old), string(next))
	s.hookRun.Dispatch(s.ID, string(next), s.hookCmd.forState(next), s.hookEnv(next), func(status string) {
		s.alog.HookDispatch(string(next), status)
	})
	s.bus.Publish(eventbus.Event{Type: eventbus.SessionStateChanged, SessionID: s.ID, State: string(next)})
	if next == sessionstate.WaitingInput && !autoApprovalFailed {
		s.ctrl.Notify()
	}
}

func (s *Session) hookEnv(state sessionstate.State) map[string]string {
	env := map[string]string{
		"CTRLPLANE_SESSION_ID":   s.ID,
		"CTRLPLANE_SESSION_NAME": s.Name,
		"CTRLPLANE_WORKTREE":     s.WorktreePath,
		"CTRLPLANE_AGENT_ID":     s.AgentID,
		"CTRLPLANE_STATE":        string(state),
		"CTRLPLANE_HOOK_KIND":    string(state),
	}
	if s.Branch != "" {
		env["CTRLPLANE_BRANCH"] = s.Branch
	}
	return env
}

// Stop sends SIGTERM (or SIGKILL if the child outlives the grace window),
// cancels the reader, sampler and any verifier task, and releases the
// headless screen. Emits sessionDestroyed.
func (s *Session) Stop(reason string) {
	s.cancel()
	s.proc.Stop(stopGrace, s.done)
	<-s.done
	s.alog.SessionDestroyed(reason)
	s.bus.Publish(eventbus.Event{Type: eventbus.SessionDestroyed, SessionID: s.ID, Reason: reason})
	s.alog.Close()
}

// Registry owns the set of live sessions for the daemon, keyed by ID.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	hookRun  *hooks.Runner
	bus      *eventbus.Bus
}

// NewRegistry constructs an empty Registry. hookRun is shared by every
// session it creates; bus is the process-wide typed event bus (DESIGN
// NOTES: "singleton stores" replaced by an explicit value).
func NewRegistry(hookRun *hooks.Runner, bus *eventbus.Bus) *Registry {
	return &Registry{sessions: make(map[string]*Session), hookRun: hookRun, bus: bus}
}

// CreateSession spawns a PTY child with an 80x24 initial window in
// spec.WorktreePath, registers the Session, and emits sessionCreated.
func (r *Registry) CreateSession(spec Spec) (*Session, error) {
	if spec.WorktreePath == "" {
		return nil, &CreateError{Kind: InvalidPath, Err: fmt.Errorf("supervisor: worktree path is required")}
	}

	proc, err := ptyproc.Start(spec.Command, spec.Args, spec.WorktreePath, initialRows, initialCols, spec.Env)
	if err != nil {
		return nil, &CreateError{Kind: SpawnFailed, Err: fmt.Errorf("supervisor: spawn: %w", err)}
	}

	id := uuid.NewString()
	alog := activitylog.New(spec.ActivityLogPath != "", spec.ActivityLogPath, id)

	s := &Session{
		ID:                id,
		Name:              spec.Name,
		WorktreePath:      spec.WorktreePath,
		AgentID:           spec.AgentID,
		DetectionStrategy: spec.DetectionStrategy,
		Command:           spec.Command,
		Args:              spec.Args,
		Branch:            spec.Branch,
		CreatedAt:         time.Now(),
		proc:              proc,
		history:           history.New(spec.OutputHistoryCap),
		screen:            screen.New(initialRows, initialCols),
		hookRun:           r.hookRun,
		hookCmd:           spec.Hooks,
		alog:              alog,
		bus:               r.bus,
		bytesSubs:         make(map[int]func(string, []byte)),
		done:              make(chan struct{}),
	}
	s.record = sessionstate.New(sessionstate.Idle, s.onCommit)

	enabled := spec.AutoApproveEnabledFunc
	if enabled == nil {
		enabled = func() bool { return spec.AutoApproveEnabled }
	}
	onDecide := func(decision, reason string) { s.alog.AutoApproveDecision(decision, reason) }
	s.ctrl = autoapprove.New(s.record, s.rows, s.send, spec.Verifier, autoapprove.NewGuard(), spec.VerifierTimeout, enabled, onDecide)

	det := detector.New(s.rows, strategy.Resolve(spec.DetectionStrategy), s.record, spec.SampleInterval, spec.DwellInterval)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	go s.readLoop(func() { r.onChildExit(id) })
	go det.Run(ctx)
	go s.ctrl.Run(ctx)

	alog.SessionCreated(spec.Name, spec.WorktreePath, spec.AgentID)
	r.bus.Publish(eventbus.Event{Type: eventbus.SessionCreated, SessionID: id, Name: spec.Name, AgentID: spec.AgentID, WorktreePath: spec.WorktreePath})

	return s, nil
}

// onChildExit treats a child exit as a system-initiated StopSession.
func (r *Registry) onChildExit(id string) {
	if _, ok := r.Get(id); ok {
		go r.StopSession(id, "child exited")
	}
}

// Get returns the session with the given id, if live.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every currently-registered session. Order is unspecified.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// StopSession stops and removes the session with the given id. A second
// call, or a call for an unknown id, is a no-op.
func (r *Registry) StopSession(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Stop(reason)
}
