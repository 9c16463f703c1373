// Package activitylog writes structured JSONL records of session lifecycle,
// state transitions, auto-approval decisions, and hook dispatches. One
// Logger per session; writes are mutex-guarded appends to a single file.
package activitylog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Logger appends one JSON object per line to a log file. A disabled or
// file-less Logger is a no-op so callers never need a nil check.
type Logger struct {
	mu        sync.Mutex
	w         *os.File
	sessionID string
}

// New creates a Logger writing to logPath for one session. If enabled is
// false or the file cannot be opened, the returned Logger silently drops
// every entry.
func New(enabled bool, logPath, sessionID string) *Logger {
	l := &Logger{sessionID: sessionID}
	if !enabled {
		return l
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return l
	}
	l.w = f
	return l
}

// Nop returns a Logger that discards every entry.
func Nop() *Logger {
	return &Logger{}
}

type entry struct {
	Timestamp string `json:"ts"`
	SessionID string `json:"session_id"`
	Event     string `json:"event"`

	Name         string `json:"name,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`

	HookKind string `json:"hook_kind,omitempty"`
	Status   string `json:"status,omitempty"`
}

// SessionCreated logs that a session's PTY was spawned.
func (l *Logger) SessionCreated(name, worktreePath, agentID string) {
	l.log(entry{Event: "session_created", Name: name, WorktreePath: worktreePath, AgentID: agentID})
}

// SessionDestroyed logs that a session's PTY and resources were torn down.
func (l *Logger) SessionDestroyed(reason string) {
	l.log(entry{Event: "session_destroyed", Reason: reason})
}

// StateChange logs a committed session state transition.
func (l *Logger) StateChange(from, to string) {
	l.log(entry{Event: "state_change", From: from, To: to})
}

// AutoApproveDecision logs an auto-approval resolution: decision is one of
// "safe", "needs_human", "cancelled", or "timeout".
func (l *Logger) AutoApproveDecision(decision, reason string) {
	l.log(entry{Event: "auto_approve_decision", Decision: decision, Reason: reason})
}

// HookDispatch logs a HookRunner dispatch lifecycle event: status is one of
// "started", "coalesced", or "finished".
func (l *Logger) HookDispatch(hookKind, status string) {
	l.log(entry{Event: "hook_dispatch", HookKind: hookKind, Status: status})
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	return l.w.Close()
}

func (l *Logger) log(e entry) {
	if l.w == nil {
		return
	}
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	e.SessionID = l.sessionID

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(data)
}
