// Package ws implements the room-scoped WebSocket transport: it upgrades
// an HTTP connection, translates client events into Broker/Registry
// calls, and relays Broker fan-out back out as the wire protocol the
// front-ends expect.
package ws

import (
	"encoding/json"
	"regexp"
	"time"
)

// clientEnvelope is the minimal discriminator every inbound frame carries.
type clientEnvelope struct {
	Type string `json:"type"`
}

const (
	typeSubscribeSession   = "subscribe_session"
	typeUnsubscribeSession = "unsubscribe_session"
	typeInput              = "input"
	typeResize             = "resize"

	typeTerminalData  = "terminal_data"
	typeSessionUpdate = "session_update"
)

type subscribeSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type inputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type resizeMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type terminalDataMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type sessionUpdateMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	State string `json:"state"`
}

func marshalTerminalData(sessionID string, data []byte) ([]byte, error) {
	return json.Marshal(terminalDataMsg{Type: typeTerminalData, SessionID: sessionID, Data: string(data)})
}

func marshalSessionUpdate(id, state string) ([]byte, error) {
	return json.Marshal(sessionUpdateMsg{Type: typeSessionUpdate, ID: id, State: state})
}

// deviceAttributes matches both primary (ESC[?...c) and secondary
// (ESC[>...c) Device Attributes responses.
var deviceAttributes = regexp.MustCompile(`\x1b\[[?>][0-9;]*c`)

// modeStatusReport matches a DECRPM Mode Status Report: ESC [ ? ...; ... $ y
var modeStatusReport = regexp.MustCompile(`\x1b\[\?[0-9;]*\$y`)

// deviceStatusReport matches the "terminal OK" (ESC[0n) and printer
// status (ESC[3n) Device Status Reports.
var deviceStatusReport = regexp.MustCompile(`\x1b\[[03]n`)

// cursorPositionReport matches ESC [ row ; col R.
var cursorPositionReport = regexp.MustCompile(`\x1b\[([0-9]+);([0-9]+)R`)

// stripAutoReplies removes the terminal-to-host response sequences a
// client-side emulator auto-generates from the inbound input stream
// before it reaches the child: left in place, the child would read the
// answers to its own Device Attributes / status queries as phantom
// keystrokes.
//
// Cursor Position Reports are handled separately: they are forwarded
// as-is for every strategy except claude, where a cprDebouncer coalesces
// them since Claude Code's box-drawing redraws query cursor position on
// nearly every frame.
func stripAutoReplies(data []byte) []byte {
	data = deviceAttributes.ReplaceAll(data, nil)
	data = modeStatusReport.ReplaceAll(data, nil)
	data = deviceStatusReport.ReplaceAll(data, nil)
	return data
}

const cprDebounce = 100 * time.Millisecond

// cprDebouncer coalesces Cursor Position Reports for Claude sessions:
// only the last one seen within the debounce window is ever
// forwarded. It is not safe for concurrent use — a Server keeps exactly
// one per connection and drives it from the connection's single input
// goroutine, so the debounce timer is just more state in that goroutine's
// select loop rather than a second goroutine racing to write the PTY.
type cprDebouncer struct {
	pending []byte
	timer   *time.Timer
	armed   bool
}

func newCPRDebouncer() *cprDebouncer {
	t := time.NewTimer(cprDebounce)
	t.Stop()
	return &cprDebouncer{timer: t}
}

// timerC is the channel the owning goroutine's select should wait on
// alongside its other cases; it only ever fires while a report is armed.
func (d *cprDebouncer) timerC() <-chan time.Time { return d.timer.C }

// feed splits data into non-CPR passthrough, returned immediately, and
// its CPR matches, which are not returned: each one is (re)armed on the
// debounce timer in turn, replacing (not forwarding) any report armed
// before it, so only the newest is kept.
func (d *cprDebouncer) feed(data []byte) (passthrough []byte) {
	for {
		loc := cursorPositionReport.FindIndex(data)
		if loc == nil {
			passthrough = append(passthrough, data...)
			return passthrough
		}
		passthrough = append(passthrough, data[:loc[0]]...)
		d.arm(data[loc[0]:loc[1]])
		data = data[loc[1]:]
	}
}

func (d *cprDebouncer) arm(report []byte) {
	if d.armed && !d.timer.Stop() {
		<-d.timer.C
	}
	d.pending = append(d.pending[:0], report...)
	d.timer.Reset(cprDebounce)
	d.armed = true
}

// fire returns the currently armed report, if any, and disarms.
func (d *cprDebouncer) fire() []byte {
	d.armed = false
	return d.pending
}

func (d *cprDebouncer) close() {
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
}
