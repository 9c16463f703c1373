package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"ctrlplane/internal/broker"
	"ctrlplane/internal/detector/strategy"
	"ctrlplane/internal/eventbus"
	"ctrlplane/internal/supervisor"
)

const (
	readLimit    = 512 * 1024
	writeTimeout = 10 * time.Second
	commandQueue = 32
)

// Core is the subset of the daemon a Server needs: enough to resolve a
// session id to its live Session for room membership and I/O, without the
// transport depending on daemon construction/config concerns.
type Core interface {
	Get(id string) (*supervisor.Session, bool)
}

// Server upgrades HTTP connections to the room-scoped WebSocket protocol
// and relays Broker fan-out to each connection. One Server is shared by
// every connection; each connection gets its own broker.Subscriber and
// its own read/write/input goroutines.
type Server struct {
	registry Core
	broker   *broker.Broker
}

// New returns a Server wired to registry (for session lookup/I/O) and
// broker (for room membership and fan-out).
func New(registry Core, b *broker.Broker) *Server {
	return &Server{registry: registry, broker: b}
}

// ServeHTTP upgrades the request and serves the connection until the
// client disconnects or the request context is cancelled.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("ws: accept: %v", err)
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	ctx := r.Context()
	sub := broker.NewSubscriber()
	defer srv.broker.Disconnect(sub)

	c := &wsConn{
		srv:    srv,
		conn:   conn,
		sub:    sub,
		cmds:   make(chan command, commandQueue),
		inputs: make(chan inputMsg, commandQueue),
	}
	writeDone := make(chan struct{})
	inputDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writeLoop(ctx)
	}()
	go func() {
		defer close(inputDone)
		c.inputLoop(ctx)
	}()
	c.readLoop(ctx)
	<-writeDone
	<-inputDone

	// Disconnecting without an explicit unsubscribe_session is still a
	// loss of viewer focus. writeLoop has already exited by this point,
	// so c.joinedID is stable.
	if c.joinedID != "" {
		if s, ok := srv.registry.Get(c.joinedID); ok {
			s.SetActive(false)
		}
	}
}

type commandKind int

const (
	cmdSubscribe commandKind = iota
	cmdUnsubscribe
)

type command struct {
	kind      commandKind
	sessionID string
}

// wsConn is one upgraded WebSocket connection. The cmds/joinedID fields are
// mutated only from writeLoop's goroutine; cpr/cprSessionID are mutated
// only from inputLoop's goroutine. readLoop itself owns no connection
// state — it only decodes frames and forwards them as commands or input
// events to the goroutine that owns the relevant state.
type wsConn struct {
	srv    *Server
	conn   *websocket.Conn
	sub    *broker.Subscriber
	cmds   chan command
	inputs chan inputMsg

	joinedID string // writeLoop only: the session this connection is joined to

	cpr          *cprDebouncer // inputLoop only: per-connection CPR coalescing state
	cprSessionID string
}

// readLoop drains client frames, translating them into resize calls
// (no connection-local state needed), commands for writeLoop to apply
// (subscribe, unsubscribe), or input events for inputLoop to filter and
// forward.
func (c *wsConn) readLoop(ctx context.Context) {
	defer close(c.cmds)
	defer close(c.inputs)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var env clientEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case typeSubscribeSession:
			var msg subscribeSessionMsg
			if json.Unmarshal(data, &msg) == nil {
				c.send(ctx, command{kind: cmdSubscribe, sessionID: msg.SessionID})
			}
		case typeUnsubscribeSession:
			var msg subscribeSessionMsg
			if json.Unmarshal(data, &msg) == nil {
				c.send(ctx, command{kind: cmdUnsubscribe, sessionID: msg.SessionID})
			}
		case typeInput:
			var msg inputMsg
			if json.Unmarshal(data, &msg) == nil {
				c.sendInput(ctx, msg)
			}
		case typeResize:
			var msg resizeMsg
			if json.Unmarshal(data, &msg) == nil {
				if s, ok := c.srv.registry.Get(msg.SessionID); ok {
					s.Resize(msg.Rows, msg.Cols)
				}
			}
		default:
			log.Printf("ws: unknown client event %q", env.Type)
		}
	}
}

func (c *wsConn) send(ctx context.Context, cmd command) {
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
	}
}

func (c *wsConn) sendInput(ctx context.Context, msg inputMsg) {
	select {
	case c.inputs <- msg:
	case <-ctx.Done():
	}
}

// inputLoop applies terminal response filtering to the client-to-core
// path before any input reaches WriteInput: a local terminal
// emulator on the client side auto-generates Device Attributes, Mode
// Status, and Device Status replies whenever the child queries them, and
// those replies arrive back over the wire as ordinary "input" frames. Left
// unfiltered, the child would read its own query's answer as a phantom
// keystroke. Cursor Position Reports are additionally debounced
// (last-wins, ~100ms) for Claude sessions, whose box-drawing redraws
// query cursor position on nearly every frame; every other strategy
// forwards CPRs as-is.
func (c *wsConn) inputLoop(ctx context.Context) {
	defer func() {
		if c.cpr != nil {
			c.cpr.close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.cprTimerC():
			sessionID, report := c.cprSessionID, c.cpr.fire()
			c.forwardInput(sessionID, report)
		case msg, ok := <-c.inputs:
			if !ok {
				return
			}
			c.handleInput(msg)
		}
	}
}

func (c *wsConn) handleInput(msg inputMsg) {
	data := stripAutoReplies([]byte(msg.Data))

	s, ok := c.srv.registry.Get(msg.SessionID)
	if !ok {
		return
	}

	if s.DetectionStrategy != strategy.Claude {
		if len(data) > 0 {
			s.WriteInput(data)
		}
		return
	}

	if c.cpr == nil || c.cprSessionID != msg.SessionID {
		if c.cpr != nil {
			c.cpr.close()
		}
		c.cpr = newCPRDebouncer()
		c.cprSessionID = msg.SessionID
	}
	passthrough := c.cpr.feed(data)
	if len(passthrough) > 0 {
		s.WriteInput(passthrough)
	}
}

func (c *wsConn) forwardInput(sessionID string, report []byte) {
	if len(report) == 0 {
		return
	}
	if s, ok := c.srv.registry.Get(sessionID); ok {
		s.WriteInput(report)
	}
}

// handleSubscribe moves the connection into sessionID's room, delivering
// the pre-join snapshot as one terminal_data frame before any live chunk
// can reach it: Session.JoinBroker takes the snapshot and joins the
// room atomically, so no write from this session's reader task can land
// in between. Subscribing is this transport's definition of "a viewer has
// focus": the previously-joined session, if any, loses focus and the
// newly-joined one gains it.
func (c *wsConn) handleSubscribe(sessionID string) {
	s, ok := c.srv.registry.Get(sessionID)
	if !ok {
		return
	}
	if c.joinedID != "" && c.joinedID != sessionID {
		c.srv.broker.Leave(c.sub, c.joinedID)
		if prev, ok := c.srv.registry.Get(c.joinedID); ok {
			prev.SetActive(false)
		}
	}
	s.JoinBroker(c.srv.broker, c.sub)
	s.SetActive(true)
	c.joinedID = sessionID
}

func (c *wsConn) handleUnsubscribe(sessionID string) {
	c.srv.broker.Leave(c.sub, sessionID)
	if c.joinedID != sessionID {
		return
	}
	if s, ok := c.srv.registry.Get(sessionID); ok {
		s.SetActive(false)
	}
	c.joinedID = ""
}

// cprTimerC returns the debouncer's timer channel when one is armed for
// the current connection, or nil (a permanently-blocking case) when
// there is none — so the select below only wakes for it while relevant.
func (c *wsConn) cprTimerC() <-chan time.Time {
	if c.cpr == nil {
		return nil
	}
	return c.cpr.timerC()
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-c.cmds:
			if !ok {
				return
			}
			switch cmd.kind {
			case cmdSubscribe:
				c.handleSubscribe(cmd.sessionID)
			case cmdUnsubscribe:
				c.handleUnsubscribe(cmd.sessionID)
			}
		case msg, ok := <-c.sub.Bytes():
			if !ok {
				return
			}
			// Raw PTY output is relayed verbatim: terminal response
			// filtering applies to the inbound input path (inputLoop),
			// not to bytes flowing the other way.
			frame, err := marshalTerminalData(msg.SessionID, msg.Data)
			if err != nil {
				continue
			}
			if err := c.write(ctx, frame); err != nil {
				return
			}
		case e, ok := <-c.sub.Events():
			if !ok {
				return
			}
			// Only state transitions map to the wire protocol's
			// session_update frame; sessionCreated and sessionDestroyed
			// are in-process-API events, surfaced to clients via the
			// REST session list instead, so they are not relayed here.
			if e.Type != eventbus.SessionStateChanged || e.SessionID == "" {
				continue
			}
			frame, err := marshalSessionUpdate(e.SessionID, e.State)
			if err != nil {
				continue
			}
			if err := c.write(ctx, frame); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
