// Package broker implements the Subscription Broker: it multiplexes byte
// streams and state events from many sessions to many subscribers,
// isolating per-session rooms so a subscriber receives byte traffic only
// for sessions it has joined. State-change events are broadcast to every
// registered subscriber regardless of its current room, so list views
// stay coherent. A subscriber is registered by its first Join and stays
// registered until Disconnect; one that has never joined a room receives
// no events.
//
// Per the design note about callback-style fan-out on the byte path, each
// subscriber is a small broadcast primitive of its own: a bounded queue
// with a drop-oldest policy, so one slow subscriber can never stall a
// session's reader task.
package broker

import (
	"sync"

	"ctrlplane/internal/eventbus"
)

// BytesMsg is one chunk of a session's output, delivered to every
// subscriber in that session's room.
type BytesMsg struct {
	SessionID string
	Data      []byte
}

const (
	defaultBytesQueue  = 256
	defaultEventsQueue = 64
)

// Subscriber is one transport-side connection's mailbox. The transport
// layer drains Bytes() and Events() in its own goroutine; delivery into
// the mailbox never blocks the publisher.
type Subscriber struct {
	room string // guarded by the owning Broker's mutex

	bytesCh  chan BytesMsg
	eventsCh chan eventbus.Event
}

// NewSubscriber returns a Subscriber with the default queue depths.
func NewSubscriber() *Subscriber {
	return NewSubscriberSized(defaultBytesQueue, defaultEventsQueue)
}

// NewSubscriberSized returns a Subscriber with explicit queue depths.
func NewSubscriberSized(bytesQueue, eventsQueue int) *Subscriber {
	return &Subscriber{
		bytesCh:  make(chan BytesMsg, bytesQueue),
		eventsCh: make(chan eventbus.Event, eventsQueue),
	}
}

// Bytes is the channel the transport layer reads terminal_data from.
func (s *Subscriber) Bytes() <-chan BytesMsg { return s.bytesCh }

// Events is the channel the transport layer reads session_update from.
func (s *Subscriber) Events() <-chan eventbus.Event { return s.eventsCh }

// DeliverBytes pushes one chunk into the subscriber's bounded queue. If
// the queue is full, the oldest queued chunk is dropped to make room —
// never block, never grow unbounded.
func (s *Subscriber) DeliverBytes(sessionID string, data []byte) {
	msg := BytesMsg{SessionID: sessionID, Data: data}
	select {
	case s.bytesCh <- msg:
		return
	default:
	}
	select {
	case <-s.bytesCh:
	default:
	}
	select {
	case s.bytesCh <- msg:
	default:
	}
}

// DeliverEvent pushes one event into the subscriber's bounded event
// queue, with the same drop-oldest policy as DeliverBytes.
func (s *Subscriber) DeliverEvent(e eventbus.Event) {
	select {
	case s.eventsCh <- e:
		return
	default:
	}
	select {
	case <-s.eventsCh:
	default:
	}
	select {
	case s.eventsCh <- e:
	default:
	}
}

// Broker owns room membership and fan-out. The zero value is not usable;
// construct with New. One Broker is owned by the top-level daemon and
// shared by every session.
type Broker struct {
	mu    sync.Mutex
	rooms map[string]map[*Subscriber]struct{}
	all   map[*Subscriber]struct{}
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{
		rooms: make(map[string]map[*Subscriber]struct{}),
		all:   make(map[*Subscriber]struct{}),
	}
}

// Join adds sub to session:{sessionID}'s room. If sub was already in a
// different room on this broker, it is forced to leave that room first —
// a subscriber belongs to at most one session room at a time. Join does
// not itself deliver a snapshot; callers (internal/supervisor) must
// deliver the pre-join history via Subscriber.DeliverBytes under the same
// lock that serializes it against concurrent live chunks, so the snapshot
// always precedes the first post-join live chunk.
func (b *Broker) Join(sub *Subscriber, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.room != "" && sub.room != sessionID {
		b.removeFromRoomLocked(sub, sub.room)
	}
	if b.rooms[sessionID] == nil {
		b.rooms[sessionID] = make(map[*Subscriber]struct{})
	}
	b.rooms[sessionID][sub] = struct{}{}
	b.all[sub] = struct{}{}
	sub.room = sessionID
}

// Leave removes sub from session:{sessionID}'s room.
func (b *Broker) Leave(sub *Subscriber, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeFromRoomLocked(sub, sessionID)
}

// Disconnect drops sub from every room and from the broadcast registry.
func (b *Broker) Disconnect(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.room != "" {
		b.removeFromRoomLocked(sub, sub.room)
	}
	delete(b.all, sub)
}

func (b *Broker) removeFromRoomLocked(sub *Subscriber, sessionID string) {
	if room, ok := b.rooms[sessionID]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(b.rooms, sessionID)
		}
	}
	if sub.room == sessionID {
		sub.room = ""
	}
}

// PublishBytes delivers data to every subscriber currently in
// session:{sessionID}'s room, exactly once each, and to no one else.
func (b *Broker) PublishBytes(sessionID string, data []byte) {
	b.mu.Lock()
	room := b.rooms[sessionID]
	subs := make([]*Subscriber, 0, len(room))
	for s := range room {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.DeliverBytes(sessionID, data)
	}
}

// PublishEvent broadcasts e to every subscriber that has joined a room and
// not disconnected since, whether or not it is still in a room, so list
// views stay coherent. A subscriber that has never called Join is not
// registered and receives nothing.
func (b *Broker) PublishEvent(e eventbus.Event) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.all))
	for s := range b.all {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.DeliverEvent(e)
	}
}

// RoomSize reports how many subscribers are currently in a session's
// room. Intended for tests and diagnostics.
func (b *Broker) RoomSize(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[sessionID])
}
