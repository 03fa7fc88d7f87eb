package services

import (
	"context"
	"sync"

	"stagelink/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// EventKind identifies the class of signaling event a listener cares about.
type EventKind string

const (
	EventDescription  EventKind = "description"
	EventICECandidate EventKind = "ice_candidate"
	EventRestart      EventKind = "restart"
)

// Event is an inbound signaling event for one remote peer.
type Event struct {
	Kind        EventKind
	PeerID      domain.PeerID
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
}

type Listener func(ctx context.Context, ev Event)

// ListenerID identifies a registration. Functions are not comparable in Go,
// so removal goes through the id returned by AddListener.
type ListenerID string

type listenerKey struct {
	peer domain.PeerID
	kind EventKind
}

type registration struct {
	id ListenerID
	fn Listener
}

// EventBroker fans signaling events out to listeners keyed by peer and kind.
type EventBroker struct {
	mu        sync.RWMutex
	listeners map[listenerKey][]registration
}

func NewEventBroker() *EventBroker {
	return &EventBroker{
		listeners: make(map[listenerKey][]registration),
	}
}

func (b *EventBroker) AddListener(peerID domain.PeerID, kind EventKind, fn Listener) ListenerID {
	id := ListenerID(uuid.NewString())
	key := listenerKey{peer: peerID, kind: kind}

	b.mu.Lock()
	b.listeners[key] = append(b.listeners[key], registration{id: id, fn: fn})
	b.mu.Unlock()

	return id
}

// RemoveListener drops a registration. Unknown ids are ignored.
func (b *EventBroker) RemoveListener(peerID domain.PeerID, kind EventKind, id ListenerID) {
	key := listenerKey{peer: peerID, kind: kind}

	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.listeners[key]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		// copy so in-flight dispatch snapshots stay intact
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, key)
		} else {
			b.listeners[key] = next
		}
		return
	}
}

// Dispatch invokes every listener registered for (ev.PeerID, ev.Kind) in
// registration order on the calling goroutine and returns how many ran.
func (b *EventBroker) Dispatch(ctx context.Context, ev Event) int {
	b.mu.RLock()
	regs := b.listeners[listenerKey{peer: ev.PeerID, kind: ev.Kind}]
	b.mu.RUnlock()

	for _, reg := range regs {
		reg.fn(ctx, ev)
	}
	return len(regs)
}

// ListenerCount returns the number of listeners for a peer and kind.
func (b *EventBroker) ListenerCount(peerID domain.PeerID, kind EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[listenerKey{peer: peerID, kind: kind}])
}
