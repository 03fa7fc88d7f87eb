package services

import (
	"context"
	"testing"

	"stagelink/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
)

func TestEventBroker_DispatchInOrder(t *testing.T) {
	broker := NewEventBroker()
	var calls []string

	broker.AddListener("bbb", EventDescription, func(context.Context, Event) { calls = append(calls, "first") })
	broker.AddListener("bbb", EventDescription, func(context.Context, Event) { calls = append(calls, "second") })
	broker.AddListener("bbb", EventRestart, func(context.Context, Event) { calls = append(calls, "restart") })
	broker.AddListener("ccc", EventDescription, func(context.Context, Event) { calls = append(calls, "other-peer") })

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	n := broker.Dispatch(context.Background(), Event{Kind: EventDescription, PeerID: "bbb", Description: &desc})

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestEventBroker_EventPayload(t *testing.T) {
	broker := NewEventBroker()
	var got Event
	broker.AddListener("bbb", EventICECandidate, func(_ context.Context, ev Event) { got = ev })

	candidate := &webrtc.ICECandidateInit{Candidate: "candidate:1"}
	broker.Dispatch(context.Background(), Event{Kind: EventICECandidate, PeerID: "bbb", Candidate: candidate})

	assert.Equal(t, domain.PeerID("bbb"), got.PeerID)
	assert.Same(t, candidate, got.Candidate)
}

func TestEventBroker_NoListeners(t *testing.T) {
	broker := NewEventBroker()
	assert.Zero(t, broker.Dispatch(context.Background(), Event{Kind: EventRestart, PeerID: "nobody"}))
}

func TestEventBroker_RemoveListener(t *testing.T) {
	broker := NewEventBroker()
	var calls []string

	first := broker.AddListener("bbb", EventRestart, func(context.Context, Event) { calls = append(calls, "first") })
	broker.AddListener("bbb", EventRestart, func(context.Context, Event) { calls = append(calls, "second") })
	assert.NotEqual(t, ListenerID(""), first)

	broker.RemoveListener("bbb", EventRestart, first)
	broker.RemoveListener("bbb", EventRestart, first)
	broker.RemoveListener("bbb", EventRestart, "unknown")
	broker.RemoveListener("zzz", EventDescription, "unknown")

	broker.Dispatch(context.Background(), Event{Kind: EventRestart, PeerID: "bbb"})
	assert.Equal(t, []string{"second"}, calls)
	assert.Equal(t, 1, broker.ListenerCount("bbb", EventRestart))
}

func TestEventBroker_RemoveDuringDispatch(t *testing.T) {
	broker := NewEventBroker()
	var calls []string
	var second ListenerID

	broker.AddListener("bbb", EventRestart, func(context.Context, Event) {
		calls = append(calls, "first")
		broker.RemoveListener("bbb", EventRestart, second)
	})
	second = broker.AddListener("bbb", EventRestart, func(context.Context, Event) { calls = append(calls, "second") })

	// the snapshot taken at dispatch time still includes the removed listener
	broker.Dispatch(context.Background(), Event{Kind: EventRestart, PeerID: "bbb"})
	assert.Equal(t, []string{"first", "second"}, calls)

	calls = nil
	broker.Dispatch(context.Background(), Event{Kind: EventRestart, PeerID: "bbb"})
	assert.Equal(t, []string{"first"}, calls)
}

func TestEventBroker_DistinctIDs(t *testing.T) {
	broker := NewEventBroker()
	fn := func(context.Context, Event) {}

	a := broker.AddListener("bbb", EventDescription, fn)
	b := broker.AddListener("bbb", EventDescription, fn)

	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, broker.ListenerCount("bbb", EventDescription))
}
