package ports

import (
	"context"

	"stagelink/internal/core/domain"
)

// SignalingChannel delivers messages to remote peers. Delivery is at-least-once
// and unordered; retries are the transport's concern.
type SignalingChannel interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
}

// NegotiationMetrics receives negotiation events for observability.
type NegotiationMetrics interface {
	NegotiatorStarted()
	NegotiatorStopped()
	OfferSent()
	AnswerSent()
	CollisionIgnored()
	Rollback()
	Restarted()
	RetriesExhausted()
	ICERestarted()
	CandidateBuffered()
	CandidateApplied(ok bool)
	ConnectionStateChanged(state string)
	SignalDropped(kind string)
	RemoteTrackAdded(kind string)
}
