package domain

import "errors"

var (
	ErrPeerNotFound         = errors.New("peer not found")
	ErrNegotiatorNotStarted = errors.New("negotiator not started")
	ErrAlreadyStarted       = errors.New("negotiator already started")
	ErrStaleGeneration      = errors.New("connection was torn down during operation")
	ErrRetriesExhausted     = errors.New("negotiation retries exhausted")
	ErrUnknownMessageType   = errors.New("unknown signaling message type")
	ErrSessionRequired      = errors.New("session id required")
	ErrRegistryClosed       = errors.New("registry closed")
)
