package ports

import (
	"github.com/pion/webrtc/v3"
)

// RTPSender is the transport handle of one outbound track.
type RTPSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// RemoteTrack is an inbound track surfaced by a peer connection.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerConnection is the subset of a WebRTC peer connection the negotiator drives.
// Handlers may be invoked from any goroutine and must not be invoked while the
// implementation holds locks the caller could need.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	AddTrack(track webrtc.TrackLocal) (RTPSender, error)
	RemoveTrack(sender RTPSender) error
	GetStats() webrtc.StatsReport

	OnNegotiationNeeded(handler func())
	// OnICECandidate receives nil once gathering completes.
	OnICECandidate(handler func(candidate *webrtc.ICECandidateInit))
	OnConnectionStateChange(handler func(state webrtc.PeerConnectionState))
	OnTrack(handler func(track RemoteTrack, receiver *webrtc.RTPReceiver))

	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
