package domain

import "github.com/pion/webrtc/v3"

type MessageType string

const (
	MessageJoin         MessageType = "join"
	MessageLeave        MessageType = "leave"
	MessagePeers        MessageType = "peers"
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice_candidate"
	MessageRestart      MessageType = "restart"
	MessageError        MessageType = "error"
)

// SignalMessage is the envelope exchanged with the signaling relay.
// Description is set for offer/answer, Candidate for ice_candidate (nil means
// end of candidates), Peers for peers.
type SignalMessage struct {
	Type        MessageType                `json:"type"`
	From        PeerID                     `json:"from,omitempty"`
	To          PeerID                     `json:"to,omitempty"`
	SessionID   SessionID                  `json:"session_id,omitempty"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Peers       []PeerID                   `json:"peers,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// NewDescriptionMessage tags a local description for delivery to remote.
// The message type follows the description type.
func NewDescriptionMessage(from, to PeerID, desc webrtc.SessionDescription) SignalMessage {
	msgType := MessageOffer
	if desc.Type == webrtc.SDPTypeAnswer || desc.Type == webrtc.SDPTypePranswer {
		msgType = MessageAnswer
	}
	return SignalMessage{
		Type:        msgType,
		From:        from,
		To:          to,
		Description: &desc,
	}
}

func NewICECandidateMessage(from, to PeerID, candidate *webrtc.ICECandidateInit) SignalMessage {
	return SignalMessage{
		Type:      MessageICECandidate,
		From:      from,
		To:        to,
		Candidate: candidate,
	}
}

func NewRestartMessage(from, to PeerID) SignalMessage {
	return SignalMessage{
		Type: MessageRestart,
		From: from,
		To:   to,
	}
}

// IsPeerAddressed reports whether the message is routed to a single recipient.
func (m SignalMessage) IsPeerAddressed() bool {
	switch m.Type {
	case MessageOffer, MessageAnswer, MessageICECandidate, MessageRestart:
		return true
	default:
		return false
	}
}
