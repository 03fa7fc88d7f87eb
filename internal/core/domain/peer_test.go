package domain

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPolite_Symmetric(t *testing.T) {
	pairs := [][2]PeerID{
		{"aaa", "bbb"},
		{"peer-1", "peer-10"},
		{"Z", "a"},
		{"", "x"},
		{"3f2c", "3f2b"},
	}

	for _, p := range pairs {
		a, b := p[0], p[1]
		assert.NotEqual(t, IsPolite(a, b), IsPolite(b, a), "pair %q/%q", a, b)
	}
}

func TestIsPolite_Scenario(t *testing.T) {
	assert.False(t, IsPolite("aaa", "bbb"))
	assert.True(t, IsPolite("bbb", "aaa"))
}

func TestNewPeerSet_FiltersSelfAndDuplicates(t *testing.T) {
	set := NewPeerSet("me", []PeerID{"a", "me", "b", "a", ""})

	assert.Len(t, set, 2)
	assert.Equal(t, []PeerID{"a", "b"}, set.Sorted())
	assert.False(t, set.Contains("me"))
}

func TestDiffPeers(t *testing.T) {
	prev := NewPeerSet("me", []PeerID{"a", "b", "c"})
	next := NewPeerSet("me", []PeerID{"c", "d", "b", "e"})

	diff := DiffPeers(prev, next)

	assert.Equal(t, []PeerID{"d", "e"}, diff.Added)
	assert.Equal(t, []PeerID{"a"}, diff.Removed)
	assert.False(t, diff.Empty())
	assert.True(t, DiffPeers(next, next).Empty())
}

func TestNewDescriptionMessage_InfersType(t *testing.T) {
	offer := NewDescriptionMessage("a", "b", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	answer := NewDescriptionMessage("a", "b", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})

	assert.Equal(t, MessageOffer, offer.Type)
	assert.Equal(t, MessageAnswer, answer.Type)
	assert.Equal(t, PeerID("a"), answer.From)
	assert.Equal(t, PeerID("b"), answer.To)
	assert.True(t, answer.IsPeerAddressed())
}

func TestSignalMessage_WireShape(t *testing.T) {
	msg := NewICECandidateMessage("a", "b", nil)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "ice_candidate", generic["type"])
	assert.Equal(t, "a", generic["from"])
	assert.NotContains(t, generic, "candidate")
}

func TestTrackKindOf(t *testing.T) {
	assert.Equal(t, TrackKindVideo, TrackKindOf(webrtc.RTPCodecTypeVideo))
	assert.Equal(t, TrackKindAudio, TrackKindOf(webrtc.RTPCodecTypeAudio))
	assert.Equal(t, webrtc.RTPCodecTypeVideo, TrackKindVideo.CodecType())
}
