package services

import (
	"context"
	"testing"

	"stagelink/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSession(t *testing.T, local domain.PeerID, sessionID domain.SessionID) (*Session, *registryFixture) {
	t.Helper()
	f := newRegistryFixture(t, local)
	return NewSession(sessionID, f.registry, f.signaling, zaptest.NewLogger(t).Sugar()), f
}

func peersMessage(session domain.SessionID, ids ...domain.PeerID) domain.SignalMessage {
	return domain.SignalMessage{Type: domain.MessagePeers, SessionID: session, Peers: ids}
}

func TestSession_JoinAndLeave(t *testing.T) {
	s, f := newTestSession(t, "aaa", "stage")
	ctx := context.Background()

	require.NoError(t, s.Join(ctx))
	joins := f.signaling.ofType(domain.MessageJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, domain.PeerID("aaa"), joins[0].From)
	assert.Equal(t, domain.SessionID("stage"), joins[0].SessionID)

	require.NoError(t, s.HandleSignal(ctx, peersMessage("stage", "aaa", "bbb")))
	pc := f.conn(t, "bbb")

	require.NoError(t, s.Leave(ctx))
	assert.Len(t, f.signaling.ofType(domain.MessageLeave), 1)
	assert.True(t, pc.isClosed())
	assert.Empty(t, f.registry.Peers())
}

func TestSession_JoinRequiresSession(t *testing.T) {
	s, _ := newTestSession(t, "aaa", "")
	assert.ErrorIs(t, s.Join(context.Background()), domain.ErrSessionRequired)
}

func TestSession_PeersReconcile(t *testing.T) {
	s, f := newTestSession(t, "aaa", "stage")
	ctx := context.Background()

	require.NoError(t, s.HandleSignal(ctx, peersMessage("stage", "aaa", "bbb", "ccc")))
	assert.Equal(t, []domain.PeerID{"bbb", "ccc"}, f.registry.Peers())

	require.NoError(t, s.HandleSignal(ctx, peersMessage("other", "ddd")))
	assert.Equal(t, []domain.PeerID{"bbb", "ccc"}, f.registry.Peers())

	require.NoError(t, s.HandleSignal(ctx, peersMessage("stage", "aaa", "ccc")))
	assert.Equal(t, []domain.PeerID{"ccc"}, f.registry.Peers())
}

func TestSession_IgnoresMessagesForOthers(t *testing.T) {
	s, f := newTestSession(t, "aaa", "stage")
	ctx := context.Background()
	require.NoError(t, s.HandleSignal(ctx, peersMessage("stage", "aaa", "bbb")))

	offer := domain.NewDescriptionMessage("bbb", "ccc", remoteOffer("o"))
	require.NoError(t, s.HandleSignal(ctx, offer))

	assert.Empty(t, f.signaling.ofType(domain.MessageAnswer))
}

func TestSession_RejectsMalformed(t *testing.T) {
	s, _ := newTestSession(t, "aaa", "stage")
	ctx := context.Background()

	err := s.HandleSignal(ctx, domain.SignalMessage{Type: domain.MessageOffer, From: "bbb", To: "aaa"})
	assert.Error(t, err)

	err = s.HandleSignal(ctx, domain.SignalMessage{Type: "bogus", From: "bbb"})
	assert.ErrorIs(t, err, domain.ErrUnknownMessageType)

	assert.NoError(t, s.HandleSignal(ctx, domain.SignalMessage{Type: domain.MessageError, Error: "rate limited"}))
}

// relay delivers everything each side has queued to the other until both
// queues are empty.
func relay(t *testing.T, a, b *Session, aSig, bSig *recordingSignaling) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		fromA, fromB := aSig.drain(), bSig.drain()
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		for _, msg := range fromA {
			require.NoError(t, b.HandleSignal(ctx, msg))
		}
		for _, msg := range fromB {
			require.NoError(t, a.HandleSignal(ctx, msg))
		}
	}
	t.Fatal("signaling did not settle")
}

func TestSession_SimultaneousJoinScenario(t *testing.T) {
	ctx := context.Background()
	a, af := newTestSession(t, "aaa", "stage")
	b, bf := newTestSession(t, "bbb", "stage")

	require.NoError(t, a.HandleSignal(ctx, peersMessage("stage", "aaa", "bbb")))
	require.NoError(t, b.HandleSignal(ctx, peersMessage("stage", "aaa", "bbb")))

	aNeg, ok := af.registry.Negotiator("bbb")
	require.True(t, ok)
	bNeg, ok := bf.registry.Negotiator("aaa")
	require.True(t, ok)
	require.False(t, aNeg.Polite())
	require.True(t, bNeg.Polite())

	// both attach video at once
	require.NoError(t, af.registry.SetLocalVideoTrack(newTestTrack(t, domain.TrackKindVideo, "a-cam")))
	require.NoError(t, bf.registry.SetLocalVideoTrack(newTestTrack(t, domain.TrackKindVideo, "b-cam")))
	aConn, bConn := af.conn(t, "bbb"), bf.conn(t, "aaa")
	aConn.fireNegotiationNeeded()
	bConn.fireNegotiationNeeded()

	relay(t, a, b, af.signaling, bf.signaling)

	assert.Equal(t, webrtc.SignalingStateStable, aNeg.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, bNeg.SignalingState())

	// one agreed pair: aaa's offer answered by bbb
	aOffers := af.signaling.ofType(domain.MessageOffer)
	bAnswers := bf.signaling.ofType(domain.MessageAnswer)
	require.Len(t, aOffers, 1)
	require.Len(t, bAnswers, 1)
	assert.Empty(t, af.signaling.ofType(domain.MessageAnswer))
	assert.Equal(t, aOffers[0].Description.SDP, bConn.RemoteDescription().SDP)
	assert.Equal(t, bAnswers[0].Description.SDP, aConn.RemoteDescription().SDP)

	aConn.fireConnectionState(webrtc.PeerConnectionStateConnected)
	bConn.fireConnectionState(webrtc.PeerConnectionStateConnected)
	assert.Zero(t, aNeg.RetryCount())
	assert.Zero(t, bNeg.RetryCount())
	assert.Equal(t, 1, af.factory.count())
	assert.Equal(t, 1, bf.factory.count())
	assert.Empty(t, af.signaling.ofType(domain.MessageRestart))
	assert.Empty(t, bf.signaling.ofType(domain.MessageRestart))
}
