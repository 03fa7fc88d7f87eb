package webrtc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/services"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSerialQueue_PreservesOrder(t *testing.T) {
	q := newSerialQueue()
	defer q.close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		q.push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerialQueue_DropsAfterClose(t *testing.T) {
	q := newSerialQueue()
	q.close()
	q.close()

	var ran atomic.Bool
	q.push(func() { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestPeerConnectionFactory_InvalidPortRange(t *testing.T) {
	cfg := Config{}
	cfg.PortRange.Min = 6000
	cfg.PortRange.Max = 5000

	_, err := NewPeerConnectionFactory(cfg, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

// pipe delivers signaling from one negotiator to another in order.
func pipe(ctx context.Context, in <-chan domain.SignalMessage, to *services.Negotiator) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in:
			switch msg.Type {
			case domain.MessageOffer, domain.MessageAnswer:
				_ = to.SetDescription(ctx, *msg.Description)
			case domain.MessageICECandidate:
				to.AddCandidate(msg.Candidate)
			}
		}
	}
}

func TestNegotiators_ConvergeOverPion(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	factory, err := NewPeerConnectionFactory(Config{}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aToB := make(chan domain.SignalMessage, 256)
	bToA := make(chan domain.SignalMessage, 256)
	var answers atomic.Int32

	newNegotiator := func(local, remote domain.PeerID, out chan<- domain.SignalMessage) *services.Negotiator {
		return services.NewNegotiator(services.NegotiatorConfig{
			LocalID:  local,
			RemoteID: remote,
			Polite:   domain.IsPolite(local, remote),
			Factory:  factory,
			SendDescription: func(_ context.Context, desc webrtc.SessionDescription) {
				if desc.Type == webrtc.SDPTypeAnswer {
					answers.Add(1)
				}
				out <- domain.NewDescriptionMessage(local, remote, desc)
			},
			SendICECandidate: func(_ context.Context, c *webrtc.ICECandidateInit) {
				if c != nil {
					out <- domain.NewICECandidateMessage(local, remote, c)
				}
			},
			Logger: logger,
		})
	}

	a := newNegotiator("aaa", "bbb", aToB)
	b := newNegotiator("bbb", "aaa", bToA)
	go pipe(ctx, aToB, b)
	go pipe(ctx, bToA, a)

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Stop()
	defer b.Stop()

	newTrack := func(id string) webrtc.TrackLocal {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "stagelink")
		require.NoError(t, err)
		return track
	}
	require.NoError(t, a.SetVideoTrack(newTrack("a-cam")))
	require.NoError(t, b.SetVideoTrack(newTrack("b-cam")))

	require.Eventually(t, func() bool {
		return answers.Load() > 0 &&
			a.SignalingState() == webrtc.SignalingStateStable &&
			b.SignalingState() == webrtc.SignalingStateStable &&
			a.Phase() == services.PhaseStable &&
			b.Phase() == services.PhaseStable
	}, 10*time.Second, 20*time.Millisecond)

	assert.Zero(t, a.RetryCount())
	assert.Zero(t, b.RetryCount())
}

func TestNegotiator_PoliteRollbackOverPion(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	factory, err := NewPeerConnectionFactory(Config{}, logger)
	require.NoError(t, err)
	ctx := context.Background()

	newTrack := func(id string) webrtc.TrackLocal {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "stagelink")
		require.NoError(t, err)
		return track
	}

	var mu sync.Mutex
	var sent []webrtc.SessionDescription
	var terminals atomic.Int32
	polite := services.NewNegotiator(services.NegotiatorConfig{
		LocalID:  "bbb",
		RemoteID: "aaa",
		Polite:   true,
		Factory:  factory,
		SendDescription: func(_ context.Context, desc webrtc.SessionDescription) {
			mu.Lock()
			sent = append(sent, desc)
			mu.Unlock()
		},
		SendICECandidate: func(context.Context, *webrtc.ICECandidateInit) {},
		OnTerminal:       func(error) { terminals.Add(1) },
		Logger:           logger,
	})
	require.NoError(t, polite.Start())
	defer polite.Stop()

	require.NoError(t, polite.SetVideoTrack(newTrack("b-cam")))
	require.NoError(t, polite.CreateOffer(ctx))
	require.Eventually(t, func() bool {
		return polite.SignalingState() == webrtc.SignalingStateHaveLocalOffer
	}, 5*time.Second, 10*time.Millisecond)

	remote, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer func() { _ = remote.Close() }()
	_, err = remote.AddTrack(newTrack("a-cam"))
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	// the polite side must roll its own offer back and answer
	require.NoError(t, polite.SetDescription(ctx, *remote.LocalDescription()))

	mu.Lock()
	var answered bool
	for _, desc := range sent {
		answered = answered || desc.Type == webrtc.SDPTypeAnswer
	}
	mu.Unlock()
	assert.True(t, answered)
	assert.Zero(t, polite.RetryCount(), "rollback must not count as a failure")
	assert.NotEqual(t, services.PhaseFailed, polite.Phase())
	assert.Zero(t, terminals.Load())
}
