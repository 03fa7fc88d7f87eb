package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

var errInvalidState = errors.New("invalid signaling state")

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) StreamID() string          { return "stream-" + t.id }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

// fakePeerConnection models the signaling state machine of a peer connection.
// Handlers only run when a test fires them.
type fakePeerConnection struct {
	label string
	id    int

	mu              sync.Mutex
	state           webrtc.SignalingState
	connState       webrtc.PeerConnectionState
	local           *webrtc.SessionDescription
	remote          *webrtc.SessionDescription
	offers          int
	offerOptions    []*webrtc.OfferOptions
	candidates      []webrtc.ICECandidateInit
	senders         []*fakeSender
	addCount        int
	removeCount     int
	closed          bool
	stats           webrtc.StatsReport
	remoteErr       error
	beforeSetRemote func()

	onNegotiationNeeded func()
	onICECandidate      func(*webrtc.ICECandidateInit)
	onConnectionState   func(webrtc.PeerConnectionState)
	onTrack             func(ports.RemoteTrack, *webrtc.RTPReceiver)
}

func newFakePeerConnection(label string, id int) *fakePeerConnection {
	return &fakePeerConnection{
		label:     label,
		id:        id,
		state:     webrtc.SignalingStateStable,
		connState: webrtc.PeerConnectionStateNew,
		stats:     webrtc.StatsReport{},
	}
}

func (f *fakePeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, errors.New("connection closed")
	}
	f.offers++
	f.offerOptions = append(f.offerOptions, options)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("%s-offer-%d-%d", f.label, f.id, f.offers)}, nil
}

func (f *fakePeerConnection) CreateAnswer(_ *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errInvalidState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("%s-answer-%d", f.label, f.id)}, nil
}

func (f *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case desc.Type == webrtc.SDPTypeRollback && desc.SDP == "":
		return fmt.Errorf("%w: rollback without sdp", errInvalidState)
	case desc.Type == webrtc.SDPTypeRollback && f.state == webrtc.SignalingStateHaveLocalOffer:
		f.state = webrtc.SignalingStateStable
		f.local = nil
	case desc.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveLocalOffer
		f.local = &desc
	case desc.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveRemoteOffer:
		f.state = webrtc.SignalingStateStable
		f.local = &desc
	default:
		return fmt.Errorf("%w: set local %s in %s", errInvalidState, desc.Type, f.state)
	}
	return nil
}

func (f *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	hook := f.beforeSetRemote
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteErr != nil {
		return f.remoteErr
	}

	switch {
	case desc.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveLocalOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: set remote %s in %s", errInvalidState, desc.Type, f.state)
	}
	f.remote = &desc
	return nil
}

func (f *fakePeerConnection) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePeerConnection) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePeerConnection) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}

func (f *fakePeerConnection) AddTrack(track webrtc.TrackLocal) (ports.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sender := &fakeSender{track: track}
	f.senders = append(f.senders, sender)
	f.addCount++
	return sender, nil
}

func (f *fakePeerConnection) RemoveTrack(sender ports.RTPSender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.senders {
		if s == sender {
			f.senders = append(f.senders[:i], f.senders[i+1:]...)
			f.removeCount++
			return nil
		}
	}
	return errors.New("unknown sender")
}

func (f *fakePeerConnection) GetStats() webrtc.StatsReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakePeerConnection) OnNegotiationNeeded(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onNegotiationNeeded = handler
}

func (f *fakePeerConnection) OnICECandidate(handler func(*webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICECandidate = handler
}

func (f *fakePeerConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnectionState = handler
}

func (f *fakePeerConnection) OnTrack(handler func(ports.RemoteTrack, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = handler
}

func (f *fakePeerConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = webrtc.SignalingStateClosed
	return nil
}

func (f *fakePeerConnection) fireNegotiationNeeded() {
	f.mu.Lock()
	h := f.onNegotiationNeeded
	f.mu.Unlock()
	h()
}

func (f *fakePeerConnection) fireICECandidate(c *webrtc.ICECandidateInit) {
	f.mu.Lock()
	h := f.onICECandidate
	f.mu.Unlock()
	h(c)
}

func (f *fakePeerConnection) fireConnectionState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	f.connState = state
	h := f.onConnectionState
	f.mu.Unlock()
	h(state)
}

func (f *fakePeerConnection) fireTrack(track ports.RemoteTrack) {
	f.mu.Lock()
	h := f.onTrack
	f.mu.Unlock()
	h(track, nil)
}

func (f *fakePeerConnection) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

func (f *fakePeerConnection) senderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.senders)
}

func (f *fakePeerConnection) sentTracks() []webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(f.senders))
	for _, s := range f.senders {
		out = append(out, s.Track())
	}
	return out
}

func (f *fakePeerConnection) removals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeCount
}

func (f *fakePeerConnection) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePeerConnection) setRemoteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteErr = err
}

func (f *fakePeerConnection) setStats(report webrtc.StatsReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = report
}

type fakeFactory struct {
	label     string
	mu        sync.Mutex
	conns     []*fakePeerConnection
	err       error
	configure func(*fakePeerConnection)
}

func (f *fakeFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := newFakePeerConnection(f.label, len(f.conns)+1)
	if f.configure != nil {
		f.configure(pc)
	}
	f.conns = append(f.conns, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// countingMetrics records how often each negotiation event happened.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (m *countingMetrics) inc(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
}

func (m *countingMetrics) get(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *countingMetrics) NegotiatorStarted() { m.inc("started") }
func (m *countingMetrics) NegotiatorStopped() { m.inc("stopped") }
func (m *countingMetrics) OfferSent()         { m.inc("offer") }
func (m *countingMetrics) AnswerSent()        { m.inc("answer") }
func (m *countingMetrics) CollisionIgnored()  { m.inc("collision_ignored") }
func (m *countingMetrics) Rollback()          { m.inc("rollback") }
func (m *countingMetrics) Restarted()         { m.inc("restarted") }
func (m *countingMetrics) RetriesExhausted()  { m.inc("exhausted") }
func (m *countingMetrics) ICERestarted()      { m.inc("ice_restart") }
func (m *countingMetrics) CandidateBuffered() { m.inc("candidate_buffered") }
func (m *countingMetrics) CandidateApplied(ok bool) {
	if ok {
		m.inc("candidate_applied")
	} else {
		m.inc("candidate_failed")
	}
}
func (m *countingMetrics) ConnectionStateChanged(state string) { m.inc("state_" + state) }
func (m *countingMetrics) SignalDropped(kind string)           { m.inc("dropped_" + kind) }
func (m *countingMetrics) RemoteTrackAdded(kind string)        { m.inc("track_" + kind) }

// outbox collects descriptions and candidates a negotiator emits.
type outbox struct {
	mu           sync.Mutex
	descriptions []webrtc.SessionDescription
	candidates   []*webrtc.ICECandidateInit
}

func (o *outbox) descs() []webrtc.SessionDescription {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), o.descriptions...)
}

func (o *outbox) cands() []*webrtc.ICECandidateInit {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*webrtc.ICECandidateInit(nil), o.candidates...)
}

func (o *outbox) lastDesc() webrtc.SessionDescription {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.descriptions[len(o.descriptions)-1]
}

// recordingSignaling queues outbound messages until a test drains them.
type recordingSignaling struct {
	mu    sync.Mutex
	sent  []domain.SignalMessage
	queue []domain.SignalMessage
	err   error
}

func (s *recordingSignaling) Send(_ context.Context, msg domain.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	s.queue = append(s.queue, msg)
	return nil
}

func (s *recordingSignaling) messages() []domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SignalMessage(nil), s.sent...)
}

func (s *recordingSignaling) ofType(t domain.MessageType) []domain.SignalMessage {
	var out []domain.SignalMessage
	for _, msg := range s.messages() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func (s *recordingSignaling) drain() []domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

var _ ports.SignalingChannel = (*recordingSignaling)(nil)
var _ ports.PeerConnection = (*fakePeerConnection)(nil)
var _ ports.NegotiationMetrics = (*countingMetrics)(nil)
