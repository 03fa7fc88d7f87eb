package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
	"stagelink/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DefaultRetryLimit bounds automatic restarts after negotiation failures.
const DefaultRetryLimit = 10

// Phase is the coarse lifecycle state of a negotiator.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStable
	PhaseNegotiating
	PhaseRestarting
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStable:
		return "stable"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseRestarting:
		return "restarting"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// NegotiationError is the result of a failed negotiation step. Terminal is
// set once the retry budget is spent; the connection then stays broken until
// it is recreated.
type NegotiationError struct {
	Op       string
	Peer     domain.PeerID
	Attempt  int
	Terminal bool
	Err      error
}

func (e *NegotiationError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("negotiation with %s failed permanently at %s after %d attempts: %v", e.Peer, e.Op, e.Attempt, e.Err)
	}
	return fmt.Sprintf("negotiation with %s failed at %s (attempt %d): %v", e.Peer, e.Op, e.Attempt, e.Err)
}

func (e *NegotiationError) Unwrap() []error {
	if e.Terminal {
		return []error{domain.ErrRetriesExhausted, e.Err}
	}
	return []error{e.Err}
}

// NegotiatorConfig wires a negotiator to its transport and to the outside world.
// Callbacks are optional and are never invoked with internal locks held except
// OnRestart and OnTerminal, which run while the operation lock is held and so
// must not call back into the same negotiator synchronously.
type NegotiatorConfig struct {
	LocalID    domain.PeerID
	RemoteID   domain.PeerID
	Polite     bool
	RetryLimit int

	Factory ports.PeerConnectionFactory

	SendDescription         func(ctx context.Context, desc webrtc.SessionDescription)
	SendICECandidate        func(ctx context.Context, candidate *webrtc.ICECandidateInit)
	OnTrack                 func(track ports.RemoteTrack, receiver *webrtc.RTPReceiver)
	OnRestart               func()
	OnTerminal              func(err error)
	OnConnectionStateChange func(state webrtc.PeerConnectionState)

	Metrics ports.NegotiationMetrics
	Logger  *zap.SugaredLogger
}

// Negotiator owns one peer connection to one remote peer and runs perfect
// negotiation on it.
//
// opMu serializes negotiation operations. mu guards the fields below it and is
// the only lock Stop takes, so teardown never waits for an in-flight operation;
// such operations notice the generation change and drop their results.
type Negotiator struct {
	cfg     NegotiatorConfig
	log     *zap.SugaredLogger
	metrics ports.NegotiationMetrics

	opMu sync.Mutex

	mu                           sync.Mutex
	pc                           ports.PeerConnection
	generation                   uint64
	phase                        Phase
	makingOffer                  bool
	isSettingRemoteAnswerPending bool
	retryCount                   int
	pending                      []webrtc.ICECandidateInit
	senders                      map[domain.TrackKind]ports.RTPSender
	tracks                       map[domain.TrackKind]webrtc.TrackLocal
}

func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Negotiator{
		cfg:     cfg,
		log:     logger.With("remote_peer", cfg.RemoteID, "polite", cfg.Polite),
		metrics: cfg.Metrics,
		phase:   PhaseIdle,
		senders: make(map[domain.TrackKind]ports.RTPSender),
		tracks:  make(map[domain.TrackKind]webrtc.TrackLocal),
	}
}

// Start creates the peer connection, registers its handlers and re-attaches
// the most recently requested local tracks.
func (n *Negotiator) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.startLocked()
}

// Stop tears the connection down. Safe to call repeatedly.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	pc := n.stopLocked()
	n.mu.Unlock()

	n.closeConnection(pc)
}

// Restart replaces the peer connection with a fresh one.
func (n *Negotiator) Restart() error {
	n.mu.Lock()
	old := n.stopLocked()
	n.phase = PhaseRestarting
	err := n.startLocked()
	n.mu.Unlock()

	n.closeConnection(old)
	return err
}

func (n *Negotiator) startLocked() error {
	if n.pc != nil {
		return domain.ErrAlreadyStarted
	}

	pc, err := n.cfg.Factory.NewPeerConnection()
	if err != nil {
		n.phase = PhaseIdle
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	n.generation++
	gen := n.generation
	n.pc = pc
	n.resetLocked()
	n.phase = PhaseStable

	pc.OnNegotiationNeeded(func() { n.handleNegotiationNeeded(gen) })
	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) { n.handleLocalCandidate(gen, c) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { n.handleConnectionState(gen, s) })
	pc.OnTrack(func(t ports.RemoteTrack, r *webrtc.RTPReceiver) { n.handleTrack(gen, t, r) })

	for _, kind := range []domain.TrackKind{domain.TrackKindVideo, domain.TrackKindAudio} {
		track := n.tracks[kind]
		if track == nil {
			continue
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			n.log.Warnw("failed to re-attach local track", "kind", kind, "error", err)
			continue
		}
		n.senders[kind] = sender
	}

	n.metrics.NegotiatorStarted()
	n.log.Debugw("peer connection started", "generation", gen)
	return nil
}

func (n *Negotiator) stopLocked() ports.PeerConnection {
	pc := n.pc
	if pc == nil {
		return nil
	}

	// handlers registered for the old generation turn into no-ops
	n.generation++
	for kind, sender := range n.senders {
		if err := pc.RemoveTrack(sender); err != nil {
			n.log.Debugw("failed to remove sender", "kind", kind, "error", err)
		}
	}
	n.pc = nil
	n.resetLocked()
	n.phase = PhaseIdle

	n.metrics.NegotiatorStopped()
	return pc
}

func (n *Negotiator) resetLocked() {
	n.makingOffer = false
	n.isSettingRemoteAnswerPending = false
	n.pending = nil
	n.senders = make(map[domain.TrackKind]ports.RTPSender)
}

func (n *Negotiator) closeConnection(pc ports.PeerConnection) {
	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		n.log.Warnw("failed to close peer connection", "error", err)
	}
}

func (n *Negotiator) isCurrent(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return gen == n.generation && n.pc != nil
}

// CreateOffer makes and emits a local offer if the connection is ready for one.
func (n *Negotiator) CreateOffer(ctx context.Context) error {
	return n.negotiate(ctx, "create_offer", nil)
}

// RestartICE renegotiates the existing connection with fresh ICE credentials.
func (n *Negotiator) RestartICE(ctx context.Context) error {
	n.metrics.ICERestarted()
	return n.negotiate(ctx, "ice_restart", &webrtc.OfferOptions{ICERestart: true})
}

func (n *Negotiator) negotiate(ctx context.Context, op string, opts *webrtc.OfferOptions) error {
	ctx, span := tracing.TraceNegotiation(ctx, op, string(n.cfg.LocalID), string(n.cfg.RemoteID), n.cfg.Polite)
	defer span.End()

	offer, err := n.makeOffer(op, opts)
	if err != nil {
		tracing.RecordError(ctx, err)
		if !errors.Is(err, domain.ErrStaleGeneration) {
			n.log.Warnw("failed to create offer", "op", op, "error", err)
		}
		return err
	}
	if offer == nil {
		return nil
	}

	n.emitDescription(ctx, *offer)
	n.metrics.OfferSent()
	return nil
}

func (n *Negotiator) makeOffer(op string, opts *webrtc.OfferOptions) (*webrtc.SessionDescription, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.mu.Lock()
	pc, gen := n.pc, n.generation
	if pc == nil {
		n.mu.Unlock()
		return nil, domain.ErrNegotiatorNotStarted
	}
	if n.makingOffer || pc.SignalingState() != webrtc.SignalingStateStable {
		n.mu.Unlock()
		return nil, nil
	}
	n.makingOffer = true
	n.markNegotiatingLocked()
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		if gen == n.generation {
			n.makingOffer = false
			n.syncPhaseLocked()
		}
		n.mu.Unlock()
	}()

	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return nil, &NegotiationError{Op: op, Peer: n.cfg.RemoteID, Err: err}
	}
	if !n.isCurrent(gen) {
		return nil, domain.ErrStaleGeneration
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, &NegotiationError{Op: op, Peer: n.cfg.RemoteID, Err: err}
	}
	if !n.isCurrent(gen) {
		return nil, domain.ErrStaleGeneration
	}

	if local := pc.LocalDescription(); local != nil {
		offer = *local
	}
	return &offer, nil
}

// SetDescription applies a remote offer or answer, resolving offer collisions
// by politeness. A colliding offer on the impolite side is ignored and nil is
// returned. Failures trigger a bounded restart; the returned error is a
// *NegotiationError describing whether the failure was terminal.
func (n *Negotiator) SetDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	ctx, span := tracing.TraceNegotiation(ctx, "set_description", string(n.cfg.LocalID), string(n.cfg.RemoteID), n.cfg.Polite)
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.DescriptionKey.String(desc.Type.String()))

	answer, err := n.setDescription(desc)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if answer != nil {
		n.emitDescription(ctx, *answer)
		n.metrics.AnswerSent()
	}
	return nil
}

func (n *Negotiator) setDescription(desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.mu.Lock()
	pc, gen := n.pc, n.generation
	if pc == nil {
		n.mu.Unlock()
		return nil, domain.ErrNegotiatorNotStarted
	}
	readyToReceiveOffer := !n.makingOffer &&
		(pc.SignalingState() == webrtc.SignalingStateStable || n.isSettingRemoteAnswerPending)
	offerCollision := desc.Type == webrtc.SDPTypeOffer && !readyToReceiveOffer
	if !n.cfg.Polite && offerCollision {
		n.mu.Unlock()
		n.metrics.CollisionIgnored()
		return nil, nil
	}
	n.isSettingRemoteAnswerPending = desc.Type == webrtc.SDPTypeAnswer
	n.markNegotiatingLocked()
	n.mu.Unlock()

	answer, op, err := n.applyRemote(pc, gen, desc, offerCollision)
	if err != nil {
		return nil, n.handleFailure(op, gen, err)
	}
	return answer, nil
}

func (n *Negotiator) applyRemote(pc ports.PeerConnection, gen uint64, desc webrtc.SessionDescription, rollback bool) (*webrtc.SessionDescription, string, error) {
	if rollback {
		// pion refuses a rollback without SDP, so hand back the pending offer
		rb := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if local := pc.LocalDescription(); local != nil {
			rb.SDP = local.SDP
		}
		if err := pc.SetLocalDescription(rb); err != nil {
			return nil, "rollback", err
		}
		n.metrics.Rollback()
	}

	err := pc.SetRemoteDescription(desc)

	n.mu.Lock()
	if gen != n.generation {
		n.mu.Unlock()
		return nil, "set_remote_description", domain.ErrStaleGeneration
	}
	n.isSettingRemoteAnswerPending = false
	n.mu.Unlock()
	if err != nil {
		return nil, "set_remote_description", err
	}

	n.drainCandidates(gen)

	if desc.Type != webrtc.SDPTypeOffer {
		n.mu.Lock()
		if gen == n.generation {
			n.syncPhaseLocked()
		}
		n.mu.Unlock()
		return nil, "", nil
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, "create_answer", err
	}
	if !n.isCurrent(gen) {
		return nil, "create_answer", domain.ErrStaleGeneration
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, "set_local_description", err
	}

	n.mu.Lock()
	if gen != n.generation {
		n.mu.Unlock()
		return nil, "set_local_description", domain.ErrStaleGeneration
	}
	n.syncPhaseLocked()
	n.mu.Unlock()

	if local := pc.LocalDescription(); local != nil {
		answer = *local
	}
	return &answer, "", nil
}

// handleFailure classifies a failed SetDescription. Called with opMu held.
func (n *Negotiator) handleFailure(op string, gen uint64, cause error) error {
	if errors.Is(cause, domain.ErrStaleGeneration) {
		return cause
	}

	n.mu.Lock()
	if gen != n.generation {
		n.mu.Unlock()
		return domain.ErrStaleGeneration
	}
	n.isSettingRemoteAnswerPending = false

	if n.retryCount < n.cfg.RetryLimit {
		n.retryCount++
		attempt := n.retryCount
		n.phase = PhaseRestarting
		old := n.stopLocked()
		startErr := n.startLocked()
		n.mu.Unlock()

		n.closeConnection(old)
		n.metrics.Restarted()
		n.log.Warnw("negotiation failed, restarting connection",
			"op", op,
			"attempt", attempt,
			"retry_limit", n.cfg.RetryLimit,
			"error", cause,
		)
		if startErr != nil {
			n.log.Errorw("failed to restart peer connection", "error", startErr)
		}
		if n.cfg.OnRestart != nil {
			n.cfg.OnRestart()
		}
		return &NegotiationError{Op: op, Peer: n.cfg.RemoteID, Attempt: attempt, Err: cause}
	}

	firstFailure := n.phase != PhaseFailed
	n.phase = PhaseFailed
	attempt := n.retryCount + 1
	n.mu.Unlock()

	nerr := &NegotiationError{Op: op, Peer: n.cfg.RemoteID, Attempt: attempt, Terminal: true, Err: cause}
	if firstFailure {
		n.metrics.RetriesExhausted()
		n.log.Errorw("negotiation retries exhausted", "op", op, "attempts", attempt, "error", cause)
		if n.cfg.OnTerminal != nil {
			n.cfg.OnTerminal(nerr)
		}
	}
	return nerr
}

// AddCandidate buffers a remote ICE candidate and applies everything buffered
// once a remote description exists. A nil candidate marks end of candidates.
func (n *Negotiator) AddCandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil {
		return
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.mu.Lock()
	if n.pc == nil {
		n.mu.Unlock()
		return
	}
	n.pending = append(n.pending, *candidate)
	gen := n.generation
	n.mu.Unlock()

	n.metrics.CandidateBuffered()
	n.drainCandidates(gen)
}

// drainCandidates applies buffered candidates oldest first. Called with opMu held.
func (n *Negotiator) drainCandidates(gen uint64) {
	for {
		n.mu.Lock()
		if gen != n.generation || n.pc == nil || len(n.pending) == 0 || n.pc.RemoteDescription() == nil {
			n.mu.Unlock()
			return
		}
		candidate := n.pending[0]
		n.pending = n.pending[1:]
		pc := n.pc
		n.mu.Unlock()

		if err := pc.AddICECandidate(candidate); err != nil {
			n.metrics.CandidateApplied(false)
			n.log.Warnw("failed to apply ICE candidate", "candidate", candidate.Candidate, "error", err)
			continue
		}
		n.metrics.CandidateApplied(true)
	}
}

// SetVideoTrack publishes track as the local video, or withdraws it when nil.
// The track is remembered and re-attached after every restart.
func (n *Negotiator) SetVideoTrack(track webrtc.TrackLocal) error {
	return n.setTrack(domain.TrackKindVideo, track)
}

// SetAudioTrack is SetVideoTrack for the audio sender.
func (n *Negotiator) SetAudioTrack(track webrtc.TrackLocal) error {
	return n.setTrack(domain.TrackKindAudio, track)
}

// setTrack reuses an existing sender of the same kind, adds one if there is
// none and removes it when track is nil.
func (n *Negotiator) setTrack(kind domain.TrackKind, track webrtc.TrackLocal) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()

	if track == nil {
		delete(n.tracks, kind)
	} else {
		n.tracks[kind] = track
	}
	if n.pc == nil {
		return nil
	}

	sender, hasSender := n.senders[kind]
	switch {
	case track == nil && hasSender:
		delete(n.senders, kind)
		if err := n.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("failed to remove %s sender: %w", kind, err)
		}
	case track == nil:
	case hasSender:
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("failed to replace %s track: %w", kind, err)
		}
	default:
		sender, err := n.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", kind, err)
		}
		n.senders[kind] = sender
	}
	return nil
}

// Stats returns the transport's statistics report at the time of the call.
func (n *Negotiator) Stats() (webrtc.StatsReport, error) {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()

	if pc == nil {
		return nil, domain.ErrNegotiatorNotStarted
	}
	return pc.GetStats(), nil
}

func (n *Negotiator) handleNegotiationNeeded(gen uint64) {
	if !n.isCurrent(gen) {
		return
	}
	_ = n.CreateOffer(context.Background())
}

func (n *Negotiator) handleLocalCandidate(gen uint64, candidate *webrtc.ICECandidateInit) {
	if !n.isCurrent(gen) || n.cfg.SendICECandidate == nil {
		return
	}
	n.cfg.SendICECandidate(context.Background(), candidate)
}

func (n *Negotiator) handleConnectionState(gen uint64, state webrtc.PeerConnectionState) {
	n.mu.Lock()
	if gen != n.generation {
		n.mu.Unlock()
		return
	}
	if state == webrtc.PeerConnectionStateConnected {
		n.retryCount = 0
		n.phase = PhaseStable
	}
	n.mu.Unlock()

	n.metrics.ConnectionStateChanged(state.String())
	n.log.Infow("peer connection state changed", "connection_state", state.String())

	if state == webrtc.PeerConnectionStateFailed {
		if err := n.RestartICE(context.Background()); err != nil {
			n.log.Warnw("ICE restart failed", "error", err)
		}
	}
	if n.cfg.OnConnectionStateChange != nil {
		n.cfg.OnConnectionStateChange(state)
	}
}

func (n *Negotiator) handleTrack(gen uint64, track ports.RemoteTrack, receiver *webrtc.RTPReceiver) {
	if !n.isCurrent(gen) {
		return
	}
	n.metrics.RemoteTrackAdded(track.Kind().String())
	n.log.Infow("remote track received", "track_id", track.ID(), "kind", track.Kind().String())
	if n.cfg.OnTrack != nil {
		n.cfg.OnTrack(track, receiver)
	}
}

func (n *Negotiator) emitDescription(ctx context.Context, desc webrtc.SessionDescription) {
	if n.cfg.SendDescription == nil {
		return
	}
	n.cfg.SendDescription(ctx, desc)
}

// markNegotiatingLocked leaves a failed phase alone; failed only clears on
// the next start.
func (n *Negotiator) markNegotiatingLocked() {
	if n.phase != PhaseFailed {
		n.phase = PhaseNegotiating
	}
}

func (n *Negotiator) syncPhaseLocked() {
	if n.pc == nil || n.phase == PhaseFailed {
		return
	}
	if n.pc.SignalingState() == webrtc.SignalingStateStable {
		n.phase = PhaseStable
	} else {
		n.phase = PhaseNegotiating
	}
}

// Phase reports the coarse lifecycle state.
func (n *Negotiator) Phase() Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// SignalingState reports the transport's signaling state, or closed when stopped.
func (n *Negotiator) SignalingState() webrtc.SignalingState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil {
		return webrtc.SignalingStateClosed
	}
	return n.pc.SignalingState()
}

// ReadyToMakeOffer is true when no offer is in flight and the transport is stable.
func (n *Negotiator) ReadyToMakeOffer() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pc != nil && !n.makingOffer && n.pc.SignalingState() == webrtc.SignalingStateStable
}

// RetryCount is the number of restarts since the connection last reached
// connected.
func (n *Negotiator) RetryCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.retryCount
}

// Polite reports whether this side yields on an offer collision.
func (n *Negotiator) Polite() bool { return n.cfg.Polite }

// RemoteID is the peer this negotiator connects to.
func (n *Negotiator) RemoteID() domain.PeerID { return n.cfg.RemoteID }
