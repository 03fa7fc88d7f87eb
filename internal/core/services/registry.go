package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
	apperrors "stagelink/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const defaultTrackVerifyInterval = 250 * time.Millisecond

// LocalTracks are the tracks published to every connected peer. Nil means none.
type LocalTracks struct {
	Video webrtc.TrackLocal
	Audio webrtc.TrackLocal
}

// RemoteMedia holds the most recent inbound track of each kind from one peer.
type RemoteMedia struct {
	Video ports.RemoteTrack
	Audio ports.RemoteTrack
}

type RegistryConfig struct {
	LocalID   domain.PeerID
	Signaling ports.SignalingChannel
	Factory   ports.PeerConnectionFactory
	Broker    *EventBroker

	RetryLimit          int
	TrackVerifyTimeout  time.Duration
	TrackVerifyInterval time.Duration
	RecreateOnTerminal  bool

	OnRemoteTrack func(peerID domain.PeerID, track ports.RemoteTrack, receiver *webrtc.RTPReceiver)
	OnPeerRemoved func(peerID domain.PeerID)
	// OnTerminal receives a NEGOTIATION_FAILED *errors.AppError wrapping the
	// negotiator's terminal error.
	OnTerminal func(peerID domain.PeerID, err error)

	Metrics ports.NegotiationMetrics
	Logger  *zap.SugaredLogger
}

type registryEntry struct {
	negotiator *Negotiator
	listeners  map[EventKind]ListenerID
}

// Registry keeps exactly one negotiator per target peer. Entries are only
// created and destroyed by Reconcile (and by recreation after a terminal
// failure), both serialized by reconcileMu. Local track changes take the
// same lock so a broadcast never interleaves with a reconcile.
type Registry struct {
	cfg     RegistryConfig
	log     *zap.SugaredLogger
	metrics ports.NegotiationMetrics
	broker  *EventBroker

	reconcileMu sync.Mutex

	mu      sync.RWMutex
	peers   domain.PeerSet
	entries map[domain.PeerID]*registryEntry
	remote  map[domain.PeerID]RemoteMedia
	failed  map[domain.PeerID]error
	tracks  LocalTracks
	closed  bool

	// kinds set through SetLocalVideoTrack/SetLocalAudioTrack; a Reconcile
	// snapshot never overrides them
	videoSet bool
	audioSet bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Broker == nil {
		cfg.Broker = NewEventBroker()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	if cfg.TrackVerifyInterval <= 0 {
		cfg.TrackVerifyInterval = defaultTrackVerifyInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		log:     logger.With("peer_id", cfg.LocalID),
		metrics: cfg.Metrics,
		broker:  cfg.Broker,
		peers:   domain.PeerSet{},
		entries: make(map[domain.PeerID]*registryEntry),
		remote:  make(map[domain.PeerID]RemoteMedia),
		failed:  make(map[domain.PeerID]error),
	}
}

func (r *Registry) LocalID() domain.PeerID { return r.cfg.LocalID }

// Reconcile brings the set of negotiators in line with targetIDs. Self and
// duplicate ids are ignored. Calling it again with the same ids changes nothing.
// tracks fills in only the kinds never set through SetLocalVideoTrack or
// SetLocalAudioTrack, so a stale snapshot cannot revert a newer track.
func (r *Registry) Reconcile(ctx context.Context, targetIDs []domain.PeerID, tracks LocalTracks) error {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrRegistryClosed
	}
	next := domain.NewPeerSet(r.cfg.LocalID, targetIDs)
	diff := domain.DiffPeers(r.peers, next)
	if r.videoSet {
		tracks.Video = r.tracks.Video
	}
	if r.audioSet {
		tracks.Audio = r.tracks.Audio
	}
	tracksChanged := tracks != r.tracks
	r.peers = next
	r.tracks = tracks
	r.mu.Unlock()

	if !diff.Empty() {
		r.log.Infow("reconciling peers", "added", diff.Added, "removed", diff.Removed)
	}

	for _, id := range diff.Removed {
		r.removePeer(id)
	}

	if tracksChanged {
		for _, n := range r.negotiators() {
			if err := applyTracks(n, tracks); err != nil {
				r.log.Warnw("failed to apply local tracks", "remote_peer", n.RemoteID(), "error", err)
			}
		}
	}

	var errs []error
	for _, id := range diff.Added {
		if err := r.addPeer(id, tracks); err != nil {
			r.forget(id)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) addPeer(id domain.PeerID, tracks LocalTracks) error {
	local := r.cfg.LocalID
	n := NewNegotiator(NegotiatorConfig{
		LocalID:    local,
		RemoteID:   id,
		Polite:     domain.IsPolite(local, id),
		RetryLimit: r.cfg.RetryLimit,
		Factory:    r.cfg.Factory,
		SendDescription: func(ctx context.Context, desc webrtc.SessionDescription) {
			r.send(ctx, domain.NewDescriptionMessage(local, id, desc))
		},
		SendICECandidate: func(ctx context.Context, candidate *webrtc.ICECandidateInit) {
			r.send(ctx, domain.NewICECandidateMessage(local, id, candidate))
		},
		OnTrack: func(track ports.RemoteTrack, receiver *webrtc.RTPReceiver) {
			r.handleRemoteTrack(id, track, receiver)
		},
		OnRestart: func() {
			r.send(context.Background(), domain.NewRestartMessage(local, id))
		},
		OnTerminal: func(err error) {
			r.handleTerminal(id, err)
		},
		Metrics: r.metrics,
		Logger:  r.log,
	})

	// remembered before start so Start attaches them
	if err := applyTracks(n, tracks); err != nil {
		return fmt.Errorf("failed to set tracks for %s: %w", id, err)
	}

	entry := &registryEntry{negotiator: n, listeners: r.listen(id, n)}
	if err := n.Start(); err != nil {
		r.unlisten(id, entry.listeners)
		return fmt.Errorf("failed to start negotiator for %s: %w", id, err)
	}

	r.mu.Lock()
	r.entries[id] = entry
	r.mu.Unlock()

	r.log.Infow("peer added", "remote_peer", id, "polite", n.Polite())
	return nil
}

func (r *Registry) removePeer(id domain.PeerID) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	delete(r.entries, id)
	delete(r.remote, id)
	delete(r.failed, id)
	r.mu.Unlock()

	if !ok {
		return
	}

	r.unlisten(id, entry.listeners)
	entry.negotiator.Stop()

	r.log.Infow("peer removed", "remote_peer", id)
	if r.cfg.OnPeerRemoved != nil {
		r.cfg.OnPeerRemoved(id)
	}
}

// forget drops id from the target snapshot so the next Reconcile retries it.
func (r *Registry) forget(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(domain.PeerSet, len(r.peers))
	for peer := range r.peers {
		if peer != id {
			next[peer] = struct{}{}
		}
	}
	r.peers = next
}

func (r *Registry) listen(id domain.PeerID, n *Negotiator) map[EventKind]ListenerID {
	return map[EventKind]ListenerID{
		EventDescription: r.broker.AddListener(id, EventDescription, func(ctx context.Context, ev Event) {
			if ev.Description == nil {
				return
			}
			err := n.SetDescription(ctx, *ev.Description)
			if err != nil && !errors.Is(err, domain.ErrStaleGeneration) {
				r.log.Warnw("failed to apply remote description",
					"remote_peer", id,
					"sdp_type", ev.Description.Type.String(),
					"error", err,
				)
			}
		}),
		EventICECandidate: r.broker.AddListener(id, EventICECandidate, func(_ context.Context, ev Event) {
			n.AddCandidate(ev.Candidate)
		}),
		EventRestart: r.broker.AddListener(id, EventRestart, func(_ context.Context, _ Event) {
			r.log.Infow("remote requested restart", "remote_peer", id)
			if err := n.Restart(); err != nil {
				r.log.Errorw("failed to restart negotiator", "remote_peer", id, "error", err)
			}
		}),
	}
}

func (r *Registry) unlisten(id domain.PeerID, listeners map[EventKind]ListenerID) {
	for kind, lid := range listeners {
		r.broker.RemoveListener(id, kind, lid)
	}
}

func (r *Registry) send(ctx context.Context, msg domain.SignalMessage) {
	if err := r.cfg.Signaling.Send(ctx, msg); err != nil {
		r.log.Warnw("failed to send signaling message",
			"type", msg.Type,
			"remote_peer", msg.To,
			"error", err,
		)
	}
}

func (r *Registry) handleRemoteTrack(id domain.PeerID, track ports.RemoteTrack, receiver *webrtc.RTPReceiver) {
	kind := domain.TrackKindOf(track.Kind())

	r.mu.Lock()
	if _, ok := r.entries[id]; !ok {
		r.mu.Unlock()
		return
	}
	media := r.remote[id]
	switch kind {
	case domain.TrackKindVideo:
		media.Video = track
	case domain.TrackKindAudio:
		media.Audio = track
	}
	r.remote[id] = media
	r.mu.Unlock()

	if r.cfg.OnRemoteTrack != nil {
		r.cfg.OnRemoteTrack(id, track, receiver)
	}

	if r.cfg.TrackVerifyTimeout > 0 && kind != "" {
		if !r.beginTask() {
			return
		}
		go func() {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.TrackVerifyTimeout)
			defer cancel()
			if err := r.VerifyFlowing(ctx, id, kind); err != nil {
				r.log.Warnw("remote track is not flowing", "remote_peer", id, "kind", kind, "error", err)
			}
		}()
	}
}

func (r *Registry) handleTerminal(id domain.PeerID, err error) {
	r.log.Errorw("connection to peer failed permanently", "remote_peer", id, "error", err)
	failure := apperrors.NewNegotiationFailedError(err).WithContext("peer_id", string(id))

	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.failed[id] = failure
	}
	r.mu.Unlock()

	if r.cfg.OnTerminal != nil {
		r.cfg.OnTerminal(id, failure)
	}
	if !r.cfg.RecreateOnTerminal || !r.beginTask() {
		return
	}
	// the failing negotiator still holds its operation lock here
	go func() {
		defer r.wg.Done()
		r.recreate(id)
	}()
}

// beginTask registers a background task unless the registry is closing.
func (r *Registry) beginTask() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Registry) recreate(id domain.PeerID) {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	r.mu.RLock()
	wanted := !r.closed && r.peers.Contains(id)
	tracks := r.tracks
	r.mu.RUnlock()
	if !wanted {
		return
	}

	r.log.Infow("recreating connection", "remote_peer", id)
	r.removePeer(id)
	if err := r.addPeer(id, tracks); err != nil {
		r.forget(id)
		r.log.Errorw("failed to recreate connection", "remote_peer", id, "error", err)
	}
}

// DispatchOffer routes a remote offer to the negotiator for from.
func (r *Registry) DispatchOffer(ctx context.Context, from domain.PeerID, desc webrtc.SessionDescription) {
	r.dispatch(ctx, Event{Kind: EventDescription, PeerID: from, Description: &desc})
}

func (r *Registry) DispatchAnswer(ctx context.Context, from domain.PeerID, desc webrtc.SessionDescription) {
	r.dispatch(ctx, Event{Kind: EventDescription, PeerID: from, Description: &desc})
}

func (r *Registry) DispatchIceCandidate(ctx context.Context, from domain.PeerID, candidate *webrtc.ICECandidateInit) {
	r.dispatch(ctx, Event{Kind: EventICECandidate, PeerID: from, Candidate: candidate})
}

func (r *Registry) DispatchRestart(ctx context.Context, from domain.PeerID) {
	r.dispatch(ctx, Event{Kind: EventRestart, PeerID: from})
}

func (r *Registry) dispatch(ctx context.Context, ev Event) {
	if r.broker.Dispatch(ctx, ev) > 0 {
		return
	}
	r.metrics.SignalDropped(string(ev.Kind))
	r.log.Debugw("dropping signal for unknown peer", "remote_peer", ev.PeerID, "kind", ev.Kind)
}

// SetLocalVideoTrack publishes track to every current and future peer.
func (r *Registry) SetLocalVideoTrack(track webrtc.TrackLocal) error {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	r.mu.Lock()
	r.tracks.Video = track
	r.videoSet = true
	r.mu.Unlock()

	var errs []error
	for _, n := range r.negotiators() {
		if err := n.SetVideoTrack(track); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", n.RemoteID(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) SetLocalAudioTrack(track webrtc.TrackLocal) error {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	r.mu.Lock()
	r.tracks.Audio = track
	r.audioSet = true
	r.mu.Unlock()

	var errs []error
	for _, n := range r.negotiators() {
		if err := n.SetAudioTrack(track); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", n.RemoteID(), err))
		}
	}
	return errors.Join(errs...)
}

// Failure returns the NEGOTIATION_FAILED error of the peer's current
// negotiator, or nil while it is still healthy. Recreating or removing the
// peer clears it.
func (r *Registry) Failure(id domain.PeerID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failed[id]
}

func (r *Registry) LocalTracks() LocalTracks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracks
}

// RemoteTracks returns a copy of the inbound media map.
func (r *Registry) RemoteTracks() map[domain.PeerID]RemoteMedia {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[domain.PeerID]RemoteMedia, len(r.remote))
	for id, media := range r.remote {
		out[id] = media
	}
	return out
}

// VerifyFlowing polls the peer's statistics until an inbound RTP stream of
// kind has received packets or ctx is done.
func (r *Registry) VerifyFlowing(ctx context.Context, peerID domain.PeerID, kind domain.TrackKind) error {
	ticker := time.NewTicker(r.cfg.TrackVerifyInterval)
	defer ticker.Stop()

	for {
		n, ok := r.Negotiator(peerID)
		if !ok {
			return domain.ErrPeerNotFound
		}
		if report, err := n.Stats(); err == nil && InboundFlowing(report, kind) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("no inbound %s packets from %s: %w", kind, peerID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// InboundFlowing reports whether report holds an inbound RTP stream of kind
// that has received at least one packet.
func InboundFlowing(report webrtc.StatsReport, kind domain.TrackKind) bool {
	for _, s := range report {
		in, ok := s.(webrtc.InboundRTPStreamStats)
		if ok && in.Kind == string(kind) && in.PacketsReceived > 0 {
			return true
		}
	}
	return false
}

func (r *Registry) Negotiator(peerID domain.PeerID) (*Negotiator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[peerID]
	if !ok {
		return nil, false
	}
	return entry.negotiator, true
}

// Peers returns the ids with a live negotiator, sorted.
func (r *Registry) Peers() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.PeerID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close stops every negotiator. The registry cannot be reused.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	for _, id := range r.Peers() {
		r.removePeer(id)
	}

	r.mu.Lock()
	r.peers = domain.PeerSet{}
	r.mu.Unlock()
}

func (r *Registry) negotiators() []*Negotiator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Negotiator, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.negotiator)
	}
	return out
}

func applyTracks(n *Negotiator, tracks LocalTracks) error {
	if err := n.SetVideoTrack(tracks.Video); err != nil {
		return err
	}
	return n.SetAudioTrack(tracks.Audio)
}
