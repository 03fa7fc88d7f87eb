package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"stagelink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config WebRTC transport configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// PeerConnectionFactory builds pion peer connections sharing one API instance.
type PeerConnectionFactory struct {
	api           *webrtc.API
	configuration webrtc.Configuration
	logger        *zap.SugaredLogger
}

func NewPeerConnectionFactory(cfg Config, logger *zap.SugaredLogger) (*PeerConnectionFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid UDP port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &PeerConnectionFactory{
		api: api,
		configuration: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

// NewPeerConnection creates a new WebRTC connection
func (f *PeerConnectionFactory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPeerConnection(pc, f.logger), nil
}

// peerConnection adapts *webrtc.PeerConnection to ports.PeerConnection.
// Pion callbacks are replayed in order on a dedicated goroutine so handlers
// never run on pion's internal goroutines.
type peerConnection struct {
	pc     *webrtc.PeerConnection
	events *serialQueue
	logger *zap.SugaredLogger
}

func newPeerConnection(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *peerConnection {
	return &peerConnection{
		pc:     pc,
		events: newSerialQueue(),
		logger: logger,
	}
}

func (p *peerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(options)
}

func (p *peerConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(options)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *peerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *peerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *peerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *peerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *peerConnection) AddTrack(track webrtc.TrackLocal) (ports.RTPSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go p.processRTCP(track.ID(), sender)
	return sender, nil
}

func (p *peerConnection) RemoveTrack(sender ports.RTPSender) error {
	rtpSender, ok := sender.(*webrtc.RTPSender)
	if !ok {
		return errors.New("sender was not created by this peer connection")
	}
	return p.pc.RemoveTrack(rtpSender)
}

func (p *peerConnection) GetStats() webrtc.StatsReport {
	return p.pc.GetStats()
}

func (p *peerConnection) OnNegotiationNeeded(handler func()) {
	p.pc.OnNegotiationNeeded(func() {
		p.events.push(handler)
	})
}

func (p *peerConnection) OnICECandidate(handler func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.events.push(func() { handler(nil) })
			return
		}
		init := c.ToJSON()
		p.events.push(func() { handler(&init) })
	})
}

func (p *peerConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.events.push(func() { handler(state) })
	})
}

func (p *peerConnection) OnTrack(handler func(ports.RemoteTrack, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Debugw("remote track started",
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		p.events.push(func() { handler(track, receiver) })
	})
}

func (p *peerConnection) Close() error {
	defer p.events.close()
	return p.pc.Close()
}

// processRTCP drains RTCP for an outbound track. Reading is required for
// interceptors such as NACK to work.
func (p *peerConnection) processRTCP(trackID string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		p.processRTCPPackets(trackID, packets)
	}
}

func (p *peerConnection) processRTCPPackets(trackID string, packets []rtcp.Packet) {
	for _, packet := range packets {
		switch pkt := packet.(type) {
		case *rtcp.PictureLossIndication:
			p.logger.Debugw("received PLI", "track_id", trackID, "media_ssrc", pkt.MediaSSRC)
		case *rtcp.TransportLayerNack:
			p.logger.Debugw("received NACK", "track_id", trackID, "nacks", len(pkt.Nacks))
		case *rtcp.ReceiverReport:
			for _, report := range pkt.Reports {
				p.logger.Debugw("received receiver report",
					"track_id", trackID,
					"fraction_lost", report.FractionLost,
					"jitter", report.Jitter,
				)
			}
		}
	}
}

// serialQueue runs queued functions one at a time in push order. Pushing
// never blocks.
type serialQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *serialQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *serialQueue) pop() func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return nil
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn
}

func (q *serialQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for fn := q.pop(); fn != nil; fn = q.pop() {
			fn()
		}
	}
}

func (q *serialQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

var _ ports.PeerConnectionFactory = (*PeerConnectionFactory)(nil)
