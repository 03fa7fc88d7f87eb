package media

import (
	"context"
	"sync"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// TrackReader is a remote track that can be read packet by packet.
// *webrtc.TrackRemote satisfies it.
type TrackReader interface {
	ports.RemoteTrack
	Read(b []byte) (int, interceptor.Attributes, error)
}

// RTCPReader reads RTCP for an inbound track. *webrtc.RTPReceiver satisfies it.
type RTCPReader interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// RTPObserver is told about every packet the sink consumes.
type RTPObserver interface {
	RTPReceived(kind string, bytes int)
}

// TrackStats summarizes what has been received on one remote track.
type TrackStats struct {
	PeerID       domain.PeerID
	TrackID      string
	Kind         domain.TrackKind
	Packets      uint64
	Bytes        uint64
	Keyframes    uint64
	LastSequence uint16
	LastPacketAt time.Time
}

type trackKey struct {
	peer  domain.PeerID
	track string
}

// Sink drains remote tracks and keeps per-track counters.
type Sink struct {
	observer RTPObserver
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	stats map[trackKey]*TrackStats
}

func NewSink(observer RTPObserver, logger *zap.SugaredLogger) *Sink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sink{
		observer: observer,
		logger:   logger,
		stats:    make(map[trackKey]*TrackStats),
	}
}

// Consume reads track until it ends or ctx is done. When receiver is non-nil
// its RTCP is drained as well.
func (s *Sink) Consume(ctx context.Context, peerID domain.PeerID, track TrackReader, receiver RTCPReader) {
	kind := domain.TrackKindOf(track.Kind())
	key := trackKey{peer: peerID, track: track.ID()}

	s.mu.Lock()
	s.stats[key] = &TrackStats{PeerID: peerID, TrackID: track.ID(), Kind: kind}
	s.mu.Unlock()

	if receiver != nil {
		go s.processRTCP(peerID, track.ID(), receiver)
	}

	packetBuffer := make([]byte, 1500) // MTU size
	rtpPacket := &rtp.Packet{}

	for {
		if ctx.Err() != nil {
			return
		}

		n, _, err := track.Read(packetBuffer)
		if err != nil {
			s.logger.Debugw("remote track ended",
				"remote_peer", peerID,
				"track_id", track.ID(),
				"error", err,
			)
			return
		}

		if err := rtpPacket.Unmarshal(packetBuffer[:n]); err != nil {
			s.logger.Warnw("error unmarshaling RTP packet",
				"remote_peer", peerID,
				"track_id", track.ID(),
				"error", err,
			)
			continue
		}

		keyframe := kind == domain.TrackKindVideo && IsVP8Keyframe(rtpPacket)

		s.mu.Lock()
		st, ok := s.stats[key]
		if !ok {
			s.mu.Unlock()
			return
		}
		st.Packets++
		st.Bytes += uint64(n)
		st.LastSequence = rtpPacket.SequenceNumber
		st.LastPacketAt = time.Now()
		if keyframe {
			st.Keyframes++
		}
		s.mu.Unlock()

		if s.observer != nil {
			s.observer.RTPReceived(string(kind), n)
		}
	}
}

func (s *Sink) processRTCP(peerID domain.PeerID, trackID string, receiver RTCPReader) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				s.logger.Debugw("received sender report",
					"remote_peer", peerID,
					"track_id", trackID,
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// Stats returns a copy of the per-track counters.
func (s *Sink) Stats() []TrackStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TrackStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	return out
}

// Forget drops counters for every track of peerID.
func (s *Sink) Forget(peerID domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.stats {
		if key.peer == peerID {
			delete(s.stats, key)
		}
	}
}
