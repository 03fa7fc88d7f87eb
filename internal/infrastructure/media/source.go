package media

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"

	"stagelink/internal/core/services"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	vp8PayloadType  = 96
	opusPayloadType = 111
	videoClockRate  = 90000
	audioClockRate  = 48000
)

// SourceConfig controls the synthetic media source.
type SourceConfig struct {
	Interval      time.Duration
	PayloadSize   int
	KeyframeEvery int
}

func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Interval:      33 * time.Millisecond,
		PayloadSize:   200,
		KeyframeEvery: 30,
	}
}

// Source publishes synthetic VP8 and Opus RTP streams. The payloads are not
// decodable; they exist to exercise negotiation and packet flow.
type Source struct {
	video  *webrtc.TrackLocalStaticRTP
	audio  *webrtc.TrackLocalStaticRTP
	config SourceConfig
	logger *zap.SugaredLogger

	packets atomic.Uint64
}

func NewSource(streamID string, config SourceConfig, logger *zap.SugaredLogger) (*Source, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("source interval must be positive")
	}
	if config.PayloadSize < 2 {
		config.PayloadSize = DefaultSourceConfig().PayloadSize
	}
	if config.KeyframeEvery <= 0 {
		config.KeyframeEvery = DefaultSourceConfig().KeyframeEvery
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate},
		"video",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	return &Source{
		video:  video,
		audio:  audio,
		config: config,
		logger: logger,
	}, nil
}

// Tracks returns the tracks to publish through the registry.
func (s *Source) Tracks() services.LocalTracks {
	return services.LocalTracks{Video: s.video, Audio: s.audio}
}

// PacketsWritten returns how many RTP packets were written across both tracks.
func (s *Source) PacketsWritten() uint64 {
	return s.packets.Load()
}

// Run writes one video and one audio packet per interval until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	videoSSRC, audioSSRC := randomSSRC(), randomSSRC()
	var seq uint16
	var frame int
	videoStep := uint32(videoClockRate * s.config.Interval / time.Second)
	audioStep := uint32(audioClockRate * s.config.Interval / time.Second)

	s.logger.Infow("synthetic media source started", "interval", s.config.Interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("synthetic media source stopped", "packets", s.packets.Load())
			return ctx.Err()
		case <-ticker.C:
		}

		keyframe := frame%s.config.KeyframeEvery == 0
		video := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				PayloadType:    vp8PayloadType,
				SequenceNumber: seq,
				Timestamp:      uint32(frame) * videoStep,
				SSRC:           videoSSRC,
			},
			Payload: vp8Payload(s.config.PayloadSize, keyframe),
		}
		audio := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    opusPayloadType,
				SequenceNumber: seq,
				Timestamp:      uint32(frame) * audioStep,
				SSRC:           audioSSRC,
			},
			Payload: make([]byte, s.config.PayloadSize/4+1),
		}

		if err := s.video.WriteRTP(video); err != nil {
			s.logger.Warnw("failed to write video packet", "sequence", seq, "error", err)
		} else {
			s.packets.Add(1)
		}
		if err := s.audio.WriteRTP(audio); err != nil {
			s.logger.Warnw("failed to write audio packet", "sequence", seq, "error", err)
		} else {
			s.packets.Add(1)
		}

		seq++
		frame++
	}
}

// vp8Payload builds a minimal VP8 payload: descriptor with S set followed by
// a payload header whose P bit marks key or inter frames.
func vp8Payload(size int, keyframe bool) []byte {
	payload := make([]byte, size)
	payload[0] = 0x10
	if keyframe {
		payload[1] = 0x00
	} else {
		payload[1] = 0x01
	}
	return payload
}

func randomSSRC() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
