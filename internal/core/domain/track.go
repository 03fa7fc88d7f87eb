package domain

import "github.com/pion/webrtc/v3"

type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

// TrackKindOf maps a pion codec type onto a track kind. Unknown codec types map to "".
func TrackKindOf(t webrtc.RTPCodecType) TrackKind {
	switch t {
	case webrtc.RTPCodecTypeVideo:
		return TrackKindVideo
	case webrtc.RTPCodecTypeAudio:
		return TrackKindAudio
	default:
		return ""
	}
}

func (k TrackKind) CodecType() webrtc.RTPCodecType {
	switch k {
	case TrackKindVideo:
		return webrtc.RTPCodecTypeVideo
	case TrackKindAudio:
		return webrtc.RTPCodecTypeAudio
	default:
		return 0
	}
}
