package media

import "github.com/pion/rtp"

// IsVP8Keyframe reports whether packet starts a VP8 key frame.
func IsVP8Keyframe(packet *rtp.Packet) bool {
	payload := packet.Payload
	if len(payload) == 0 {
		return false
	}

	// payload descriptor
	desc := payload[0]
	if desc&0x10 == 0 {
		// not the start of a partition
		return false
	}
	offset := 1
	if desc&0x80 != 0 {
		if len(payload) <= offset {
			return false
		}
		ext := payload[offset]
		offset++
		if ext&0x80 != 0 { // I: picture id
			if len(payload) <= offset {
				return false
			}
			if payload[offset]&0x80 != 0 {
				offset += 2
			} else {
				offset++
			}
		}
		if ext&0x40 != 0 { // L: TL0PICIDX
			offset++
		}
		if ext&0x20 != 0 || ext&0x10 != 0 { // T or K
			offset++
		}
	}
	if len(payload) <= offset {
		return false
	}

	// P bit of the VP8 payload header is 0 for key frames
	return payload[offset]&0x01 == 0
}
