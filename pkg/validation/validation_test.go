package validation

import (
	"strings"
	"testing"
)

const sampleSDP = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func TestValidatePeerID(t *testing.T) {
	tests := []struct {
		name    string
		peerID  string
		wantErr bool
	}{
		{"valid", "aaa", false},
		{"valid uuid", "0b8f0e9c-4b8e-4a40-9a3e-2a3cb0f8f1d2", false},
		{"with underscore", "stage_left", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"space", "stage left", true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerID(tt.peerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		wantErr   bool
	}{
		{"valid", "rehearsal", false},
		{"with dot", "show.2026", false},
		{"empty", "", true},
		{"too long", strings.Repeat("s", 101), true},
		{"invalid chars", "show#1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.sessionID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSDP(t *testing.T) {
	tests := []struct {
		name    string
		sdp     string
		wantErr bool
	}{
		{"valid", sampleSDP, false},
		{"empty", "", true},
		{"no version", "o=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", true},
		{"missing origin", "v=0\r\ns=-\r\nt=0 0\r\n", true},
		{"missing timing", "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\n", true},
		{"too long", sampleSDP + strings.Repeat("a", 64*1024), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSDP(tt.sdp)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSDP() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCandidate(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		wantErr   bool
	}{
		{"host", "candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host", false},
		{"end of candidates", "", false},
		{"garbage", "hello", true},
		{"too long", "candidate:" + strings.Repeat("1", 1024), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCandidate(tt.candidate)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCandidate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSignalingURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:8081/ws", false},
		{"wss", "wss://relay.example.com/ws", false},
		{"http", "http://localhost:8081/ws", true},
		{"no host", "ws:///ws", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignalingURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSignalingURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
