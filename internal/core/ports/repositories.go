package ports

import (
	"context"

	"stagelink/internal/core/domain"
)

// SessionRepository tracks which peers currently belong to which session on
// the relay server.
type SessionRepository interface {
	Join(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error
	Leave(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error
	Members(ctx context.Context, sessionID domain.SessionID) ([]domain.PeerID, error)
	SessionOf(ctx context.Context, peerID domain.PeerID) (domain.SessionID, error)
}
