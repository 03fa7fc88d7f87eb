package memory

import (
	"context"
	"sort"
	"sync"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]map[domain.PeerID]struct{}
	peers    map[domain.PeerID]domain.SessionID
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]map[domain.PeerID]struct{}),
		peers:    make(map[domain.PeerID]domain.SessionID),
	}
}

// Join moves peerID into sessionID, leaving any session it was in before.
func (r *MemorySessionRepository) Join(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error {
	if sessionID == "" {
		return domain.ErrSessionRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.peers[peerID]; ok && previous != sessionID {
		r.removeLocked(previous, peerID)
	}

	members, ok := r.sessions[sessionID]
	if !ok {
		members = make(map[domain.PeerID]struct{})
		r.sessions[sessionID] = members
	}
	members[peerID] = struct{}{}
	r.peers[peerID] = sessionID
	return nil
}

func (r *MemorySessionRepository) Leave(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.peers[peerID] != sessionID {
		return nil
	}
	r.removeLocked(sessionID, peerID)
	return nil
}

func (r *MemorySessionRepository) removeLocked(sessionID domain.SessionID, peerID domain.PeerID) {
	delete(r.peers, peerID)
	members := r.sessions[sessionID]
	delete(members, peerID)
	if len(members) == 0 {
		delete(r.sessions, sessionID)
	}
}

// Members returns the session's peers sorted by id.
func (r *MemorySessionRepository) Members(ctx context.Context, sessionID domain.SessionID) ([]domain.PeerID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.sessions[sessionID]
	result := make([]domain.PeerID, 0, len(members))
	for id := range members {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (r *MemorySessionRepository) SessionOf(ctx context.Context, peerID domain.PeerID) (domain.SessionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, ok := r.peers[peerID]
	if !ok {
		return "", domain.ErrPeerNotFound
	}
	return sessionID, nil
}
