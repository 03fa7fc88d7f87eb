package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisSessionRepository shares session membership between relay instances.
// Each session is a set of peer ids; each peer has a key naming its session.
type RedisSessionRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSessionRepository(client *redis.Client, ttl time.Duration) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: "stagelink:",
		ttl:    ttl,
	}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return fmt.Sprintf("%ssession:%s:peers", r.prefix, id)
}

func (r *RedisSessionRepository) peerKey(id domain.PeerID) string {
	return r.prefix + "peer:" + string(id) + ":session"
}

func (r *RedisSessionRepository) Join(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error {
	if sessionID == "" {
		return domain.ErrSessionRequired
	}

	previous, err := r.client.Get(ctx, r.peerKey(peerID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to get peer session from Redis: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != "" && previous != string(sessionID) {
			pipe.SRem(ctx, r.sessionKey(domain.SessionID(previous)), string(peerID))
		}
		pipe.SAdd(ctx, r.sessionKey(sessionID), string(peerID))
		pipe.Set(ctx, r.peerKey(peerID), string(sessionID), r.ttl)
		if r.ttl > 0 {
			pipe.Expire(ctx, r.sessionKey(sessionID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add peer to session set: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Leave(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error {
	current, err := r.client.Get(ctx, r.peerKey(peerID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get peer session from Redis: %w", err)
	}
	if current != string(sessionID) {
		return nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.sessionKey(sessionID), string(peerID))
		pipe.Del(ctx, r.peerKey(peerID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove peer from session set: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Members(ctx context.Context, sessionID domain.SessionID) ([]domain.PeerID, error) {
	ids, err := r.client.SMembers(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session members from Redis: %w", err)
	}

	members := make([]domain.PeerID, 0, len(ids))
	for _, id := range ids {
		members = append(members, domain.PeerID(id))
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (r *RedisSessionRepository) SessionOf(ctx context.Context, peerID domain.PeerID) (domain.SessionID, error) {
	id, err := r.client.Get(ctx, r.peerKey(peerID)).Result()
	if err == redis.Nil {
		return "", domain.ErrPeerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get peer session from Redis: %w", err)
	}
	return domain.SessionID(id), nil
}
