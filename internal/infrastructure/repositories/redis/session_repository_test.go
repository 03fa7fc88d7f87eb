package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"stagelink/internal/core/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Runs against a real server: STAGELINK_TEST_REDIS=localhost:6379 go test ./...
func newTestRepository(t *testing.T) *RedisSessionRepository {
	t.Helper()
	addr := os.Getenv("STAGELINK_TEST_REDIS")
	if addr == "" {
		t.Skip("STAGELINK_TEST_REDIS not set")
	}

	client, err := NewRedisClient(addr, "", 0, 4, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseRedisClient(client) })

	repo := NewRedisSessionRepository(client, time.Minute).(*RedisSessionRepository)
	// isolate runs sharing one server
	repo.prefix = "stagelink-test:" + uuid.NewString() + ":"
	return repo
}

func TestRedisSessionRepository_JoinLeave(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Join(ctx, "rehearsal", "bbb"))
	require.NoError(t, repo.Join(ctx, "rehearsal", "aaa"))

	members, err := repo.Members(ctx, "rehearsal")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"aaa", "bbb"}, members)

	require.NoError(t, repo.Join(ctx, "encore", "aaa"))
	members, err = repo.Members(ctx, "rehearsal")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"bbb"}, members)

	session, err := repo.SessionOf(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("encore"), session)

	require.NoError(t, repo.Leave(ctx, "rehearsal", "aaa"), "stale leave is a no-op")
	require.NoError(t, repo.Leave(ctx, "encore", "aaa"))
	_, err = repo.SessionOf(ctx, "aaa")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
}
