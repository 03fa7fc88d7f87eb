package memory

import (
	"context"
	"testing"

	"stagelink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionRepository_JoinLeave(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()

	require.NoError(t, repo.Join(ctx, "rehearsal", "bbb"))
	require.NoError(t, repo.Join(ctx, "rehearsal", "aaa"))
	require.NoError(t, repo.Join(ctx, "rehearsal", "aaa"))

	members, err := repo.Members(ctx, "rehearsal")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"aaa", "bbb"}, members)

	session, err := repo.SessionOf(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("rehearsal"), session)

	require.NoError(t, repo.Leave(ctx, "rehearsal", "aaa"))
	members, err = repo.Members(ctx, "rehearsal")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"bbb"}, members)

	_, err = repo.SessionOf(ctx, "aaa")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
}

func TestMemorySessionRepository_SwitchSession(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()

	require.NoError(t, repo.Join(ctx, "one", "aaa"))
	require.NoError(t, repo.Join(ctx, "two", "aaa"))

	members, err := repo.Members(ctx, "one")
	require.NoError(t, err)
	assert.Empty(t, members)

	// leaving a session the peer is no longer in changes nothing
	require.NoError(t, repo.Leave(ctx, "one", "aaa"))
	session, err := repo.SessionOf(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("two"), session)
}

func TestMemorySessionRepository_RequiresSession(t *testing.T) {
	err := NewMemorySessionRepository().Join(context.Background(), "", "aaa")
	assert.ErrorIs(t, err, domain.ErrSessionRequired)
}
