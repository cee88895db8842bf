package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketd/marketd/internal/domain/action"
)

func TestNewStoredMessage(t *testing.T) {
	m := New("msg-1", DirectionIncoming, action.TypeBid, []byte(`{}`))

	assert.Equal(t, StatusNew, m.Status)
	assert.Equal(t, "msg-1", m.MsgID)
	assert.Equal(t, DirectionIncoming, m.Direction)
	assert.Equal(t, 0, m.ProcessedCount)
	assert.Nil(t, m.ProcessedAt)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestStatusTransitions(t *testing.T) {
	t.Run("new to processed", func(t *testing.T) {
		m := New("m", DirectionIncoming, action.TypeBid, nil)
		require.NoError(t, m.MarkProcessed())
		assert.Equal(t, StatusProcessed, m.Status)
		require.NotNil(t, m.ProcessedAt)
	})

	t.Run("terminal states reject further transitions", func(t *testing.T) {
		m := New("m", DirectionIncoming, action.TypeBid, nil)
		require.NoError(t, m.MarkValidationFailed())
		assert.ErrorIs(t, m.MarkProcessed(), ErrInvalidTransition)
		assert.ErrorIs(t, m.MarkWaiting(), ErrInvalidTransition)
		assert.True(t, m.IsTerminal())
	})

	t.Run("waiting may re-enter waiting", func(t *testing.T) {
		m := New("m", DirectionIncoming, action.TypeVote, nil)
		require.NoError(t, m.MarkWaiting())
		require.NoError(t, m.MarkWaiting())
		require.NoError(t, m.MarkWaiting())
		assert.Equal(t, 3, m.ProcessedCount)
		assert.False(t, m.IsTerminal())
	})

	t.Run("waiting resolves to processed", func(t *testing.T) {
		m := New("m", DirectionIncoming, action.TypeVote, nil)
		require.NoError(t, m.MarkWaiting())
		require.NoError(t, m.MarkProcessed())
		assert.Equal(t, StatusProcessed, m.Status)
	})

	t.Run("waiting cannot fail validation", func(t *testing.T) {
		// Content validation runs before the sequence check, so a WAITING
		// message already passed it.
		m := New("m", DirectionIncoming, action.TypeVote, nil)
		require.NoError(t, m.MarkWaiting())
		assert.ErrorIs(t, m.MarkValidationFailed(), ErrInvalidTransition)
	})

	t.Run("sent to resent only", func(t *testing.T) {
		m := New("m", DirectionOutgoing, action.TypeVote, nil)
		m.Status = StatusSent
		assert.False(t, m.CanTransitionTo(StatusProcessed))
		assert.True(t, m.CanTransitionTo(StatusResent))
	})
}

func TestExpired(t *testing.T) {
	m := New("m", DirectionIncoming, action.TypeVote, nil)
	now := time.Now().UTC()

	assert.False(t, m.Expired(now), "zero expiry never expires")

	m.ExpiresAt = now.Add(time.Hour)
	assert.False(t, m.Expired(now))

	m.ExpiresAt = now.Add(-time.Second)
	assert.True(t, m.Expired(now))
}
