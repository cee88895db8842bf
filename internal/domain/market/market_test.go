package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBidTransitions(t *testing.T) {
	b := &Bid{Status: BidStatusReceived}
	require.NoError(t, b.Accept())
	assert.Equal(t, BidStatusAccepted, b.Status)

	// Accepted is terminal for the decision machine.
	assert.ErrorIs(t, b.Reject(), ErrInvalidTransition)
	assert.ErrorIs(t, b.Cancel(), ErrInvalidTransition)
}

func TestEscrowTransitions(t *testing.T) {
	e := &Escrow{Status: EscrowStatusLocked}

	assert.ErrorIs(t, e.Complete(), ErrInvalidTransition)

	require.NoError(t, e.Release())
	require.NoError(t, e.Complete())
	assert.Equal(t, EscrowStatusCompleted, e.Status)
}

func TestEscrowRefundIsTerminal(t *testing.T) {
	e := &Escrow{Status: EscrowStatusLocked}
	require.NoError(t, e.Refund())
	assert.ErrorIs(t, e.Complete(), ErrInvalidTransition)
	assert.ErrorIs(t, e.Release(), ErrInvalidTransition)
}
