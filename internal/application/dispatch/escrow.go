package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/domain/market"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/notify"
)

// EscrowHandler processes ESCROW_LOCK, ESCROW_RELEASE, ESCROW_REFUND and
// ESCROW_COMPLETE messages.
type EscrowHandler struct {
	bidRepo market.BidRepository
	logger  zerolog.Logger
}

func NewEscrowHandler(bidRepo market.BidRepository, logger zerolog.Logger) *EscrowHandler {
	return &EscrowHandler{
		bidRepo: bidRepo,
		logger:  logger.With().Str("handler", "escrow").Logger(),
	}
}

func (h *EscrowHandler) ValidateContent(msg action.Message) error {
	step, ok := msg.(*action.EscrowStep)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	if step.BidHash == "" {
		return errors.New("escrow step references no bid")
	}
	return nil
}

// ValidateSequence requires an accepted bid for a lock, and an existing
// escrow for every later step. An unaccepted bid is a gap, not an error:
// the acceptance may still be in flight.
func (h *EscrowHandler) ValidateSequence(ctx context.Context, msg action.Message) error {
	step := msg.(*action.EscrowStep)

	b, err := h.bidRepo.GetByHash(ctx, step.BidHash)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("bid %s: %w", step.BidHash, ErrSequenceGap)
	}

	if msg.Type() == action.TypeEscrowLock {
		if b.Status != market.BidStatusAccepted {
			return fmt.Errorf("bid %s not accepted yet: %w", step.BidHash, ErrSequenceGap)
		}
		return nil
	}

	e, err := h.bidRepo.GetEscrowByBidHash(ctx, step.BidHash)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("escrow for bid %s: %w", step.BidHash, ErrSequenceGap)
	}
	return nil
}

func (h *EscrowHandler) Process(ctx context.Context, msg action.Message, sm *message.StoredMessage) error {
	step := msg.(*action.EscrowStep)
	now := time.Now().UTC()

	if msg.Type() == action.TypeEscrowLock {
		e := &market.Escrow{
			ID:        uuid.New(),
			BidHash:   step.BidHash,
			Status:    market.EscrowStatusLocked,
			Memo:      step.Memo,
			MsgID:     sm.MsgID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := h.bidRepo.UpsertEscrow(ctx, e); err != nil {
			return fmt.Errorf("failed to upsert escrow: %w", err)
		}
		return nil
	}

	e, err := h.bidRepo.GetEscrowByBidHash(ctx, step.BidHash)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("escrow for bid %s disappeared during processing", step.BidHash)
	}

	target := escrowStatus(msg.Type())
	if e.Status == target {
		return nil
	}

	var terr error
	switch target {
	case market.EscrowStatusReleased:
		terr = e.Release()
	case market.EscrowStatusRefunded:
		terr = e.Refund()
	case market.EscrowStatusCompleted:
		terr = e.Complete()
	}
	if terr != nil {
		return fmt.Errorf("escrow %s cannot move to %s from %s: %w", e.BidHash, target, e.Status, terr)
	}
	if step.Memo != "" {
		e.Memo = step.Memo
	}
	return h.bidRepo.UpdateEscrow(ctx, e)
}

func (h *EscrowHandler) Notification(msg action.Message, dir message.Direction, status message.Status) *notify.Notification {
	if dir != message.DirectionIncoming || status != message.StatusProcessed {
		return nil
	}
	return &notify.Notification{
		Event:      "escrow.advanced",
		ActionType: msg.Type(),
		Direction:  dir,
		CreatedAt:  time.Now().UTC(),
	}
}

func escrowStatus(t action.Type) market.EscrowStatus {
	switch t {
	case action.TypeEscrowRelease:
		return market.EscrowStatusReleased
	case action.TypeEscrowRefund:
		return market.EscrowStatusRefunded
	default:
		return market.EscrowStatusCompleted
	}
}
