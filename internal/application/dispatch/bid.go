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

// BidHandler processes BID messages.
type BidHandler struct {
	bidRepo     market.BidRepository
	listingRepo market.ListingRepository
	logger      zerolog.Logger
}

func NewBidHandler(
	bidRepo market.BidRepository,
	listingRepo market.ListingRepository,
	logger zerolog.Logger,
) *BidHandler {
	return &BidHandler{
		bidRepo:     bidRepo,
		listingRepo: listingRepo,
		logger:      logger.With().Str("handler", "bid").Logger(),
	}
}

func (h *BidHandler) ValidateContent(msg action.Message) error {
	bid, ok := msg.(*action.Bid)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	if bid.ItemHash == "" {
		return errors.New("bid references no listing item")
	}
	if bid.Bidder == "" {
		return errors.New("bid has no bidder")
	}
	if bid.Amount <= 0 {
		return fmt.Errorf("bid amount must be positive: %d", bid.Amount)
	}
	return nil
}

func (h *BidHandler) ValidateSequence(ctx context.Context, msg action.Message) error {
	bid := msg.(*action.Bid)
	item, err := h.listingRepo.GetByHash(ctx, bid.ItemHash)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("listing item %s: %w", bid.ItemHash, ErrSequenceGap)
	}
	return nil
}

func (h *BidHandler) Process(ctx context.Context, msg action.Message, sm *message.StoredMessage) error {
	bidMsg := msg.(*action.Bid)
	now := time.Now().UTC()

	marketHash := ""
	for _, obj := range bidMsg.Objects() {
		if obj.Key == action.ObjectKeyBidOnMarket {
			marketHash = obj.Value
		}
	}

	b := &market.Bid{
		ID:         uuid.New(),
		Hash:       bidMsg.ClaimedHash(),
		ItemHash:   bidMsg.ItemHash,
		MarketHash: marketHash,
		Bidder:     bidMsg.Bidder,
		Amount:     bidMsg.Amount,
		Status:     market.BidStatusReceived,
		MsgID:      sm.MsgID,
		PostedAt:   bidMsg.Generated(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sm.Direction == message.DirectionIncoming {
		b.PostedAt = sm.SentAt
		b.ReceivedAt = sm.ReceivedAt
	}

	if err := h.bidRepo.Upsert(ctx, b); err != nil {
		return fmt.Errorf("failed to upsert bid: %w", err)
	}
	return nil
}

func (h *BidHandler) Notification(msg action.Message, dir message.Direction, status message.Status) *notify.Notification {
	if dir != message.DirectionIncoming || status != message.StatusProcessed {
		return nil
	}
	return &notify.Notification{
		Event:      "bid.received",
		ActionType: action.TypeBid,
		Direction:  dir,
		CreatedAt:  time.Now().UTC(),
	}
}

// BidDecisionHandler processes BID_ACCEPT, BID_REJECT and BID_CANCEL.
type BidDecisionHandler struct {
	bidRepo market.BidRepository
	logger  zerolog.Logger
}

func NewBidDecisionHandler(bidRepo market.BidRepository, logger zerolog.Logger) *BidDecisionHandler {
	return &BidDecisionHandler{
		bidRepo: bidRepo,
		logger:  logger.With().Str("handler", "bid-decision").Logger(),
	}
}

func (h *BidDecisionHandler) ValidateContent(msg action.Message) error {
	decision, ok := msg.(*action.BidDecision)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	if decision.BidHash == "" {
		return errors.New("decision references no bid")
	}
	return nil
}

func (h *BidDecisionHandler) ValidateSequence(ctx context.Context, msg action.Message) error {
	decision := msg.(*action.BidDecision)
	b, err := h.bidRepo.GetByHash(ctx, decision.BidHash)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("bid %s: %w", decision.BidHash, ErrSequenceGap)
	}
	return nil
}

func (h *BidDecisionHandler) Process(ctx context.Context, msg action.Message, sm *message.StoredMessage) error {
	decision := msg.(*action.BidDecision)
	b, err := h.bidRepo.GetByHash(ctx, decision.BidHash)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("bid %s disappeared during processing", decision.BidHash)
	}

	target := decisionStatus(msg.Type())
	if b.Status == target {
		// Reprocessing the same decision is a no-op.
		return nil
	}

	var terr error
	switch target {
	case market.BidStatusAccepted:
		terr = b.Accept()
	case market.BidStatusRejected:
		terr = b.Reject()
	case market.BidStatusCanceled:
		terr = b.Cancel()
	}
	if terr != nil {
		return fmt.Errorf("bid %s cannot move to %s from %s: %w", b.Hash, target, b.Status, terr)
	}
	return h.bidRepo.Update(ctx, b)
}

func (h *BidDecisionHandler) Notification(msg action.Message, dir message.Direction, status message.Status) *notify.Notification {
	if dir != message.DirectionIncoming || status != message.StatusProcessed {
		return nil
	}
	return &notify.Notification{
		Event:      "bid.decided",
		ActionType: msg.Type(),
		Direction:  dir,
		CreatedAt:  time.Now().UTC(),
	}
}

func decisionStatus(t action.Type) market.BidStatus {
	switch t {
	case action.TypeBidAccept:
		return market.BidStatusAccepted
	case action.TypeBidReject:
		return market.BidStatusRejected
	default:
		return market.BidStatusCanceled
	}
}
