package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/domain/governance"
	"github.com/marketd/marketd/internal/domain/market"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/notify"
)

// ListingHandler processes LISTING_ADD messages.
type ListingHandler struct {
	listingRepo market.ListingRepository
	marketRepo  market.MarketRepository
	govRepo     governance.Repository
	logger      zerolog.Logger
}

func NewListingHandler(
	listingRepo market.ListingRepository,
	marketRepo market.MarketRepository,
	govRepo governance.Repository,
	logger zerolog.Logger,
) *ListingHandler {
	return &ListingHandler{
		listingRepo: listingRepo,
		marketRepo:  marketRepo,
		govRepo:     govRepo,
		logger:      logger.With().Str("handler", "listing").Logger(),
	}
}

func (h *ListingHandler) ValidateContent(msg action.Message) error {
	listing, ok := msg.(*action.ListingAdd)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	if listing.Seller == "" {
		return errors.New("listing has no seller")
	}
	if listing.Title == "" {
		return errors.New("listing has no title")
	}
	if listing.Price < 0 {
		return fmt.Errorf("listing price is negative: %d", listing.Price)
	}
	return nil
}

func (h *ListingHandler) ValidateSequence(ctx context.Context, msg action.Message) error {
	listing := msg.(*action.ListingAdd)
	if listing.MarketHash == "" {
		return nil
	}
	m, err := h.marketRepo.GetByHash(ctx, listing.MarketHash)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("market %s: %w", listing.MarketHash, ErrSequenceGap)
	}
	return nil
}

func (h *ListingHandler) Process(ctx context.Context, msg action.Message, sm *message.StoredMessage) error {
	listing := msg.(*action.ListingAdd)
	now := time.Now().UTC()

	// Content voted off the network stays off even when re-announced.
	banned, err := h.govRepo.GetBlacklist(ctx, governance.BlacklistTypeListingItem, listing.ClaimedHash(), "")
	if err != nil {
		return fmt.Errorf("failed to check blacklist: %w", err)
	}
	if banned != nil {
		return fmt.Errorf("listing %s is blacklisted", listing.ClaimedHash())
	}

	item := &market.ListingItem{
		ID:          uuid.New(),
		Hash:        listing.ClaimedHash(),
		MarketHash:  listing.MarketHash,
		Seller:      listing.Seller,
		Title:       listing.Title,
		Description: listing.Description,
		Price:       listing.Price,
		MsgID:       sm.MsgID,
		PostedAt:    listing.Generated(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if sm.Direction == message.DirectionIncoming {
		item.PostedAt = sm.SentAt
		item.ReceivedAt = sm.ReceivedAt
		item.ExpiredAt = sm.ExpiresAt
	}

	if err := h.listingRepo.Upsert(ctx, item); err != nil {
		return fmt.Errorf("failed to upsert listing item: %w", err)
	}
	return nil
}

func (h *ListingHandler) Notification(msg action.Message, dir message.Direction, status message.Status) *notify.Notification {
	if dir != message.DirectionIncoming || status != message.StatusProcessed {
		return nil
	}
	return &notify.Notification{
		Event:      "listing.received",
		ActionType: action.TypeListingAdd,
		Direction:  dir,
		CreatedAt:  time.Now().UTC(),
	}
}
