package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/domain/governance"
	"github.com/marketd/marketd/internal/domain/market"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/notify"
)

// ProposalHandler processes PROPOSAL_ADD messages. A removal proposal
// (ITEM_VOTE, MARKET_VOTE) also flags its target and gets an initial empty
// result snapshot so consumers never observe a proposal without a result.
type ProposalHandler struct {
	govRepo     governance.Repository
	listingRepo market.ListingRepository
	marketRepo  market.MarketRepository
	logger      zerolog.Logger
}

func NewProposalHandler(
	govRepo governance.Repository,
	listingRepo market.ListingRepository,
	marketRepo market.MarketRepository,
	logger zerolog.Logger,
) *ProposalHandler {
	return &ProposalHandler{
		govRepo:     govRepo,
		listingRepo: listingRepo,
		marketRepo:  marketRepo,
		logger:      logger.With().Str("handler", "proposal").Logger(),
	}
}

func (h *ProposalHandler) ValidateContent(msg action.Message) error {
	p, ok := msg.(*action.ProposalAdd)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	if p.Submitter == "" {
		return errors.New("proposal has no submitter")
	}
	if p.Title == "" {
		return errors.New("proposal has no title")
	}
	if len(p.Options) < 2 {
		return fmt.Errorf("proposal needs at least two options, got %d", len(p.Options))
	}
	seen := make(map[int]struct{}, len(p.Options))
	for _, o := range p.Options {
		if _, dup := seen[o.OptionID]; dup {
			return fmt.Errorf("duplicate option id %d", o.OptionID)
		}
		seen[o.OptionID] = struct{}{}
	}
	switch governance.Category(p.Category) {
	case governance.CategoryPublicVote:
		return nil
	case governance.CategoryItemVote, governance.CategoryMarketVote:
		if p.Target == "" {
			return fmt.Errorf("%s proposal has no target", p.Category)
		}
		return nil
	default:
		return fmt.Errorf("unknown proposal category %q", p.Category)
	}
}

func (h *ProposalHandler) ValidateSequence(ctx context.Context, msg action.Message) error {
	p := msg.(*action.ProposalAdd)
	switch governance.Category(p.Category) {
	case governance.CategoryItemVote:
		item, err := h.listingRepo.GetByHash(ctx, p.Target)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("listing item %s: %w", p.Target, ErrSequenceGap)
		}
	case governance.CategoryMarketVote:
		m, err := h.marketRepo.GetByHash(ctx, p.Target)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("market %s: %w", p.Target, ErrSequenceGap)
		}
	}
	return nil
}

func (h *ProposalHandler) Process(ctx context.Context, msg action.Message, sm *message.StoredMessage) error {
	p := msg.(*action.ProposalAdd)
	now := time.Now().UTC()

	proposal := &governance.Proposal{
		ID:          uuid.New(),
		Hash:        p.ClaimedHash(),
		Submitter:   p.Submitter,
		Category:    governance.Category(p.Category),
		Title:       p.Title,
		Description: p.Description,
		Target:      p.Target,
		MsgID:       sm.MsgID,
		TimeStart:   p.Generated(),
		PostedAt:    p.Generated(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if sm.Direction == message.DirectionIncoming {
		proposal.TimeStart = sm.SentAt
		proposal.PostedAt = sm.SentAt
		proposal.ReceivedAt = sm.ReceivedAt
		proposal.ExpiredAt = sm.ExpiresAt
	}

	opts := make([]governance.ProposalOption, 0, len(p.Options))
	for _, o := range p.Options {
		opts = append(opts, governance.ProposalOption{
			ID:          uuid.New(),
			ProposalID:  proposal.ID,
			OptionID:    o.OptionID,
			Description: o.Description,
			Hash:        action.HashOf(strconv.Itoa(o.OptionID), o.Description, proposal.Hash),
		})
	}
	governance.SortOptions(opts)
	proposal.Options = opts

	if err := h.govRepo.UpsertProposal(ctx, proposal); err != nil {
		return fmt.Errorf("failed to upsert proposal: %w", err)
	}

	// The upsert keeps the first-seen row on re-receipt; everything below is
	// keyed on the stored proposal's identity, not the one we just built.
	stored, err := h.govRepo.GetProposalByHash(ctx, proposal.Hash)
	if err != nil {
		return fmt.Errorf("failed to load proposal %s: %w", proposal.Hash, err)
	}
	if stored == nil {
		return fmt.Errorf("proposal %s missing after upsert", proposal.Hash)
	}

	if stored.Category != governance.CategoryPublicVote {
		if err := h.flagTarget(ctx, stored, now); err != nil {
			return err
		}
	}

	latest, err := h.govRepo.GetLatestResult(ctx, stored.ID)
	if err != nil {
		return fmt.Errorf("failed to load latest result: %w", err)
	}
	if latest == nil {
		empty := &governance.ProposalResult{
			ID:           uuid.New(),
			ProposalID:   stored.ID,
			CalculatedAt: now,
			Options:      governance.Tally(stored, nil),
		}
		if err := h.govRepo.CreateResult(ctx, empty); err != nil {
			return fmt.Errorf("failed to create initial result: %w", err)
		}
	}
	return nil
}

func (h *ProposalHandler) flagTarget(ctx context.Context, p *governance.Proposal, now time.Time) error {
	existing, err := h.govRepo.GetFlaggedItem(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("failed to load flagged item: %w", err)
	}
	if existing != nil {
		return nil
	}

	flag := &governance.FlaggedItem{
		ID:         uuid.New(),
		ProposalID: p.ID,
		Reason:     p.Description,
		CreatedAt:  now,
	}
	if p.Category == governance.CategoryItemVote {
		flag.ListingItemHash = p.Target
	} else {
		flag.MarketHash = p.Target
	}
	if err := h.govRepo.CreateFlaggedItem(ctx, flag); err != nil {
		return fmt.Errorf("failed to create flagged item: %w", err)
	}
	h.logger.Info().
		Str("proposal_hash", p.Hash).
		Str("target", p.Target).
		Msg("target flagged for removal vote")
	return nil
}

func (h *ProposalHandler) Notification(msg action.Message, dir message.Direction, status message.Status) *notify.Notification {
	if dir != message.DirectionIncoming || status != message.StatusProcessed {
		return nil
	}
	return &notify.Notification{
		Event:      "proposal.received",
		ActionType: action.TypeProposalAdd,
		Direction:  dir,
		CreatedAt:  time.Now().UTC(),
	}
}
