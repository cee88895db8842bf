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
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/notify"
	"github.com/marketd/marketd/internal/wallet"
)

// Recalculator refreshes a proposal's result snapshot. Satisfied by the
// governance recalculation service; declared here so vote processing can
// trigger a synchronous recalculation without depending on it.
type Recalculator interface {
	Recalculate(ctx context.Context, p *governance.Proposal) (*governance.ProposalResult, error)
}

// VoteHandler processes VOTE messages. A vote's weight is not carried on
// the wire; it is the voter address's balance at processing time. A revote
// by the same voter supersedes the previous ballot.
type VoteHandler struct {
	govRepo governance.Repository
	wallet  wallet.Wallet
	recalc  Recalculator
	logger  zerolog.Logger
}

func NewVoteHandler(
	govRepo governance.Repository,
	w wallet.Wallet,
	recalc Recalculator,
	logger zerolog.Logger,
) *VoteHandler {
	return &VoteHandler{
		govRepo: govRepo,
		wallet:  w,
		recalc:  recalc,
		logger:  logger.With().Str("handler", "vote").Logger(),
	}
}

func (h *VoteHandler) ValidateContent(msg action.Message) error {
	v, ok := msg.(*action.Vote)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	if v.ProposalHash == "" {
		return errors.New("vote has no proposal hash")
	}
	if v.Voter == "" {
		return errors.New("vote has no voter address")
	}
	return nil
}

func (h *VoteHandler) ValidateSequence(ctx context.Context, msg action.Message) error {
	v := msg.(*action.Vote)
	p, err := h.govRepo.GetProposalByHash(ctx, v.ProposalHash)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("proposal %s: %w", v.ProposalHash, ErrSequenceGap)
	}
	return nil
}

func (h *VoteHandler) Process(ctx context.Context, msg action.Message, sm *message.StoredMessage) error {
	v := msg.(*action.Vote)
	now := time.Now().UTC()

	p, err := h.govRepo.GetProposalByHash(ctx, v.ProposalHash)
	if err != nil {
		return fmt.Errorf("failed to load proposal %s: %w", v.ProposalHash, err)
	}
	if p == nil {
		return fmt.Errorf("proposal %s disappeared between sequence check and processing", v.ProposalHash)
	}
	// The window is judged by when the vote was sent, not when it happens
	// to be processed: a ballot cast in time must survive late delivery
	// and WAITING cycles.
	sentAt := sm.SentAt
	if sentAt.IsZero() {
		sentAt = v.Generated()
	}
	if !p.Open(sentAt) {
		return fmt.Errorf("vote sent %s, after proposal %s voting window closed at %s",
			sentAt.Format(time.RFC3339), p.Hash, p.ExpiredAt.Format(time.RFC3339))
	}
	if p.OptionByID(v.OptionID) == nil {
		return fmt.Errorf("proposal %s has no option %d", p.Hash, v.OptionID)
	}

	if v.Signature != "" {
		ok, err := h.wallet.VerifyMessage(ctx, v.Voter, v.Signature, []byte(v.ClaimedHash()))
		if err != nil {
			return fmt.Errorf("failed to verify vote signature: %w", err)
		}
		if !ok {
			return fmt.Errorf("vote signature from %s does not verify", v.Voter)
		}
	}

	weight, err := h.wallet.AddressBalance(ctx, v.Voter)
	if err != nil {
		return fmt.Errorf("failed to resolve balance of %s: %w", v.Voter, err)
	}

	vote := &governance.Vote{
		ID:         uuid.New(),
		ProposalID: p.ID,
		OptionID:   v.OptionID,
		Voter:      v.Voter,
		Weight:     weight,
		Signature:  v.Signature,
		MsgID:      sm.MsgID,
		PostedAt:   v.Generated(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sm.Direction == message.DirectionIncoming {
		vote.PostedAt = sm.SentAt
		vote.ReceivedAt = sm.ReceivedAt
		vote.ExpiredAt = sm.ExpiresAt
	}

	if err := h.govRepo.UpsertVote(ctx, vote); err != nil {
		return fmt.Errorf("failed to upsert vote: %w", err)
	}
	h.logger.Debug().
		Str("proposal_hash", p.Hash).
		Str("voter", v.Voter).
		Int("option_id", v.OptionID).
		Int64("weight", weight).
		Msg("vote recorded")

	if _, err := h.recalc.Recalculate(ctx, p); err != nil {
		return fmt.Errorf("failed to recalculate proposal %s: %w", p.Hash, err)
	}
	return nil
}

func (h *VoteHandler) Notification(msg action.Message, dir message.Direction, status message.Status) *notify.Notification {
	if dir != message.DirectionIncoming || status != message.StatusProcessed {
		return nil
	}
	return &notify.Notification{
		Event:      "vote.received",
		ActionType: action.TypeVote,
		Direction:  dir,
		CreatedAt:  time.Now().UTC(),
	}
}
