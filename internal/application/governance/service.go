package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketd/marketd/internal/domain/action"
	domain "github.com/marketd/marketd/internal/domain/governance"
	"github.com/marketd/marketd/internal/domain/market"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/metrics"
	"github.com/marketd/marketd/internal/transport"
	"github.com/marketd/marketd/internal/wallet"
)

// Options tunes the consensus service.
type Options struct {
	// RecalcInterval is the minimum age of a proposal's latest result
	// before a periodic sweep recalculates it.
	RecalcInterval time.Duration
	// ThresholdPercent is the share of network supply (0..100) the REMOVE
	// option must gather before the target is delisted.
	ThresholdPercent float64
	// RemovePolicy is a boolean expression over remove_weight,
	// network_supply, remove_pct and threshold_pct.
	RemovePolicy string

	WalletName     string
	ProfileID      string
	MessageVersion string
	RetentionDays  int
	// BroadcastAddress receives locally cast vote messages.
	BroadcastAddress string
}

// Service owns the consensus cycle: it tallies votes into result snapshots,
// applies the removal policy to flagged content, and casts this node's own
// votes onto the network.
type Service struct {
	govRepo     domain.Repository
	msgRepo     message.Repository
	listingRepo market.ListingRepository
	marketRepo  market.MarketRepository
	bidRepo     market.BidRepository
	wallet      wallet.Wallet
	transport   transport.Transport
	metrics     *metrics.Pipeline
	logger      zerolog.Logger
	opts        Options
	policy      *govaluate.EvaluableExpression
}

func NewService(
	govRepo domain.Repository,
	msgRepo message.Repository,
	listingRepo market.ListingRepository,
	marketRepo market.MarketRepository,
	bidRepo market.BidRepository,
	w wallet.Wallet,
	tr transport.Transport,
	pipelineMetrics *metrics.Pipeline,
	opts Options,
	logger zerolog.Logger,
) (*Service, error) {
	policy, err := govaluate.NewEvaluableExpression(opts.RemovePolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remove policy %q: %w", opts.RemovePolicy, err)
	}
	return &Service{
		govRepo:     govRepo,
		msgRepo:     msgRepo,
		listingRepo: listingRepo,
		marketRepo:  marketRepo,
		bidRepo:     bidRepo,
		wallet:      w,
		transport:   tr,
		metrics:     pipelineMetrics,
		logger:      logger.With().Str("service", "governance").Logger(),
		opts:        opts,
		policy:      policy,
	}, nil
}

// Run sweeps open proposals on every tick until the context is cancelled.
// Sweeps never overlap.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(tickFor(s.opts.RecalcInterval))
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.opts.RecalcInterval).Msg("recalculation loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("recalculation loop stopped")
			return
		case <-ticker.C:
			if err := s.RecalcAll(ctx); err != nil {
				s.logger.Error().Err(err).Msg("recalculation sweep failed")
			}
		}
	}
}

// The sweep tick is finer than the per-proposal interval so a staggered set
// of proposals each refresh close to their own schedule.
func tickFor(interval time.Duration) time.Duration {
	tick := interval / 10
	if tick < time.Minute {
		tick = time.Minute
	}
	return tick
}

// RecalcAll recalculates every open proposal whose latest snapshot is older
// than the recalculation interval.
func (s *Service) RecalcAll(ctx context.Context) error {
	open, err := s.govRepo.ListOpenProposals(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to list open proposals: %w", err)
	}

	for _, p := range open {
		latest, err := s.govRepo.GetLatestResult(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to load latest result for %s: %w", p.Hash, err)
		}
		if latest != nil && time.Since(latest.CalculatedAt) < s.opts.RecalcInterval {
			continue
		}
		if _, err := s.Recalculate(ctx, p); err != nil {
			s.logger.Error().Err(err).Str("proposal_hash", p.Hash).Msg("failed to recalculate proposal")
		}
	}
	return nil
}

// Recalculate tallies the proposal's votes into a fresh immutable snapshot
// and, for removal proposals, applies the removal policy to the flagged
// target. Safe to call from vote processing and from the periodic sweep.
func (s *Service) Recalculate(ctx context.Context, p *domain.Proposal) (*domain.ProposalResult, error) {
	votes, err := s.govRepo.ListVotes(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes for %s: %w", p.Hash, err)
	}

	result := &domain.ProposalResult{
		ID:           uuid.New(),
		ProposalID:   p.ID,
		CalculatedAt: time.Now().UTC(),
		Options:      domain.Tally(p, votes),
	}
	if err := s.govRepo.CreateResult(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to persist result for %s: %w", p.Hash, err)
	}
	s.metrics.RecalcTotal.Inc()

	if p.Category != domain.CategoryPublicVote {
		if err := s.applyRemovalPolicy(ctx, p, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Service) applyRemovalPolicy(ctx context.Context, p *domain.Proposal, result *domain.ProposalResult) error {
	removeOpt := optionByDescription(p, domain.OptionRemove)
	if removeOpt == nil {
		s.logger.Warn().Str("proposal_hash", p.Hash).Msg("removal proposal has no REMOVE option")
		return nil
	}

	supply, err := s.wallet.NetworkMoneySupply(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve network supply: %w", err)
	}
	if supply <= 0 {
		return fmt.Errorf("network supply must be positive, got %d", supply)
	}

	removeWeight := result.WeightFor(removeOpt.OptionID)
	removePct := float64(removeWeight) / float64(supply) * 100

	verdict, err := s.policy.Evaluate(map[string]interface{}{
		"remove_weight":  float64(removeWeight),
		"network_supply": float64(supply),
		"remove_pct":     removePct,
		"threshold_pct":  s.opts.ThresholdPercent,
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate remove policy: %w", err)
	}
	remove, ok := verdict.(bool)
	if !ok {
		return fmt.Errorf("remove policy returned %T, want bool", verdict)
	}

	blType := domain.BlacklistTypeListingItem
	if p.Category == domain.CategoryMarketVote {
		blType = domain.BlacklistTypeMarket
	}

	if !remove {
		// Removal is reversible while votes shift: dropping below the
		// threshold lifts the network blacklist entry again.
		return s.govRepo.DeleteBlacklist(ctx, blType, p.Target, "")
	}

	// The target must stand alone: a listing with live bids, or a market
	// with listings, cannot be torn down under buyers and sellers. The
	// rule re-evaluates on every recalculation, so it fires once the
	// dependents are gone.
	dependents, err := s.countDependents(ctx, blType, p.Target)
	if err != nil {
		return err
	}
	if dependents > 0 {
		s.logger.Info().
			Str("proposal_hash", p.Hash).
			Str("target", p.Target).
			Int64("dependents", dependents).
			Msg("removal threshold reached but target has dependent state, skipping")
		return nil
	}

	existing, err := s.govRepo.GetBlacklist(ctx, blType, p.Target, "")
	if err != nil {
		return fmt.Errorf("failed to load blacklist entry: %w", err)
	}
	if existing != nil {
		return nil
	}

	entry := &domain.Blacklist{
		ID:              uuid.New(),
		Type:            blType,
		Target:          p.Target,
		CreatedFromVote: true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.govRepo.UpsertBlacklist(ctx, entry); err != nil {
		return fmt.Errorf("failed to blacklist %s: %w", p.Target, err)
	}
	if err := s.destroyTarget(ctx, blType, p.Target); err != nil {
		return err
	}
	s.metrics.RemovalTotal.Inc()
	s.logger.Info().
		Str("proposal_hash", p.Hash).
		Str("target", p.Target).
		Float64("remove_pct", removePct).
		Float64("threshold_pct", s.opts.ThresholdPercent).
		Msg("network removal threshold reached")
	return nil
}

func (s *Service) countDependents(ctx context.Context, blType domain.BlacklistType, target string) (int64, error) {
	switch blType {
	case domain.BlacklistTypeMarket:
		n, err := s.listingRepo.CountByMarketHash(ctx, target)
		if err != nil {
			return 0, fmt.Errorf("failed to count listings in market %s: %w", target, err)
		}
		return n, nil
	default:
		n, err := s.bidRepo.CountByItemHash(ctx, target)
		if err != nil {
			return 0, fmt.Errorf("failed to count bids on listing %s: %w", target, err)
		}
		return n, nil
	}
}

// destroyTarget drops the removed entity itself. The blacklist row outlives
// the entity so a re-announced copy stays suppressed.
func (s *Service) destroyTarget(ctx context.Context, blType domain.BlacklistType, target string) error {
	switch blType {
	case domain.BlacklistTypeMarket:
		if err := s.marketRepo.Delete(ctx, target); err != nil {
			return fmt.Errorf("failed to delete removed market %s: %w", target, err)
		}
	default:
		if err := s.listingRepo.Delete(ctx, target); err != nil {
			return fmt.Errorf("failed to delete removed listing %s: %w", target, err)
		}
	}
	return nil
}

func optionByDescription(p *domain.Proposal, description string) *domain.ProposalOption {
	for i := range p.Options {
		if p.Options[i].Description == description {
			return &p.Options[i]
		}
	}
	return nil
}

// CastVote signs and broadcasts one vote per funded wallet address for the
// given proposal option, records the outgoing messages as SENT, and applies
// the voter's choice to the local blacklist immediately. The broadcast
// votes flow back through the normal pipeline like anyone else's.
func (s *Service) CastVote(ctx context.Context, proposalHash string, optionID int) error {
	p, err := s.govRepo.GetProposalByHash(ctx, proposalHash)
	if err != nil {
		return fmt.Errorf("failed to load proposal %s: %w", proposalHash, err)
	}
	if p == nil {
		return fmt.Errorf("proposal %s not found", proposalHash)
	}
	now := time.Now().UTC()
	if !p.Open(now) {
		return fmt.Errorf("proposal %s voting window closed", proposalHash)
	}
	opt := p.OptionByID(optionID)
	if opt == nil {
		return fmt.Errorf("proposal %s has no option %d", proposalHash, optionID)
	}

	outputs, err := s.wallet.ListUnspent(ctx, s.opts.WalletName, 1)
	if err != nil {
		return fmt.Errorf("failed to list unspent outputs: %w", err)
	}

	voted := make(map[string]struct{})
	sent := 0
	for _, out := range outputs {
		if !out.Spendable || out.Amount <= 0 {
			continue
		}
		if _, done := voted[out.Address]; done {
			continue
		}
		voted[out.Address] = struct{}{}

		if err := s.sendVote(ctx, p, optionID, out.Address, now); err != nil {
			s.logger.Error().Err(err).
				Str("proposal_hash", proposalHash).
				Str("address", out.Address).
				Msg("failed to cast vote from address")
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("no votable address in wallet %s", s.opts.WalletName)
	}

	if err := s.annotateOwnChoice(ctx, p, opt); err != nil {
		return err
	}
	s.logger.Info().
		Str("proposal_hash", proposalHash).
		Int("option_id", optionID).
		Int("addresses", sent).
		Msg("vote cast")
	return nil
}

func (s *Service) sendVote(ctx context.Context, p *domain.Proposal, optionID int, address string, now time.Time) error {
	vote := action.NewVote(p.Hash, optionID, address, now)
	signature, err := s.wallet.SignMessage(ctx, s.opts.WalletName, address, []byte(vote.ClaimedHash()))
	if err != nil {
		return fmt.Errorf("failed to sign vote: %w", err)
	}
	vote.Signature = signature

	payload, err := action.EncodeEnvelope(s.opts.MessageVersion, vote)
	if err != nil {
		return err
	}

	res, err := s.transport.Send(ctx, transport.SendRequest{
		From:          address,
		To:            s.opts.BroadcastAddress,
		Payload:       payload,
		RetentionDays: s.opts.RetentionDays,
	})
	if err != nil {
		return fmt.Errorf("failed to send vote: %w", err)
	}

	sm := message.New(res.MsgID, message.DirectionOutgoing, action.TypeVote, payload)
	sm.Version = s.opts.MessageVersion
	sm.From = address
	sm.To = s.opts.BroadcastAddress
	sm.Status = message.StatusSent
	sm.SentAt = now
	sm.RetentionDays = s.opts.RetentionDays
	if err := s.msgRepo.Create(ctx, sm); err != nil {
		return fmt.Errorf("failed to record outgoing vote: %w", err)
	}
	return nil
}

// annotateOwnChoice hides REMOVE-voted content from this profile right away
// instead of waiting for the network threshold.
func (s *Service) annotateOwnChoice(ctx context.Context, p *domain.Proposal, opt *domain.ProposalOption) error {
	if p.Category == domain.CategoryPublicVote || p.Target == "" {
		return nil
	}
	blType := domain.BlacklistTypeListingItem
	if p.Category == domain.CategoryMarketVote {
		blType = domain.BlacklistTypeMarket
	}

	if opt.Description != domain.OptionRemove {
		return s.govRepo.DeleteBlacklist(ctx, blType, p.Target, s.opts.ProfileID)
	}
	entry := &domain.Blacklist{
		ID:              uuid.New(),
		Type:            blType,
		Target:          p.Target,
		ProfileID:       s.opts.ProfileID,
		CreatedFromVote: true,
		CreatedAt:       time.Now().UTC(),
	}
	return s.govRepo.UpsertBlacklist(ctx, entry)
}
