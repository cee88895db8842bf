package governance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists the governance state machine. Get methods return
// (nil, nil) when no row exists.
type Repository interface {
	// Proposals. UpsertProposal creates the proposal with its options on
	// first sight of a hash and only backfills timing fields afterwards;
	// options are never rewritten.
	UpsertProposal(ctx context.Context, p *Proposal) error
	GetProposalByHash(ctx context.Context, hash string) (*Proposal, error)
	GetProposalByID(ctx context.Context, id uuid.UUID) (*Proposal, error)
	ListOpenProposals(ctx context.Context, now time.Time) ([]*Proposal, error)
	ListProposals(ctx context.Context, limit, offset int) ([]*Proposal, error)

	// Results are append-only snapshots ordered by CalculatedAt.
	CreateResult(ctx context.Context, r *ProposalResult) error
	GetLatestResult(ctx context.Context, proposalID uuid.UUID) (*ProposalResult, error)

	// Votes are keyed by (voter, proposal); UpsertVote replaces the
	// previous ballot from the same voter.
	UpsertVote(ctx context.Context, v *Vote) error
	GetVote(ctx context.Context, proposalID uuid.UUID, voter string) (*Vote, error)
	ListVotes(ctx context.Context, proposalID uuid.UUID) ([]*Vote, error)

	// Flagged items and blacklist entries.
	CreateFlaggedItem(ctx context.Context, f *FlaggedItem) error
	GetFlaggedItem(ctx context.Context, proposalID uuid.UUID) (*FlaggedItem, error)
	UpsertBlacklist(ctx context.Context, b *Blacklist) error
	DeleteBlacklist(ctx context.Context, t BlacklistType, target, profileID string) error
	GetBlacklist(ctx context.Context, t BlacklistType, target, profileID string) (*Blacklist, error)
}
