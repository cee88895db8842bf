package governance

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Category decides what a proposal can do when it passes.
type Category string

const (
	CategoryPublicVote Category = "PUBLIC_VOTE"
	CategoryItemVote   Category = "ITEM_VOTE"
	CategoryMarketVote Category = "MARKET_VOTE"
)

// Canonical option descriptions for removal proposals.
const (
	OptionKeep   = "KEEP"
	OptionRemove = "REMOVE"
)

// Proposal is a governance item put to a weighted vote, keyed by content hash.
type Proposal struct {
	ID          uuid.UUID        `json:"id"`
	Hash        string           `json:"hash"`
	Submitter   string           `json:"submitter"`
	Category    Category         `json:"category"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Target      string           `json:"target,omitempty"`
	Options     []ProposalOption `json:"options"`
	MsgID       string           `json:"msgid"`
	TimeStart   time.Time        `json:"timeStart"`
	PostedAt    time.Time        `json:"postedAt"`
	ReceivedAt  time.Time        `json:"receivedAt"`
	ExpiredAt   time.Time        `json:"expiredAt"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Open reports whether the voting window is still open at the given time.
// A zero ExpiredAt means an unbounded window.
func (p *Proposal) Open(now time.Time) bool {
	return p.ExpiredAt.IsZero() || now.Before(p.ExpiredAt)
}

// OptionByID returns the option with the given id, or nil.
func (p *Proposal) OptionByID(optionID int) *ProposalOption {
	for i := range p.Options {
		if p.Options[i].OptionID == optionID {
			return &p.Options[i]
		}
	}
	return nil
}

// ProposalOption is one selectable outcome. Options are immutable after
// proposal creation and always ordered by OptionID ascending.
type ProposalOption struct {
	ID          uuid.UUID `json:"id"`
	ProposalID  uuid.UUID `json:"proposalId"`
	OptionID    int       `json:"optionId"`
	Description string    `json:"description"`
	Hash        string    `json:"hash"`
}

// SortOptions orders options by OptionID ascending. The order is
// load-bearing for hash stability.
func SortOptions(opts []ProposalOption) {
	sort.Slice(opts, func(i, j int) bool { return opts[i].OptionID < opts[j].OptionID })
}

// ProposalResult is an immutable, timestamped snapshot of vote tallies.
type ProposalResult struct {
	ID           uuid.UUID      `json:"id"`
	ProposalID   uuid.UUID      `json:"proposalId"`
	CalculatedAt time.Time      `json:"calculatedAt"`
	Options      []OptionResult `json:"options"`
}

// OptionResult is the summed weight for one option in a snapshot.
type OptionResult struct {
	OptionID int   `json:"optionId"`
	Weight   int64 `json:"weight"`
}

// WeightFor returns the tallied weight for an option, zero when absent.
func (r *ProposalResult) WeightFor(optionID int) int64 {
	for _, o := range r.Options {
		if o.OptionID == optionID {
			return o.Weight
		}
	}
	return 0
}

// Vote is the latest ballot from one voter on one proposal. The (voter,
// proposal) pair is the natural key: a revote replaces the weight.
type Vote struct {
	ID         uuid.UUID `json:"id"`
	ProposalID uuid.UUID `json:"proposalId"`
	OptionID   int       `json:"optionId"`
	Voter      string    `json:"voter"`
	Weight     int64     `json:"weight"`
	Signature  string    `json:"signature"`
	MsgID      string    `json:"msgid"`
	PostedAt   time.Time `json:"postedAt"`
	ReceivedAt time.Time `json:"receivedAt"`
	ExpiredAt  time.Time `json:"expiredAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// FlaggedItem links a removal proposal to the content it threatens.
type FlaggedItem struct {
	ID              uuid.UUID `json:"id"`
	ProposalID      uuid.UUID `json:"proposalId"`
	ListingItemHash string    `json:"listingItemHash,omitempty"`
	MarketHash      string    `json:"marketHash,omitempty"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"createdAt"`
}

// BlacklistType selects what kind of content a blacklist entry covers.
type BlacklistType string

const (
	BlacklistTypeListingItem BlacklistType = "LISTINGITEM"
	BlacklistTypeMarket      BlacklistType = "MARKET"
)

// Blacklist marks content as removed, either network-triggered (no profile)
// or as a per-profile personal annotation.
type Blacklist struct {
	ID              uuid.UUID     `json:"id"`
	Type            BlacklistType `json:"type"`
	Target          string        `json:"target"`
	ProfileID       string        `json:"profileId,omitempty"`
	CreatedFromVote bool          `json:"createdFromVote"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Tally folds the given votes into per-option weights. Every proposal option
// appears in the result, zero-weighted when nobody picked it. The fold is
// pure: recomputing with the same votes yields the same weights.
func Tally(p *Proposal, votes []*Vote) []OptionResult {
	weights := make(map[int]int64, len(p.Options))
	for _, opt := range p.Options {
		weights[opt.OptionID] = 0
	}
	for _, v := range votes {
		if _, ok := weights[v.OptionID]; !ok {
			continue
		}
		weights[v.OptionID] += v.Weight
	}

	results := make([]OptionResult, 0, len(p.Options))
	for _, opt := range p.Options {
		results = append(results, OptionResult{OptionID: opt.OptionID, Weight: weights[opt.OptionID]})
	}
	return results
}
