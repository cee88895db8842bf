package action

import (
	"sort"
	"time"
)

// base carries the fields common to every action message.
type base struct {
	TypeField   string     `json:"type"`
	Hash        string     `json:"hash"`
	GeneratedAt int64      `json:"generated"`
	ObjectsList []KVObject `json:"objects,omitempty"`
}

func (b base) ClaimedHash() string { return b.Hash }
func (b base) Objects() []KVObject { return b.ObjectsList }
func (b base) Generated() time.Time {
	return time.UnixMilli(b.GeneratedAt).UTC()
}

// ListingAdd publishes a listing item.
type ListingAdd struct {
	base
	Seller      string `json:"seller"`
	MarketHash  string `json:"market,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
}

func (m *ListingAdd) Type() Type { return TypeListingAdd }

func (m *ListingAdd) ComputeHash() string {
	return HashOf(string(TypeListingAdd), m.Seller, m.MarketHash, m.Title, m.Description, i64(m.Price))
}

// Bid places a bid on a listing item.
type Bid struct {
	base
	ItemHash string `json:"item"`
	Bidder   string `json:"bidder"`
	Amount   int64  `json:"amount"`
}

func (m *Bid) Type() Type { return TypeBid }

func (m *Bid) ComputeHash() string {
	return HashOf(string(TypeBid), m.ItemHash, m.Bidder, i64(m.Amount))
}

// BidDecision accepts, rejects or cancels an existing bid.
type BidDecision struct {
	base
	BidHash string `json:"bid"`
}

func (m *BidDecision) Type() Type { return Type(m.TypeField) }

func (m *BidDecision) ComputeHash() string {
	return HashOf(m.TypeField, m.BidHash)
}

// EscrowStep advances the escrow attached to an accepted bid.
type EscrowStep struct {
	base
	BidHash string `json:"bid"`
	Memo    string `json:"memo,omitempty"`
}

func (m *EscrowStep) Type() Type { return Type(m.TypeField) }

func (m *EscrowStep) ComputeHash() string {
	return HashOf(m.TypeField, m.BidHash, m.Memo)
}

// ProposalOption is one selectable outcome of a proposal.
type ProposalOptionSpec struct {
	OptionID    int    `json:"optionId"`
	Description string `json:"description"`
}

// ProposalAdd raises a governance proposal.
type ProposalAdd struct {
	base
	Submitter   string               `json:"submitter"`
	Category    string               `json:"category"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Target      string               `json:"target,omitempty"`
	Options     []ProposalOptionSpec `json:"options"`
}

func (m *ProposalAdd) Type() Type { return TypeProposalAdd }

// ComputeHash sorts options by optionId before hashing; option order on the
// wire must not change the proposal hash.
func (m *ProposalAdd) ComputeHash() string {
	opts := make([]ProposalOptionSpec, len(m.Options))
	copy(opts, m.Options)
	sort.Slice(opts, func(i, j int) bool { return opts[i].OptionID < opts[j].OptionID })

	fields := []string{string(TypeProposalAdd), m.Submitter, m.Category, m.Title, m.Description, m.Target}
	for _, o := range opts {
		fields = append(fields, itoa(o.OptionID), o.Description)
	}
	return HashOf(fields...)
}

// Vote casts a weighted vote for one proposal option. The weight is not on
// the wire; it is resolved from the voter's balance at processing time.
type Vote struct {
	base
	ProposalHash string `json:"proposal"`
	OptionID     int    `json:"optionId"`
	Voter        string `json:"voter"`
	Signature    string `json:"signature"`
}

// NewVote builds an outgoing vote message with its content hash set.
func NewVote(proposalHash string, optionID int, voter string, generatedAt time.Time) *Vote {
	v := &Vote{
		ProposalHash: proposalHash,
		OptionID:     optionID,
		Voter:        voter,
	}
	v.TypeField = string(TypeVote)
	v.GeneratedAt = generatedAt.UnixMilli()
	v.Hash = v.ComputeHash()
	return v
}

func (m *Vote) Type() Type { return TypeVote }

func (m *Vote) ComputeHash() string {
	return HashOf(string(TypeVote), m.ProposalHash, itoa(m.OptionID), m.Voter)
}

// CommentAdd attaches a comment to a listing, proposal or another comment.
type CommentAdd struct {
	base
	Sender     string `json:"sender"`
	Target     string `json:"target"`
	ParentHash string `json:"parent,omitempty"`
	Message    string `json:"message"`
}

func (m *CommentAdd) Type() Type { return TypeCommentAdd }

func (m *CommentAdd) ComputeHash() string {
	return HashOf(string(TypeCommentAdd), m.Sender, m.Target, m.ParentHash, m.Message)
}
