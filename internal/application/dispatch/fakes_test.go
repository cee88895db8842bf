package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marketd/marketd/internal/domain/governance"
	"github.com/marketd/marketd/internal/domain/market"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/wallet"
)

// In-memory repositories for pipeline tests. All of them are keyed the same
// way their postgres counterparts are keyed.

type memMessageRepo struct {
	byID    map[uuid.UUID]*message.StoredMessage
	updates int
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{byID: make(map[uuid.UUID]*message.StoredMessage)}
}

func (r *memMessageRepo) Create(_ context.Context, m *message.StoredMessage) error {
	r.byID[m.ID] = m
	return nil
}

func (r *memMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*message.StoredMessage, error) {
	return r.byID[id], nil
}

func (r *memMessageRepo) GetByMsgID(_ context.Context, msgid string, dir message.Direction) (*message.StoredMessage, error) {
	for _, m := range r.byID {
		if m.MsgID == msgid && m.Direction == dir {
			return m, nil
		}
	}
	return nil, nil
}

func (r *memMessageRepo) Update(_ context.Context, m *message.StoredMessage) error {
	r.byID[m.ID] = m
	r.updates++
	return nil
}

func (r *memMessageRepo) ListByStatus(_ context.Context, status message.Status, limit int) ([]*message.StoredMessage, error) {
	var out []*message.StoredMessage
	for _, m := range r.byID {
		if m.Status == status {
			out = append(out, m)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memMessageRepo) CountByStatus(_ context.Context) (map[message.Status]int64, error) {
	counts := make(map[message.Status]int64)
	for _, m := range r.byID {
		counts[m.Status]++
	}
	return counts, nil
}

type memListingRepo struct {
	byHash map[string]*market.ListingItem
}

func newMemListingRepo() *memListingRepo {
	return &memListingRepo{byHash: make(map[string]*market.ListingItem)}
}

func (r *memListingRepo) Upsert(_ context.Context, item *market.ListingItem) error {
	if _, ok := r.byHash[item.Hash]; !ok {
		r.byHash[item.Hash] = item
	}
	return nil
}

func (r *memListingRepo) GetByHash(_ context.Context, hash string) (*market.ListingItem, error) {
	return r.byHash[hash], nil
}

func (r *memListingRepo) CountByMarketHash(_ context.Context, marketHash string) (int64, error) {
	var count int64
	for _, item := range r.byHash {
		if item.MarketHash == marketHash {
			count++
		}
	}
	return count, nil
}

func (r *memListingRepo) Delete(_ context.Context, hash string) error {
	delete(r.byHash, hash)
	return nil
}

type memMarketRepo struct {
	byHash map[string]*market.Market
}

func newMemMarketRepo() *memMarketRepo {
	return &memMarketRepo{byHash: make(map[string]*market.Market)}
}

func (r *memMarketRepo) Upsert(_ context.Context, m *market.Market) error {
	if _, ok := r.byHash[m.Hash]; !ok {
		r.byHash[m.Hash] = m
	}
	return nil
}

func (r *memMarketRepo) GetByHash(_ context.Context, hash string) (*market.Market, error) {
	return r.byHash[hash], nil
}

func (r *memMarketRepo) Delete(_ context.Context, hash string) error {
	delete(r.byHash, hash)
	return nil
}

type memBidRepo struct {
	byHash        map[string]*market.Bid
	escrowsByBid  map[string]*market.Escrow
	escrowUpdates int
}

func newMemBidRepo() *memBidRepo {
	return &memBidRepo{
		byHash:       make(map[string]*market.Bid),
		escrowsByBid: make(map[string]*market.Escrow),
	}
}

func (r *memBidRepo) Upsert(_ context.Context, b *market.Bid) error {
	if _, ok := r.byHash[b.Hash]; !ok {
		r.byHash[b.Hash] = b
	}
	return nil
}

func (r *memBidRepo) GetByHash(_ context.Context, hash string) (*market.Bid, error) {
	return r.byHash[hash], nil
}

func (r *memBidRepo) Update(_ context.Context, b *market.Bid) error {
	r.byHash[b.Hash] = b
	return nil
}

func (r *memBidRepo) CountByItemHash(_ context.Context, itemHash string) (int64, error) {
	var n int64
	for _, b := range r.byHash {
		if b.ItemHash == itemHash {
			n++
		}
	}
	return n, nil
}

func (r *memBidRepo) UpsertEscrow(_ context.Context, e *market.Escrow) error {
	if _, ok := r.escrowsByBid[e.BidHash]; !ok {
		r.escrowsByBid[e.BidHash] = e
	}
	return nil
}

func (r *memBidRepo) GetEscrowByBidHash(_ context.Context, bidHash string) (*market.Escrow, error) {
	return r.escrowsByBid[bidHash], nil
}

func (r *memBidRepo) UpdateEscrow(_ context.Context, e *market.Escrow) error {
	r.escrowsByBid[e.BidHash] = e
	r.escrowUpdates++
	return nil
}

type memCommentRepo struct {
	byHash map[string]*market.Comment
}

func newMemCommentRepo() *memCommentRepo {
	return &memCommentRepo{byHash: make(map[string]*market.Comment)}
}

func (r *memCommentRepo) Upsert(_ context.Context, c *market.Comment) error {
	if _, ok := r.byHash[c.Hash]; !ok {
		r.byHash[c.Hash] = c
	}
	return nil
}

func (r *memCommentRepo) GetByHash(_ context.Context, hash string) (*market.Comment, error) {
	return r.byHash[hash], nil
}

type memGovRepo struct {
	proposals map[uuid.UUID]*governance.Proposal
	results   map[uuid.UUID][]*governance.ProposalResult
	votes     map[uuid.UUID]map[string]*governance.Vote
	flagged   map[uuid.UUID]*governance.FlaggedItem
	blacklist map[string]*governance.Blacklist
}

func newMemGovRepo() *memGovRepo {
	return &memGovRepo{
		proposals: make(map[uuid.UUID]*governance.Proposal),
		results:   make(map[uuid.UUID][]*governance.ProposalResult),
		votes:     make(map[uuid.UUID]map[string]*governance.Vote),
		flagged:   make(map[uuid.UUID]*governance.FlaggedItem),
		blacklist: make(map[string]*governance.Blacklist),
	}
}

func blKey(t governance.BlacklistType, target, profileID string) string {
	return string(t) + "|" + target + "|" + profileID
}

func (r *memGovRepo) UpsertProposal(_ context.Context, p *governance.Proposal) error {
	for _, existing := range r.proposals {
		if existing.Hash == p.Hash {
			if existing.ReceivedAt.IsZero() {
				existing.ReceivedAt = p.ReceivedAt
				existing.ExpiredAt = p.ExpiredAt
			}
			return nil
		}
	}
	r.proposals[p.ID] = p
	return nil
}

func (r *memGovRepo) GetProposalByHash(_ context.Context, hash string) (*governance.Proposal, error) {
	for _, p := range r.proposals {
		if p.Hash == hash {
			return p, nil
		}
	}
	return nil, nil
}

func (r *memGovRepo) GetProposalByID(_ context.Context, id uuid.UUID) (*governance.Proposal, error) {
	return r.proposals[id], nil
}

func (r *memGovRepo) ListOpenProposals(_ context.Context, now time.Time) ([]*governance.Proposal, error) {
	var out []*governance.Proposal
	for _, p := range r.proposals {
		if p.Open(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memGovRepo) ListProposals(_ context.Context, limit, offset int) ([]*governance.Proposal, error) {
	var out []*governance.Proposal
	for _, p := range r.proposals {
		out = append(out, p)
	}
	return out, nil
}

func (r *memGovRepo) CreateResult(_ context.Context, res *governance.ProposalResult) error {
	r.results[res.ProposalID] = append(r.results[res.ProposalID], res)
	return nil
}

func (r *memGovRepo) GetLatestResult(_ context.Context, proposalID uuid.UUID) (*governance.ProposalResult, error) {
	snaps := r.results[proposalID]
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[len(snaps)-1], nil
}

func (r *memGovRepo) UpsertVote(_ context.Context, v *governance.Vote) error {
	if r.votes[v.ProposalID] == nil {
		r.votes[v.ProposalID] = make(map[string]*governance.Vote)
	}
	r.votes[v.ProposalID][v.Voter] = v
	return nil
}

func (r *memGovRepo) GetVote(_ context.Context, proposalID uuid.UUID, voter string) (*governance.Vote, error) {
	return r.votes[proposalID][voter], nil
}

func (r *memGovRepo) ListVotes(_ context.Context, proposalID uuid.UUID) ([]*governance.Vote, error) {
	var out []*governance.Vote
	for _, v := range r.votes[proposalID] {
		out = append(out, v)
	}
	return out, nil
}

func (r *memGovRepo) CreateFlaggedItem(_ context.Context, f *governance.FlaggedItem) error {
	r.flagged[f.ProposalID] = f
	return nil
}

func (r *memGovRepo) GetFlaggedItem(_ context.Context, proposalID uuid.UUID) (*governance.FlaggedItem, error) {
	return r.flagged[proposalID], nil
}

func (r *memGovRepo) UpsertBlacklist(_ context.Context, b *governance.Blacklist) error {
	r.blacklist[blKey(b.Type, b.Target, b.ProfileID)] = b
	return nil
}

func (r *memGovRepo) DeleteBlacklist(_ context.Context, t governance.BlacklistType, target, profileID string) error {
	delete(r.blacklist, blKey(t, target, profileID))
	return nil
}

func (r *memGovRepo) GetBlacklist(_ context.Context, t governance.BlacklistType, target, profileID string) (*governance.Blacklist, error) {
	return r.blacklist[blKey(t, target, profileID)], nil
}

// fakeWallet answers balance queries from a fixed table. Setting down
// simulates a daemon outage.
type fakeWallet struct {
	balances map[string]int64
	supply   int64
	verifyOK bool
	down     bool
}

func (w *fakeWallet) AddressBalance(_ context.Context, address string) (int64, error) {
	if w.down {
		return 0, fmt.Errorf("rpc getaddressbalance: %w", wallet.ErrUnavailable)
	}
	return w.balances[address], nil
}

func (w *fakeWallet) NetworkMoneySupply(_ context.Context) (int64, error) {
	return w.supply, nil
}

func (w *fakeWallet) SignMessage(_ context.Context, _, _ string, _ []byte) (string, error) {
	return "sig", nil
}

func (w *fakeWallet) VerifyMessage(_ context.Context, _, _ string, _ []byte) (bool, error) {
	return w.verifyOK, nil
}

func (w *fakeWallet) ListUnspent(_ context.Context, _ string, _ int) ([]wallet.UnspentOutput, error) {
	return nil, nil
}

// fakeRecalc counts recalculations and snapshots the tally.
type fakeRecalc struct {
	govRepo *memGovRepo
	calls   int
}

func (f *fakeRecalc) Recalculate(ctx context.Context, p *governance.Proposal) (*governance.ProposalResult, error) {
	f.calls++
	votes, err := f.govRepo.ListVotes(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	res := &governance.ProposalResult{
		ID:           uuid.New(),
		ProposalID:   p.ID,
		CalculatedAt: time.Now().UTC(),
		Options:      governance.Tally(p, votes),
	}
	if err := f.govRepo.CreateResult(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}
