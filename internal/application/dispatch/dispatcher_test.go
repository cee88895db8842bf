package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/domain/governance"
	"github.com/marketd/marketd/internal/domain/market"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/metrics"
	"github.com/marketd/marketd/internal/infrastructure/notify"
)

type pipelineEnv struct {
	dispatcher *Dispatcher
	msgRepo    *memMessageRepo
	listings   *memListingRepo
	markets    *memMarketRepo
	bids       *memBidRepo
	comments   *memCommentRepo
	gov        *memGovRepo
	wallet     *fakeWallet
	recalc     *fakeRecalc
	hub        *notify.Hub
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	logger := zerolog.Nop()

	env := &pipelineEnv{
		msgRepo:  newMemMessageRepo(),
		listings: newMemListingRepo(),
		markets:  newMemMarketRepo(),
		bids:     newMemBidRepo(),
		comments: newMemCommentRepo(),
		gov:      newMemGovRepo(),
		wallet:   &fakeWallet{balances: map[string]int64{}, supply: 1_000_000, verifyOK: true},
		hub:      notify.NewHub(),
	}
	env.recalc = &fakeRecalc{govRepo: env.gov}

	registry := NewRegistry()
	registry.Register(NewListingHandler(env.listings, env.markets, env.gov, logger), action.TypeListingAdd)
	registry.Register(NewBidHandler(env.bids, env.listings, logger), action.TypeBid)
	registry.Register(NewBidDecisionHandler(env.bids, logger),
		action.TypeBidAccept, action.TypeBidReject, action.TypeBidCancel)
	registry.Register(NewEscrowHandler(env.bids, logger),
		action.TypeEscrowLock, action.TypeEscrowRelease, action.TypeEscrowRefund, action.TypeEscrowComplete)
	registry.Register(NewProposalHandler(env.gov, env.listings, env.markets, logger), action.TypeProposalAdd)
	registry.Register(NewVoteHandler(env.gov, env.wallet, env.recalc, logger), action.TypeVote)
	registry.Register(NewCommentHandler(env.comments, logger), action.TypeCommentAdd)

	env.dispatcher = NewDispatcher(registry, env.msgRepo, env.hub, metrics.NewPipeline(nil), logger)
	t.Cleanup(env.hub.Stop)
	return env
}

func storedFor(t *testing.T, msgid string, msg action.Message) *message.StoredMessage {
	t.Helper()
	payload, err := action.EncodeEnvelope("1.0", msg)
	require.NoError(t, err)

	sm := message.New(msgid, message.DirectionIncoming, msg.Type(), payload)
	sm.SentAt = time.Now().UTC().Add(-time.Minute)
	sm.ReceivedAt = time.Now().UTC()
	sm.ExpiresAt = time.Now().UTC().Add(48 * time.Hour)
	return sm
}

func newListingAdd(t *testing.T) *action.ListingAdd {
	t.Helper()
	listing := &action.ListingAdd{
		Seller:      "pSellerAddr",
		Title:       "vintage amp",
		Description: "tube amplifier, working",
		Price:       25_000,
	}
	listing.TypeField = string(action.TypeListingAdd)
	listing.GeneratedAt = time.Now().UTC().UnixMilli()
	listing.Hash = listing.ComputeHash()
	return listing
}

func newBidFor(t *testing.T, itemHash string) *action.Bid {
	t.Helper()
	bid := &action.Bid{ItemHash: itemHash, Bidder: "pBidderAddr", Amount: 24_000}
	bid.TypeField = string(action.TypeBid)
	bid.GeneratedAt = time.Now().UTC().UnixMilli()
	bid.Hash = bid.ComputeHash()
	return bid
}

func newDecisionFor(t *testing.T, decision action.Type, bidHash string) *action.BidDecision {
	t.Helper()
	d := &action.BidDecision{BidHash: bidHash}
	d.TypeField = string(decision)
	d.GeneratedAt = time.Now().UTC().UnixMilli()
	d.Hash = d.ComputeHash()
	return d
}

func newProposalAdd(t *testing.T, category, target string) *action.ProposalAdd {
	t.Helper()
	p := &action.ProposalAdd{
		Submitter:   "pSubmitterAddr",
		Category:    category,
		Title:       "remove counterfeit listing",
		Description: "counterfeit goods",
		Target:      target,
		Options: []action.ProposalOptionSpec{
			{OptionID: 0, Description: governance.OptionKeep},
			{OptionID: 1, Description: governance.OptionRemove},
		},
	}
	p.TypeField = string(action.TypeProposalAdd)
	p.GeneratedAt = time.Now().UTC().UnixMilli()
	p.Hash = p.ComputeHash()
	return p
}

func TestDispatcherHashMismatchRejected(t *testing.T) {
	env := newPipelineEnv(t)
	listing := newListingAdd(t)
	listing.Hash = "deadbeef"

	sm := storedFor(t, "msg-1", listing)
	status, err := env.dispatcher.Process(context.Background(), sm)

	require.NoError(t, err)
	assert.Equal(t, message.StatusValidationFailed, status)
	assert.Empty(t, env.listings.byHash)
}

func TestDispatcherContentValidationFailure(t *testing.T) {
	env := newPipelineEnv(t)
	listing := newListingAdd(t)
	listing.Title = ""
	listing.Hash = listing.ComputeHash()

	status, err := env.dispatcher.Process(context.Background(), storedFor(t, "msg-1", listing))

	require.NoError(t, err)
	assert.Equal(t, message.StatusValidationFailed, status)
}

func TestDispatcherSequenceGapGoesWaiting(t *testing.T) {
	env := newPipelineEnv(t)
	bid := newBidFor(t, "unknown-item-hash")
	sm := storedFor(t, "msg-1", bid)

	status, err := env.dispatcher.Process(context.Background(), sm)

	require.NoError(t, err)
	assert.Equal(t, message.StatusWaiting, status)
	assert.Equal(t, 1, sm.ProcessedCount)
	require.NotNil(t, sm.ProcessedAt)

	// Still waiting on retry, count keeps climbing.
	status, err = env.dispatcher.Process(context.Background(), sm)
	require.NoError(t, err)
	assert.Equal(t, message.StatusWaiting, status)
	assert.Equal(t, 2, sm.ProcessedCount)
}

func TestDispatcherExpiredSequenceGapFails(t *testing.T) {
	env := newPipelineEnv(t)
	bid := newBidFor(t, "unknown-item-hash")
	sm := storedFor(t, "msg-1", bid)
	sm.ExpiresAt = time.Now().UTC().Add(-time.Hour)

	status, err := env.dispatcher.Process(context.Background(), sm)

	require.NoError(t, err)
	assert.Equal(t, message.StatusProcessingFailed, status)
}

func TestDispatcherListingThenBidFlow(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	listing := newListingAdd(t)
	status, err := env.dispatcher.Process(ctx, storedFor(t, "msg-listing", listing))
	require.NoError(t, err)
	require.Equal(t, message.StatusProcessed, status)

	bid := newBidFor(t, listing.ClaimedHash())
	status, err = env.dispatcher.Process(ctx, storedFor(t, "msg-bid", bid))
	require.NoError(t, err)
	require.Equal(t, message.StatusProcessed, status)

	stored, err := env.bids.GetByHash(ctx, bid.ClaimedHash())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, market.BidStatusReceived, stored.Status)
	assert.Equal(t, int64(24_000), stored.Amount)
}

func TestDispatcherBlacklistedListingRejected(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	listing := newListingAdd(t)
	require.NoError(t, env.gov.UpsertBlacklist(ctx, &governance.Blacklist{
		ID:              uuid.New(),
		Type:            governance.BlacklistTypeListingItem,
		Target:          listing.ClaimedHash(),
		CreatedFromVote: true,
		CreatedAt:       time.Now().UTC(),
	}))

	status, err := env.dispatcher.Process(ctx, storedFor(t, "msg-banned", listing))
	require.NoError(t, err)
	assert.Equal(t, message.StatusProcessingFailed, status)

	item, err := env.listings.GetByHash(ctx, listing.ClaimedHash())
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestDispatcherBidDecisionIsIdempotent(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	listing := newListingAdd(t)
	_, err := env.dispatcher.Process(ctx, storedFor(t, "msg-listing", listing))
	require.NoError(t, err)
	bid := newBidFor(t, listing.ClaimedHash())
	_, err = env.dispatcher.Process(ctx, storedFor(t, "msg-bid", bid))
	require.NoError(t, err)

	accept := newDecisionFor(t, action.TypeBidAccept, bid.ClaimedHash())
	status, err := env.dispatcher.Process(ctx, storedFor(t, "msg-accept", accept))
	require.NoError(t, err)
	require.Equal(t, message.StatusProcessed, status)

	// The same accept arriving again succeeds without a state change.
	status, err = env.dispatcher.Process(ctx, storedFor(t, "msg-accept-2", accept))
	require.NoError(t, err)
	assert.Equal(t, message.StatusProcessed, status)

	// A conflicting decision after the bid settled is a processing failure.
	reject := newDecisionFor(t, action.TypeBidReject, bid.ClaimedHash())
	status, err = env.dispatcher.Process(ctx, storedFor(t, "msg-reject", reject))
	require.NoError(t, err)
	assert.Equal(t, message.StatusProcessingFailed, status)
}

func TestDispatcherEscrowRequiresAcceptedBid(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	listing := newListingAdd(t)
	_, err := env.dispatcher.Process(ctx, storedFor(t, "msg-listing", listing))
	require.NoError(t, err)
	bid := newBidFor(t, listing.ClaimedHash())
	_, err = env.dispatcher.Process(ctx, storedFor(t, "msg-bid", bid))
	require.NoError(t, err)

	lock := &action.EscrowStep{BidHash: bid.ClaimedHash()}
	lock.TypeField = string(action.TypeEscrowLock)
	lock.GeneratedAt = time.Now().UTC().UnixMilli()
	lock.Hash = lock.ComputeHash()

	// Lock before accept waits for the accept to arrive.
	status, err := env.dispatcher.Process(ctx, storedFor(t, "msg-lock", lock))
	require.NoError(t, err)
	assert.Equal(t, message.StatusWaiting, status)

	accept := newDecisionFor(t, action.TypeBidAccept, bid.ClaimedHash())
	_, err = env.dispatcher.Process(ctx, storedFor(t, "msg-accept", accept))
	require.NoError(t, err)

	status, err = env.dispatcher.Process(ctx, storedFor(t, "msg-lock-2", lock))
	require.NoError(t, err)
	require.Equal(t, message.StatusProcessed, status)

	escrow, err := env.bids.GetEscrowByBidHash(ctx, bid.ClaimedHash())
	require.NoError(t, err)
	require.NotNil(t, escrow)
	assert.Equal(t, market.EscrowStatusLocked, escrow.Status)
}

func TestDispatcherUnknownTypeIgnored(t *testing.T) {
	env := newPipelineEnv(t)

	sm := message.New("msg-1", message.DirectionIncoming, action.Type("EXOTIC"),
		[]byte(`{"version":"1.0","action":{"type":"EXOTIC"}}`))
	sm.ExpiresAt = time.Now().UTC().Add(time.Hour)

	status, err := env.dispatcher.Process(context.Background(), sm)

	require.NoError(t, err)
	assert.Equal(t, message.StatusIgnored, status)
}

func TestDispatcherUnregisteredHandlerIgnored(t *testing.T) {
	env := newPipelineEnv(t)

	// A registry without a comment handler treats COMMENT_ADD as not ours.
	registry := NewRegistry()
	d := NewDispatcher(registry, env.msgRepo, env.hub, metrics.NewPipeline(nil), zerolog.Nop())

	comment := &action.CommentAdd{Sender: "a", Target: "b", Message: "hi"}
	comment.TypeField = string(action.TypeCommentAdd)
	comment.GeneratedAt = time.Now().UTC().UnixMilli()
	comment.Hash = comment.ComputeHash()

	status, err := d.Process(context.Background(), storedFor(t, "msg-1", comment))

	require.NoError(t, err)
	assert.Equal(t, message.StatusIgnored, status)
}

func TestDispatcherProposalCreatesFlagAndInitialResult(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	listing := newListingAdd(t)
	_, err := env.dispatcher.Process(ctx, storedFor(t, "msg-listing", listing))
	require.NoError(t, err)

	proposal := newProposalAdd(t, string(governance.CategoryItemVote), listing.ClaimedHash())
	status, err := env.dispatcher.Process(ctx, storedFor(t, "msg-proposal", proposal))
	require.NoError(t, err)
	require.Equal(t, message.StatusProcessed, status)

	stored, err := env.gov.GetProposalByHash(ctx, proposal.ClaimedHash())
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Len(t, stored.Options, 2)
	assert.Equal(t, governance.OptionKeep, stored.Options[0].Description)
	assert.NotEmpty(t, stored.Options[0].Hash)

	flag, err := env.gov.GetFlaggedItem(ctx, stored.ID)
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.Equal(t, listing.ClaimedHash(), flag.ListingItemHash)

	result, err := env.gov.GetLatestResult(ctx, stored.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Zero(t, result.WeightFor(0))
	assert.Zero(t, result.WeightFor(1))
}

func TestDispatcherProposalReceiptIsIdempotent(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	proposal := newProposalAdd(t, string(governance.CategoryPublicVote), "")
	_, err := env.dispatcher.Process(ctx, storedFor(t, "msg-1", proposal))
	require.NoError(t, err)
	_, err = env.dispatcher.Process(ctx, storedFor(t, "msg-1-resent", proposal))
	require.NoError(t, err)

	assert.Len(t, env.gov.proposals, 1)
	stored, err := env.gov.GetProposalByHash(ctx, proposal.ClaimedHash())
	require.NoError(t, err)
	assert.Len(t, env.gov.results[stored.ID], 1)
}

func TestDispatcherVoteWeightAndSupersession(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	env.wallet.balances["pVoterAddr"] = 5_000

	proposal := newProposalAdd(t, string(governance.CategoryPublicVote), "")
	_, err := env.dispatcher.Process(ctx, storedFor(t, "msg-proposal", proposal))
	require.NoError(t, err)
	stored, err := env.gov.GetProposalByHash(ctx, proposal.ClaimedHash())
	require.NoError(t, err)

	vote := action.NewVote(proposal.ClaimedHash(), 1, "pVoterAddr", time.Now().UTC())
	vote.Signature = "sig"
	vote.Hash = vote.ComputeHash()
	status, err := env.dispatcher.Process(ctx, storedFor(t, "msg-vote", vote))
	require.NoError(t, err)
	require.Equal(t, message.StatusProcessed, status)

	result, err := env.gov.GetLatestResult(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), result.WeightFor(1))
	assert.Zero(t, result.WeightFor(0))
	assert.Equal(t, 1, env.recalc.calls)

	// Revote moves the whole weight to the other option.
	revote := action.NewVote(proposal.ClaimedHash(), 0, "pVoterAddr", time.Now().UTC())
	revote.Signature = "sig"
	revote.Hash = revote.ComputeHash()
	status, err = env.dispatcher.Process(ctx, storedFor(t, "msg-revote", revote))
	require.NoError(t, err)
	require.Equal(t, message.StatusProcessed, status)

	result, err = env.gov.GetLatestResult(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), result.WeightFor(0))
	assert.Zero(t, result.WeightFor(1))
}

func TestDispatcherVoteOnMissingProposalWaits(t *testing.T) {
	env := newPipelineEnv(t)

	vote := action.NewVote("missing-proposal", 0, "pVoterAddr", time.Now().UTC())
	status, err := env.dispatcher.Process(context.Background(), storedFor(t, "msg-vote", vote))

	require.NoError(t, err)
	assert.Equal(t, message.StatusWaiting, status)
}

func TestDispatcherVoteAfterProposalExpiryFails(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	proposal := newProposalAdd(t, string(governance.CategoryPublicVote), "")
	sm := storedFor(t, "msg-proposal", proposal)
	sm.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	// Expired proposals still process; only votes are gated on the window.
	// Sequence validation has nothing to wait for here, so the proposal
	// lands even though its own message expired.
	status, err := env.dispatcher.Process(ctx, sm)
	require.NoError(t, err)
	require.Equal(t, message.StatusProcessed, status)

	vote := action.NewVote(proposal.ClaimedHash(), 0, "pVoterAddr", time.Now().UTC())
	vote.Signature = "sig"
	vote.Hash = vote.ComputeHash()
	status, err = env.dispatcher.Process(ctx, storedFor(t, "msg-vote", vote))

	require.NoError(t, err)
	assert.Equal(t, message.StatusProcessingFailed, status)
	assert.Zero(t, env.recalc.calls)
}

func TestDispatcherVoteSentInsideWindowProcessedLate(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	env.wallet.balances["pVoterAddr"] = 1_000

	proposal := newProposalAdd(t, string(governance.CategoryPublicVote), "")
	psm := storedFor(t, "msg-proposal", proposal)
	psm.ExpiresAt = time.Now().UTC().Add(-30 * time.Minute)
	status, err := env.dispatcher.Process(ctx, psm)
	require.NoError(t, err)
	require.Equal(t, message.StatusProcessed, status)

	// Cast an hour before the window closed, delivered only now.
	vote := action.NewVote(proposal.ClaimedHash(), 1, "pVoterAddr", time.Now().UTC())
	vote.Signature = "sig"
	vote.Hash = vote.ComputeHash()
	vsm := storedFor(t, "msg-vote", vote)
	vsm.SentAt = time.Now().UTC().Add(-90 * time.Minute)

	status, err = env.dispatcher.Process(ctx, vsm)
	require.NoError(t, err)
	assert.Equal(t, message.StatusProcessed, status)
	assert.Equal(t, 1, env.recalc.calls)
}

func TestDispatcherWalletOutageDefersVote(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	env.wallet.balances["pVoterAddr"] = 1_000

	proposal := newProposalAdd(t, string(governance.CategoryPublicVote), "")
	_, err := env.dispatcher.Process(ctx, storedFor(t, "msg-proposal", proposal))
	require.NoError(t, err)

	vote := action.NewVote(proposal.ClaimedHash(), 1, "pVoterAddr", time.Now().UTC())

	env.wallet.down = true
	status, err := env.dispatcher.Process(ctx, storedFor(t, "msg-vote", vote))
	require.NoError(t, err)
	require.Equal(t, message.StatusWaiting, status)
	assert.Zero(t, env.recalc.calls)

	// The daemon comes back; the reprocess cycle lands the vote.
	env.wallet.down = false
	sm, err := env.msgRepo.GetByMsgID(ctx, "msg-vote", message.DirectionIncoming)
	require.NoError(t, err)
	status, err = env.dispatcher.Process(ctx, sm)
	require.NoError(t, err)
	assert.Equal(t, message.StatusProcessed, status)
}

func TestDispatcherCommentThreading(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	parent := &action.CommentAdd{Sender: "a", Target: "some-listing", Message: "nice amp"}
	parent.TypeField = string(action.TypeCommentAdd)
	parent.GeneratedAt = time.Now().UTC().UnixMilli()
	parent.Hash = parent.ComputeHash()

	reply := &action.CommentAdd{Sender: "b", Target: "some-listing", ParentHash: parent.ComputeHash(), Message: "agreed"}
	reply.TypeField = string(action.TypeCommentAdd)
	reply.GeneratedAt = time.Now().UTC().UnixMilli()
	reply.Hash = reply.ComputeHash()

	// Reply before parent waits.
	status, err := env.dispatcher.Process(ctx, storedFor(t, "msg-reply", reply))
	require.NoError(t, err)
	assert.Equal(t, message.StatusWaiting, status)

	status, err = env.dispatcher.Process(ctx, storedFor(t, "msg-parent", parent))
	require.NoError(t, err)
	require.Equal(t, message.StatusProcessed, status)

	status, err = env.dispatcher.Process(ctx, storedFor(t, "msg-reply-2", reply))
	require.NoError(t, err)
	assert.Equal(t, message.StatusProcessed, status)
}
