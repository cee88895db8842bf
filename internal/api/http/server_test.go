package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/marketd/marketd/internal/domain/governance"
	"github.com/marketd/marketd/internal/domain/market"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/domain/message/mocks"
	"github.com/marketd/marketd/internal/infrastructure/notify"
)

// stubGovRepo serves a single proposal with one result.
type stubGovRepo struct {
	governance.Repository
	proposal    *governance.Proposal
	result      *governance.ProposalResult
	blacklisted bool
}

func (r *stubGovRepo) GetProposalByHash(_ context.Context, hash string) (*governance.Proposal, error) {
	if r.proposal != nil && r.proposal.Hash == hash {
		return r.proposal, nil
	}
	return nil, nil
}

func (r *stubGovRepo) GetLatestResult(_ context.Context, _ uuid.UUID) (*governance.ProposalResult, error) {
	return r.result, nil
}

func (r *stubGovRepo) ListProposals(_ context.Context, _, _ int) ([]*governance.Proposal, error) {
	if r.proposal == nil {
		return nil, nil
	}
	return []*governance.Proposal{r.proposal}, nil
}

func (r *stubGovRepo) GetBlacklist(_ context.Context, _ governance.BlacklistType, _, _ string) (*governance.Blacklist, error) {
	if !r.blacklisted {
		return nil, nil
	}
	return &governance.Blacklist{ID: uuid.New()}, nil
}

type stubListingRepo struct {
	item *market.ListingItem
}

func (r *stubListingRepo) Upsert(_ context.Context, _ *market.ListingItem) error { return nil }

func (r *stubListingRepo) GetByHash(_ context.Context, hash string) (*market.ListingItem, error) {
	if r.item != nil && r.item.Hash == hash {
		return r.item, nil
	}
	return nil, nil
}

func (r *stubListingRepo) CountByMarketHash(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (r *stubListingRepo) Delete(_ context.Context, _ string) error { return nil }

func newTestServer(t *testing.T, msgRepo message.Repository, gov *stubGovRepo, listings *stubListingRepo) *httptest.Server {
	t.Helper()
	hub := notify.NewHub()
	t.Cleanup(hub.Stop)
	srv := NewServer(msgRepo, gov, listings, hub, prometheus.NewRegistry())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestMessageStatsEndpoint(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	msgRepo := mocks.NewMockRepository(ctrl)
	msgRepo.EXPECT().CountByStatus(gomock.Any()).Return(map[message.Status]int64{
		message.StatusProcessed: 12,
		message.StatusWaiting:   3,
	}, nil)

	ts := newTestServer(t, msgRepo, &stubGovRepo{}, &stubListingRepo{})
	resp, err := http.Get(ts.URL + "/v1/messages/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Statuses map[string]int64 `json:"statuses"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(12), body.Statuses["PROCESSED"])
	assert.Equal(t, int64(3), body.Statuses["WAITING"])
}

func TestProposalEndpoints(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	msgRepo := mocks.NewMockRepository(ctrl)

	proposal := &governance.Proposal{
		ID:        uuid.New(),
		Hash:      "prop-1",
		Category:  governance.CategoryItemVote,
		Title:     "remove item",
		ExpiredAt: time.Now().UTC().Add(time.Hour),
	}
	gov := &stubGovRepo{
		proposal: proposal,
		result: &governance.ProposalResult{
			ID:         uuid.New(),
			ProposalID: proposal.ID,
			Options: []governance.OptionResult{
				{OptionID: 0, Weight: 100},
				{OptionID: 1, Weight: 900},
			},
		},
	}
	ts := newTestServer(t, msgRepo, gov, &stubListingRepo{})

	resp, err := http.Get(ts.URL + "/v1/proposals/prop-1/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result governance.ProposalResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, int64(900), result.WeightFor(1))

	missing, err := http.Get(ts.URL + "/v1/proposals/prop-unknown")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListingEndpointReportsRemoval(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	msgRepo := mocks.NewMockRepository(ctrl)

	listings := &stubListingRepo{item: &market.ListingItem{ID: uuid.New(), Hash: "item-1", Title: "lamp"}}
	ts := newTestServer(t, msgRepo, &stubGovRepo{blacklisted: true}, listings)

	resp, err := http.Get(ts.URL + "/v1/listings/item-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Removed bool `json:"removed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Removed)
}

func TestHealthz(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ts := newTestServer(t, mocks.NewMockRepository(ctrl), &stubGovRepo{}, &stubListingRepo{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
