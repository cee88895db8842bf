// Package httpapi exposes a read-only status surface: pipeline health,
// message ledger counts, proposals with their latest tallies, and a
// server-sent event stream of processing notifications. All writes happen
// through the message pipeline, never through HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketd/marketd/internal/domain/governance"
	"github.com/marketd/marketd/internal/domain/market"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/notify"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	msgRepo     message.Repository
	govRepo     governance.Repository
	listingRepo market.ListingRepository
	hub         *notify.Hub
	registry    *prometheus.Registry
}

func NewServer(
	msgRepo message.Repository,
	govRepo governance.Repository,
	listingRepo market.ListingRepository,
	hub *notify.Hub,
	registry *prometheus.Registry,
) *Server {
	return &Server{
		msgRepo:     msgRepo,
		govRepo:     govRepo,
		listingRepo: listingRepo,
		hub:         hub,
		registry:    registry,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/messages/stats", s.messageStats)
		r.Get("/messages/waiting", s.waitingMessages)

		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", s.listProposals)
			r.Get("/{proposalHash}", s.getProposal)
			r.Get("/{proposalHash}/result", s.getProposalResult)
			r.Get("/{proposalHash}/votes", s.listProposalVotes)
		})

		r.Get("/listings/{listingHash}", s.getListing)
		r.Get("/events", s.sseEndpoint)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) messageStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.msgRepo.CountByStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"statuses": counts})
}

func (s *Server) waitingMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	waiting, err := s.msgRepo.ListByStatus(r.Context(), message.StatusWaiting, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"messages": waiting})
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	proposals, err := s.govRepo.ListProposals(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposals": proposals})
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	p, ok := s.proposalFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) getProposalResult(w http.ResponseWriter, r *http.Request) {
	p, ok := s.proposalFromPath(w, r)
	if !ok {
		return
	}
	result, err := s.govRepo.GetLatestResult(r.Context(), p.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if result == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no result calculated yet")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) listProposalVotes(w http.ResponseWriter, r *http.Request) {
	p, ok := s.proposalFromPath(w, r)
	if !ok {
		return
	}
	votes, err := s.govRepo.ListVotes(r.Context(), p.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"votes": votes})
}

func (s *Server) getListing(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "listingHash")
	item, err := s.listingRepo.GetByHash(r.Context(), hash)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if item == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "listing not found")
		return
	}

	// A network-blacklisted listing stays queryable but carries the flag.
	entry, err := s.govRepo.GetBlacklist(r.Context(), governance.BlacklistTypeListingItem, hash, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"listing": item,
		"removed": entry != nil,
	})
}

func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	sub := s.hub.Subscribe(uuid.NewString(), 64)
	defer s.hub.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case n, open := <-sub.C:
			if !open {
				return
			}
			payload, _ := json.Marshal(n)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) proposalFromPath(w http.ResponseWriter, r *http.Request) (*governance.Proposal, bool) {
	hash := chi.URLParam(r, "proposalHash")
	p, err := s.govRepo.GetProposalByHash(r.Context(), hash)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return nil, false
	}
	if p == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "proposal not found")
		return nil, false
	}
	return p, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
