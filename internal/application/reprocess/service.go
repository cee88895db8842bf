package reprocess

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/metrics"
)

// Enqueuer resubmits a stored message to the dispatch queue.
type Enqueuer interface {
	Push(m *message.StoredMessage)
}

// Delays are the retry backoff tiers, selected by how often a WAITING
// message has already been attempted.
type Delays struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
	Final  time.Duration
}

// Delay picks the backoff for the next attempt. Retries thin out as the
// attempt count climbs; a message that has waited thirty times only gets
// one more try per Final interval.
func (d Delays) Delay(processedCount int) time.Duration {
	switch {
	case processedCount < 10:
		return d.Short
	case processedCount < 20:
		return d.Medium
	case processedCount < 30:
		return d.Long
	default:
		return d.Final
	}
}

// Service periodically resubmits due WAITING messages to the dispatch
// queue. Messages whose causal predecessors never arrive keep cycling
// WAITING until their network expiry fails them for good.
type Service struct {
	msgRepo message.Repository
	queue   Enqueuer
	metrics *metrics.Pipeline
	logger  zerolog.Logger
	delays  Delays
	tick    time.Duration
	batch   int
}

func NewService(
	msgRepo message.Repository,
	queue Enqueuer,
	pipelineMetrics *metrics.Pipeline,
	delays Delays,
	tick time.Duration,
	logger zerolog.Logger,
) *Service {
	return &Service{
		msgRepo: msgRepo,
		queue:   queue,
		metrics: pipelineMetrics,
		logger:  logger.With().Str("service", "reprocess").Logger(),
		delays:  delays,
		tick:    tick,
		batch:   500,
	}
}

// Run blocks until the context is cancelled. Sweeps never overlap: the next
// tick waits for the previous sweep to finish.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info().Dur("tick", s.tick).Msg("reprocess loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reprocess loop stopped")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reprocess sweep failed")
			} else if n > 0 {
				s.logger.Debug().Int("resubmitted", n).Msg("reprocess sweep done")
			}
		}
	}
}

// Sweep resubmits every WAITING message whose backoff has elapsed, plus
// NEW rows that never reached a dispatch attempt, and returns how many it
// queued.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	waiting, err := s.msgRepo.ListByStatus(ctx, message.StatusWaiting, s.batch)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	resubmitted := 0
	for _, sm := range waiting {
		if !s.due(sm, now) {
			continue
		}
		s.queue.Push(sm)
		s.metrics.ReprocessTotal.Inc()
		resubmitted++
	}

	recovered, err := s.recoverStranded(ctx, now)
	if err != nil {
		return resubmitted, err
	}
	return resubmitted + recovered, nil
}

// recoverStranded re-feeds NEW rows whose dispatch never happened, e.g.
// after a crash between persisting and getting through the queue. A NEW
// row normally clears within seconds; one older than the shortest retry
// delay has no dispatch coming. Re-dispatching a message that did make it
// is harmless: processors upsert by content hash.
func (s *Service) recoverStranded(ctx context.Context, now time.Time) (int, error) {
	stranded, err := s.msgRepo.ListByStatus(ctx, message.StatusNew, s.batch)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, sm := range stranded {
		if now.Before(sm.CreatedAt.Add(s.delays.Short)) {
			continue
		}
		s.logger.Info().
			Str("msgid", sm.MsgID).
			Time("created_at", sm.CreatedAt).
			Msg("recovering stranded message")
		s.queue.Push(sm)
		s.metrics.ReprocessTotal.Inc()
		recovered++
	}
	return recovered, nil
}

func (s *Service) due(sm *message.StoredMessage, now time.Time) bool {
	if sm.ProcessedAt == nil {
		return true
	}
	return !now.Before(sm.ProcessedAt.Add(s.delays.Delay(sm.ProcessedCount)))
}
