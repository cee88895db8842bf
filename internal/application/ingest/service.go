package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/marketd/marketd/internal/application/dispatch"
	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/metrics"
	"github.com/marketd/marketd/internal/transport"
)

// Service drives the intake side of the pipeline: delivery notifications
// come in as msgids, a pool of workers fetches, deduplicates and persists
// them, and one dispatch loop processes the resulting queue strictly one
// message at a time.
type Service struct {
	transport  transport.Transport
	msgRepo    message.Repository
	dispatcher *dispatch.Dispatcher
	queue      *Queue
	metrics    *metrics.Pipeline
	logger     zerolog.Logger
	workers    int

	wg         sync.WaitGroup
	dispatchWG sync.WaitGroup
}

func NewService(
	tr transport.Transport,
	msgRepo message.Repository,
	dispatcher *dispatch.Dispatcher,
	queue *Queue,
	pipelineMetrics *metrics.Pipeline,
	workers int,
	logger zerolog.Logger,
) *Service {
	if workers < 1 {
		workers = 1
	}
	return &Service{
		transport:  tr,
		msgRepo:    msgRepo,
		dispatcher: dispatcher,
		queue:      queue,
		metrics:    pipelineMetrics,
		logger:     logger.With().Str("service", "ingest").Logger(),
		workers:    workers,
	}
}

// Queue returns the dispatch queue so other services can resubmit messages.
func (s *Service) Queue() *Queue { return s.queue }

// Start launches the worker pool consuming notifications and the dispatch
// loop consuming the queue. It returns immediately; call Stop to drain.
func (s *Service) Start(ctx context.Context, notifications <-chan string) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msgid, ok := <-notifications:
					if !ok {
						return
					}
					if err := s.Ingest(ctx, msgid); err != nil {
						s.logger.Error().Err(err).Str("msgid", msgid).Msg("failed to ingest message")
					}
				}
			}
		}()
	}

	// The dispatch loop only exits when the queue closes. Shutdown cancels
	// the intake context first and then drains the queue, so the loop needs
	// a context that outlives it for the remaining repository writes.
	drainCtx := context.WithoutCancel(ctx)
	s.dispatchWG.Add(1)
	go func() {
		defer s.dispatchWG.Done()
		s.dispatchLoop(drainCtx)
	}()

	s.logger.Info().Int("workers", s.workers).Msg("ingestion started")
}

// Stop waits for the intake workers, closes the queue and waits for the
// dispatch loop to drain it.
func (s *Service) Stop() {
	s.wg.Wait()
	s.queue.Close()
	s.dispatchWG.Wait()
	s.logger.Info().Msg("ingestion stopped")
}

// Ingest fetches one announced message, records it as NEW and queues it for
// dispatch. A msgid that is already in the ledger, or a resend whose
// original is, is acknowledged and dropped.
func (s *Service) Ingest(ctx context.Context, msgid string) error {
	existing, err := s.msgRepo.GetByMsgID(ctx, msgid, message.DirectionIncoming)
	if err != nil {
		return fmt.Errorf("failed to look up msgid %s: %w", msgid, err)
	}
	if existing != nil {
		s.metrics.DuplicateTotal.Inc()
		s.logger.Debug().Str("msgid", msgid).Msg("duplicate delivery, acknowledging")
		return s.transport.Acknowledge(ctx, msgid)
	}

	raw, err := s.transport.Fetch(ctx, msgid)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			s.metrics.DiscardedTotal.Inc()
			s.logger.Warn().Str("msgid", msgid).Msg("announced message vanished from network")
			return nil
		}
		return fmt.Errorf("failed to fetch msgid %s: %w", msgid, err)
	}

	actionType, err := action.PeekType(raw.Payload)
	if err != nil {
		// The envelope itself does not parse; there is nothing to record
		// about it. Acknowledge so the network stops announcing the msgid.
		s.metrics.DiscardedTotal.Inc()
		s.logger.Debug().Err(err).Str("msgid", msgid).Msg("discarding unparseable payload")
		return s.transport.Acknowledge(ctx, msgid)
	}

	if origin := s.resentFrom(raw.Payload); origin != "" {
		orig, err := s.msgRepo.GetByMsgID(ctx, origin, message.DirectionIncoming)
		if err != nil {
			return fmt.Errorf("failed to look up resend origin %s: %w", origin, err)
		}
		if orig != nil {
			s.metrics.DuplicateTotal.Inc()
			s.logger.Debug().
				Str("msgid", msgid).
				Str("origin", origin).
				Msg("resend of an already ingested message, acknowledging")
			return s.transport.Acknowledge(ctx, msgid)
		}
	}

	sm := message.New(msgid, message.DirectionIncoming, actionType, raw.Payload)
	sm.Version = raw.Version
	sm.From = raw.From
	sm.To = raw.To
	sm.SentAt = raw.SentAt
	sm.ReceivedAt = raw.ReceivedAt
	sm.ExpiresAt = raw.ExpiresAt
	sm.RetentionDays = raw.RetentionDays

	if err := s.msgRepo.Create(ctx, sm); err != nil {
		return fmt.Errorf("failed to persist msgid %s: %w", msgid, err)
	}
	s.metrics.IngestedTotal.Inc()

	s.queue.Push(sm)
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))

	if err := s.transport.Acknowledge(ctx, msgid); err != nil {
		// The row is durable; a failed ack only means one extra duplicate
		// delivery later.
		s.logger.Warn().Err(err).Str("msgid", msgid).Msg("failed to acknowledge message")
	}
	return nil
}

func (s *Service) resentFrom(payload []byte) string {
	msg, err := action.DecodeEnvelope(payload)
	if err != nil {
		return ""
	}
	return action.ResentFrom(msg)
}

func (s *Service) dispatchLoop(ctx context.Context) {
	for {
		sm, ok := s.queue.Pop()
		if !ok {
			return
		}
		s.metrics.QueueDepth.Set(float64(s.queue.Len()))
		if _, err := s.dispatcher.Process(ctx, sm); err != nil {
			s.logger.Error().Err(err).Str("msgid", sm.MsgID).Msg("dispatch failed")
		}
	}
}
