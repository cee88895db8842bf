package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/metrics"
	"github.com/marketd/marketd/internal/infrastructure/notify"
	"github.com/marketd/marketd/internal/wallet"
)

// Dispatcher runs the validate, sequence-check, process, status-update,
// notify pipeline for one stored message at a time. It is driven by the
// single-concurrency side of the ingestion queue; it never runs two
// messages concurrently.
type Dispatcher struct {
	registry *Registry
	msgRepo  message.Repository
	hub      *notify.Hub
	metrics  *metrics.Pipeline
	logger   zerolog.Logger
}

func NewDispatcher(
	registry *Registry,
	msgRepo message.Repository,
	hub *notify.Hub,
	pipelineMetrics *metrics.Pipeline,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		msgRepo:  msgRepo,
		hub:      hub,
		metrics:  pipelineMetrics,
		logger:   logger.With().Str("service", "dispatcher").Logger(),
	}
}

// Process validates and processes one stored message and persists the
// resulting status. The returned error covers persistence problems only;
// processing failures degrade to a terminal status, they never abort the
// pipeline.
func (d *Dispatcher) Process(ctx context.Context, sm *message.StoredMessage) (message.Status, error) {
	msg, err := action.DecodeEnvelope(sm.Payload)
	if err != nil {
		if errors.Is(err, action.ErrUnknownType) {
			// Someone else's traffic on a shared channel, not a failure.
			return d.finalize(ctx, sm, nil, (*message.StoredMessage).MarkIgnored)
		}
		d.logger.Warn().Err(err).Str("msgid", sm.MsgID).Msg("stored payload no longer decodes")
		return d.finalize(ctx, sm, nil, (*message.StoredMessage).MarkValidationFailed)
	}

	handler := d.registry.Lookup(msg.Type())
	if handler == nil {
		return d.finalize(ctx, sm, msg, (*message.StoredMessage).MarkIgnored)
	}

	// Hash integrity gates everything else.
	if msg.ComputeHash() != msg.ClaimedHash() {
		d.logger.Warn().
			Str("msgid", sm.MsgID).
			Str("action_type", string(msg.Type())).
			Msg("hash mismatch, rejecting message")
		return d.finalizeWith(ctx, sm, msg, handler, (*message.StoredMessage).MarkValidationFailed)
	}

	if err := handler.ValidateContent(msg); err != nil {
		d.logger.Warn().Err(err).
			Str("msgid", sm.MsgID).
			Str("action_type", string(msg.Type())).
			Msg("content validation failed")
		return d.finalizeWith(ctx, sm, msg, handler, (*message.StoredMessage).MarkValidationFailed)
	}

	if err := handler.ValidateSequence(ctx, msg); err != nil {
		if !errors.Is(err, ErrSequenceGap) {
			return message.Status(""), fmt.Errorf("sequence validation: %w", err)
		}
		if sm.Expired(time.Now().UTC()) {
			// The predecessor can no longer arrive in time.
			return d.finalizeWith(ctx, sm, msg, handler, (*message.StoredMessage).MarkProcessingFailed)
		}
		return d.finalizeWith(ctx, sm, msg, handler, (*message.StoredMessage).MarkWaiting)
	}

	if err := handler.Process(ctx, msg, sm); err != nil {
		if errors.Is(err, wallet.ErrUnavailable) {
			// A collaborator outage says nothing about the message;
			// park it for the reprocess sweep instead of failing it.
			d.logger.Warn().Err(err).
				Str("msgid", sm.MsgID).
				Str("action_type", string(msg.Type())).
				Msg("collaborator unavailable, deferring message")
			if sm.Expired(time.Now().UTC()) {
				return d.finalizeWith(ctx, sm, msg, handler, (*message.StoredMessage).MarkProcessingFailed)
			}
			return d.finalizeWith(ctx, sm, msg, handler, (*message.StoredMessage).MarkWaiting)
		}
		d.logger.Warn().Err(err).
			Str("msgid", sm.MsgID).
			Str("action_type", string(msg.Type())).
			Msg("processing failed")
		return d.finalizeWith(ctx, sm, msg, handler, (*message.StoredMessage).MarkProcessingFailed)
	}

	return d.finalizeWith(ctx, sm, msg, handler, (*message.StoredMessage).MarkProcessed)
}

func (d *Dispatcher) finalizeWith(
	ctx context.Context,
	sm *message.StoredMessage,
	msg action.Message,
	handler Handler,
	mark func(*message.StoredMessage) error,
) (message.Status, error) {
	status, err := d.finalize(ctx, sm, msg, mark)
	if err != nil {
		return status, err
	}

	// Notification failures must not roll back the status change.
	if handler != nil && msg != nil {
		if n := handler.Notification(msg, sm.Direction, sm.Status); n != nil {
			d.hub.Publish(n)
			d.metrics.NotifySentTotal.Inc()
		}
	}
	return status, nil
}

func (d *Dispatcher) finalize(
	ctx context.Context,
	sm *message.StoredMessage,
	msg action.Message,
	mark func(*message.StoredMessage) error,
) (message.Status, error) {
	if err := mark(sm); err != nil {
		// Programming error: the status machine rejected the transition.
		d.logger.Error().Err(err).
			Str("msgid", sm.MsgID).
			Str("status", string(sm.Status)).
			Msg("invalid status transition")
		return sm.Status, err
	}
	if err := d.msgRepo.Update(ctx, sm); err != nil {
		return sm.Status, fmt.Errorf("failed to update stored message: %w", err)
	}

	d.metrics.StatusTotal.WithLabelValues(string(sm.Status)).Inc()
	event := d.logger.Debug()
	if sm.Status == message.StatusProcessingFailed || sm.Status == message.StatusValidationFailed {
		event = d.logger.Info()
	}
	actionType := sm.ActionType
	if msg != nil {
		actionType = msg.Type()
	}
	event.
		Str("msgid", sm.MsgID).
		Str("action_type", string(actionType)).
		Str("status", string(sm.Status)).
		Int("processed_count", sm.ProcessedCount).
		Msg("message dispatched")

	return sm.Status, nil
}
