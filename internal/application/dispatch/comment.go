package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/domain/market"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/notify"
)

// CommentHandler processes COMMENT_ADD messages. Threaded replies wait for
// their parent comment; top-level comments only need their target to exist
// eventually, so they are accepted as-is.
type CommentHandler struct {
	commentRepo market.CommentRepository
	logger      zerolog.Logger
}

func NewCommentHandler(commentRepo market.CommentRepository, logger zerolog.Logger) *CommentHandler {
	return &CommentHandler{
		commentRepo: commentRepo,
		logger:      logger.With().Str("handler", "comment").Logger(),
	}
}

func (h *CommentHandler) ValidateContent(msg action.Message) error {
	c, ok := msg.(*action.CommentAdd)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	if c.Sender == "" {
		return errors.New("comment has no sender")
	}
	if c.Target == "" {
		return errors.New("comment has no target")
	}
	if c.Message == "" {
		return errors.New("comment has no message body")
	}
	return nil
}

func (h *CommentHandler) ValidateSequence(ctx context.Context, msg action.Message) error {
	c := msg.(*action.CommentAdd)
	if c.ParentHash == "" {
		return nil
	}
	parent, err := h.commentRepo.GetByHash(ctx, c.ParentHash)
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("parent comment %s: %w", c.ParentHash, ErrSequenceGap)
	}
	return nil
}

func (h *CommentHandler) Process(ctx context.Context, msg action.Message, sm *message.StoredMessage) error {
	c := msg.(*action.CommentAdd)
	now := time.Now().UTC()

	comment := &market.Comment{
		ID:         uuid.New(),
		Hash:       c.ClaimedHash(),
		Sender:     c.Sender,
		Target:     c.Target,
		ParentHash: c.ParentHash,
		Message:    c.Message,
		MsgID:      sm.MsgID,
		PostedAt:   c.Generated(),
		CreatedAt:  now,
	}
	if sm.Direction == message.DirectionIncoming {
		comment.PostedAt = sm.SentAt
		comment.ReceivedAt = sm.ReceivedAt
	}

	if err := h.commentRepo.Upsert(ctx, comment); err != nil {
		return fmt.Errorf("failed to upsert comment: %w", err)
	}
	return nil
}

func (h *CommentHandler) Notification(msg action.Message, dir message.Direction, status message.Status) *notify.Notification {
	if dir != message.DirectionIncoming || status != message.StatusProcessed {
		return nil
	}
	return &notify.Notification{
		Event:      "comment.received",
		ActionType: action.TypeCommentAdd,
		Direction:  dir,
		CreatedAt:  time.Now().UTC(),
	}
}
