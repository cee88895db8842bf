package dispatch

import (
	"context"
	"errors"

	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/domain/message"
	"github.com/marketd/marketd/internal/infrastructure/notify"
)

// ErrSequenceGap signals that a causal predecessor of the message is not
// known locally yet. The dispatcher turns it into WAITING while the message
// is still within its network expiry, PROCESSING_FAILED after.
var ErrSequenceGap = errors.New("referenced entity not yet known locally")

// Handler is the per-action-type capability the dispatcher drives.
// ValidateContent checks well-formedness only; ValidateSequence checks that
// causal predecessors exist; Process mutates local state idempotently,
// keyed by content hash.
type Handler interface {
	ValidateContent(msg action.Message) error
	ValidateSequence(ctx context.Context, msg action.Message) error
	Process(ctx context.Context, msg action.Message, sm *message.StoredMessage) error
	// Notification returns a user-facing notification for the given
	// direction and final status, or nil when none should be emitted.
	Notification(msg action.Message, dir message.Direction, status message.Status) *notify.Notification
}

// Registry maps action types to handlers.
type Registry struct {
	handlers map[action.Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[action.Type]Handler)}
}

// Register binds a handler to one or more action types.
func (r *Registry) Register(h Handler, types ...action.Type) {
	for _, t := range types {
		r.handlers[t] = h
	}
}

// Lookup returns the handler for a type, or nil.
func (r *Registry) Lookup(t action.Type) Handler {
	return r.handlers[t]
}
