package message

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/marketd/marketd/internal/domain/action"
)

// Direction distinguishes received traffic from traffic this node sent.
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// Status is the processing status of a stored message.
type Status string

const (
	StatusNew              Status = "NEW"
	StatusProcessing       Status = "PROCESSING"
	StatusProcessed        Status = "PROCESSED"
	StatusProcessingFailed Status = "PROCESSING_FAILED"
	StatusValidationFailed Status = "VALIDATION_FAILED"
	StatusWaiting          Status = "WAITING"
	StatusIgnored          Status = "IGNORED"
	StatusSent             Status = "SENT"
	StatusResent           Status = "RESENT"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// StoredMessage is one row of the idempotency ledger. The (msgid, direction)
// pair is the idempotency boundary: at most one row is ever processed per pair.
type StoredMessage struct {
	ID             uuid.UUID   `json:"id"`
	MsgID          string      `json:"msgid"`
	Direction      Direction   `json:"direction"`
	Version        string      `json:"version"`
	From           string      `json:"from"`
	To             string      `json:"to"`
	ActionType     action.Type `json:"actionType"`
	Status         Status      `json:"status"`
	Payload        []byte      `json:"-"`
	SentAt         time.Time   `json:"sentAt"`
	ReceivedAt     time.Time   `json:"receivedAt"`
	ExpiresAt      time.Time   `json:"expiresAt"`
	RetentionDays  int         `json:"retentionDays"`
	ProcessedCount int         `json:"processedCount"`
	ProcessedAt    *time.Time  `json:"processedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// New creates a NEW incoming ledger row for a freshly fetched message.
func New(msgid string, dir Direction, actionType action.Type, payload []byte) *StoredMessage {
	now := time.Now().UTC()
	return &StoredMessage{
		ID:         uuid.New(),
		MsgID:      msgid,
		Direction:  dir,
		ActionType: actionType,
		Status:     StatusNew,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CanTransitionTo checks whether moving to the target status is valid.
// WAITING may re-enter itself: a message can stay waiting across retries.
func (m *StoredMessage) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusNew: {
			StatusProcessing, StatusProcessed, StatusProcessingFailed,
			StatusValidationFailed, StatusWaiting, StatusIgnored,
		},
		StatusProcessing: {
			StatusProcessed, StatusProcessingFailed, StatusValidationFailed, StatusWaiting,
		},
		StatusWaiting: {
			StatusProcessed, StatusProcessingFailed, StatusWaiting,
		},
		StatusProcessed:        {},
		StatusProcessingFailed: {},
		StatusValidationFailed: {},
		StatusIgnored:          {},
		StatusSent:             {StatusResent},
		StatusResent:           {StatusResent},
	}

	allowed, ok := transitions[m.Status]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

func (m *StoredMessage) transition(target Status) error {
	if !m.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	m.Status = target
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkProcessed finalizes the message after a successful processor run.
func (m *StoredMessage) MarkProcessed() error {
	if err := m.transition(StatusProcessed); err != nil {
		return err
	}
	now := time.Now().UTC()
	m.ProcessedAt = &now
	return nil
}

// MarkProcessingFailed finalizes the message after a permanent failure.
func (m *StoredMessage) MarkProcessingFailed() error {
	return m.transition(StatusProcessingFailed)
}

// MarkValidationFailed finalizes the message after a content rejection.
func (m *StoredMessage) MarkValidationFailed() error {
	return m.transition(StatusValidationFailed)
}

// MarkIgnored parks a message this node will not process.
func (m *StoredMessage) MarkIgnored() error {
	return m.transition(StatusIgnored)
}

// MarkWaiting records another unsatisfied-sequence attempt. The attempt
// counter and timestamp drive the reprocessing backoff.
func (m *StoredMessage) MarkWaiting() error {
	if err := m.transition(StatusWaiting); err != nil {
		return err
	}
	now := time.Now().UTC()
	m.ProcessedCount++
	m.ProcessedAt = &now
	return nil
}

// IsTerminal reports whether no further processing will happen.
func (m *StoredMessage) IsTerminal() bool {
	switch m.Status {
	case StatusProcessed, StatusProcessingFailed, StatusValidationFailed, StatusIgnored:
		return true
	}
	return false
}

// Expired reports whether the message passed its network expiry at the given time.
func (m *StoredMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}
