// Package transport defines the collaborator interface to the external
// store-and-forward secure-messaging network. The network protocol itself
// lives outside this process; delivery notifications arrive as bare msgid
// strings pushed from a publish/subscribe channel.
package transport

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("message not found")

// InboundMessage is the wire envelope as delivered by the network.
// Immutable once received.
type InboundMessage struct {
	MsgID         string
	Version       string
	From          string
	To            string
	SentAt        time.Time
	ReceivedAt    time.Time
	ExpiresAt     time.Time
	RetentionDays int
	Payload       []byte
}

// SendRequest describes one outbound message.
type SendRequest struct {
	From          string
	To            string
	Payload       []byte
	Paid          bool
	RetentionDays int
	EstimateOnly  bool
}

// SendResult reports the assigned msgid, or only the fee for estimates.
type SendResult struct {
	MsgID string
	Fee   int64
}

// Transport is the narrow interface to the messaging network.
type Transport interface {
	// Fetch retrieves a delivered raw message. Returns ErrNotFound when the
	// network no longer holds the msgid.
	Fetch(ctx context.Context, msgid string) (*InboundMessage, error)
	// Acknowledge removes the raw message from the network inbox once it is
	// durable in the local ledger.
	Acknowledge(ctx context.Context, msgid string) error
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}
