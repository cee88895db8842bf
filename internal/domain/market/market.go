package market

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// ListingItem is a published marketplace listing, keyed by content hash.
type ListingItem struct {
	ID          uuid.UUID `json:"id"`
	Hash        string    `json:"hash"`
	MarketHash  string    `json:"marketHash,omitempty"`
	Seller      string    `json:"seller"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Price       int64     `json:"price"`
	MsgID       string    `json:"msgid"`
	PostedAt    time.Time `json:"postedAt"`
	ReceivedAt  time.Time `json:"receivedAt"`
	ExpiredAt   time.Time `json:"expiredAt"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Market is a marketplace this node participates in.
type Market struct {
	ID        uuid.UUID `json:"id"`
	Hash      string    `json:"hash"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// BidStatus tracks a bid through the seller's decision.
type BidStatus string

const (
	BidStatusReceived BidStatus = "RECEIVED"
	BidStatusAccepted BidStatus = "ACCEPTED"
	BidStatusRejected BidStatus = "REJECTED"
	BidStatusCanceled BidStatus = "CANCELED"
)

// Bid is an offer on a listing item, keyed by content hash.
type Bid struct {
	ID         uuid.UUID `json:"id"`
	Hash       string    `json:"hash"`
	ItemHash   string    `json:"itemHash"`
	MarketHash string    `json:"marketHash,omitempty"`
	Bidder     string    `json:"bidder"`
	Amount     int64     `json:"amount"`
	Status     BidStatus `json:"status"`
	MsgID      string    `json:"msgid"`
	PostedAt   time.Time `json:"postedAt"`
	ReceivedAt time.Time `json:"receivedAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (b *Bid) canTransitionTo(target BidStatus) bool {
	transitions := map[BidStatus][]BidStatus{
		BidStatusReceived: {BidStatusAccepted, BidStatusRejected, BidStatusCanceled},
		BidStatusAccepted: {},
		BidStatusRejected: {},
		BidStatusCanceled: {},
	}
	for _, s := range transitions[b.Status] {
		if s == target {
			return true
		}
	}
	return false
}

func (b *Bid) setStatus(target BidStatus) error {
	if !b.canTransitionTo(target) {
		return ErrInvalidTransition
	}
	b.Status = target
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Bid) Accept() error { return b.setStatus(BidStatusAccepted) }
func (b *Bid) Reject() error { return b.setStatus(BidStatusRejected) }
func (b *Bid) Cancel() error { return b.setStatus(BidStatusCanceled) }

// EscrowStatus orders the escrow lifecycle of an accepted bid.
type EscrowStatus string

const (
	EscrowStatusLocked    EscrowStatus = "LOCKED"
	EscrowStatusReleased  EscrowStatus = "RELEASED"
	EscrowStatusRefunded  EscrowStatus = "REFUNDED"
	EscrowStatusCompleted EscrowStatus = "COMPLETED"
)

// Escrow tracks the funds locked against an accepted bid.
type Escrow struct {
	ID        uuid.UUID    `json:"id"`
	BidHash   string       `json:"bidHash"`
	Status    EscrowStatus `json:"status"`
	Memo      string       `json:"memo,omitempty"`
	MsgID     string       `json:"msgid"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func (e *Escrow) canTransitionTo(target EscrowStatus) bool {
	transitions := map[EscrowStatus][]EscrowStatus{
		EscrowStatusLocked:    {EscrowStatusReleased, EscrowStatusRefunded},
		EscrowStatusReleased:  {EscrowStatusCompleted},
		EscrowStatusRefunded:  {},
		EscrowStatusCompleted: {},
	}
	for _, s := range transitions[e.Status] {
		if s == target {
			return true
		}
	}
	return false
}

func (e *Escrow) setStatus(target EscrowStatus) error {
	if !e.canTransitionTo(target) {
		return ErrInvalidTransition
	}
	e.Status = target
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (e *Escrow) Release() error  { return e.setStatus(EscrowStatusReleased) }
func (e *Escrow) Refund() error   { return e.setStatus(EscrowStatusRefunded) }
func (e *Escrow) Complete() error { return e.setStatus(EscrowStatusCompleted) }

// Comment is attached to a listing, proposal or parent comment by target hash.
type Comment struct {
	ID         uuid.UUID `json:"id"`
	Hash       string    `json:"hash"`
	Sender     string    `json:"sender"`
	Target     string    `json:"target"`
	ParentHash string    `json:"parentHash,omitempty"`
	Message    string    `json:"message"`
	MsgID      string    `json:"msgid"`
	PostedAt   time.Time `json:"postedAt"`
	ReceivedAt time.Time `json:"receivedAt"`
	CreatedAt  time.Time `json:"createdAt"`
}
