package action

import (
	"errors"
	"time"
)

// Type identifies the kind of marketplace action carried by a message.
type Type string

const (
	TypeListingAdd     Type = "LISTING_ADD"
	TypeBid            Type = "BID"
	TypeBidAccept      Type = "BID_ACCEPT"
	TypeBidReject      Type = "BID_REJECT"
	TypeBidCancel      Type = "BID_CANCEL"
	TypeEscrowLock     Type = "ESCROW_LOCK"
	TypeEscrowRelease  Type = "ESCROW_RELEASE"
	TypeEscrowRefund   Type = "ESCROW_REFUND"
	TypeEscrowComplete Type = "ESCROW_COMPLETE"
	TypeProposalAdd    Type = "PROPOSAL_ADD"
	TypeVote           Type = "VOTE"
	TypeCommentAdd     Type = "COMMENT_ADD"
)

// Well-known keys for the KVObject side channel.
const (
	ObjectKeyResentMsgID = "RESENT_MSGID"
	ObjectKeyBidOnMarket = "BID_ON_MARKET"
)

var (
	ErrUnknownType  = errors.New("unknown action type")
	ErrHashMismatch = errors.New("claimed hash does not match recomputed hash")
)

// KVObject is a generic key/value attachment on an action message.
type KVObject struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Message is a decoded, typed action payload.
type Message interface {
	Type() Type
	// ClaimedHash returns the hash carried on the wire.
	ClaimedHash() string
	// ComputeHash recomputes the content hash over the significant fields
	// in their fixed order.
	ComputeHash() string
	// Objects returns the key/value side channel, possibly nil.
	Objects() []KVObject
	// Generated returns when the sender generated the action.
	Generated() time.Time
}

// Known reports whether the wire type string maps to a supported action.
func Known(t string) bool {
	switch Type(t) {
	case TypeListingAdd, TypeBid, TypeBidAccept, TypeBidReject, TypeBidCancel,
		TypeEscrowLock, TypeEscrowRelease, TypeEscrowRefund, TypeEscrowComplete,
		TypeProposalAdd, TypeVote, TypeCommentAdd:
		return true
	}
	return false
}

// QueuePriority ranks action types for the dispatch queue. Lower values are
// dispatched first so that causally-foundational messages win under backlog.
func QueuePriority(t Type) int {
	switch t {
	case TypeListingAdd:
		return 0
	case TypeProposalAdd:
		return 1
	case TypeBid:
		return 2
	case TypeBidAccept, TypeBidReject, TypeBidCancel:
		return 3
	case TypeEscrowLock, TypeEscrowRelease, TypeEscrowRefund, TypeEscrowComplete:
		return 4
	case TypeVote:
		return 5
	case TypeCommentAdd:
		return 6
	default:
		return 7
	}
}

// ResentFrom returns the original msgid when the message carries a
// RESENT_MSGID object, or "" when it is not a resend.
func ResentFrom(m Message) string {
	for _, obj := range m.Objects() {
		if obj.Key == ObjectKeyResentMsgID {
			return obj.Value
		}
	}
	return ""
}
