package action

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire payload of one secure message.
type Envelope struct {
	Version string          `json:"version"`
	Action  json.RawMessage `json:"action"`
}

// typeHeader is decoded first to pick the concrete message variant.
type typeHeader struct {
	Type string `json:"type"`
}

// DecodeEnvelope parses a raw wire payload into a typed action message.
// ErrUnknownType is returned for well-formed envelopes whose action type is
// not this application's traffic.
func DecodeEnvelope(payload []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if len(env.Action) == 0 {
		return nil, fmt.Errorf("envelope has no action")
	}

	var hdr typeHeader
	if err := json.Unmarshal(env.Action, &hdr); err != nil {
		return nil, fmt.Errorf("failed to decode action header: %w", err)
	}
	if !Known(hdr.Type) {
		return nil, ErrUnknownType
	}

	msg := newMessage(Type(hdr.Type))
	if err := json.Unmarshal(env.Action, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s action: %w", hdr.Type, err)
	}
	return msg, nil
}

// PeekType extracts just the action type from a raw wire payload without
// decoding the full variant. Unknown types are returned as-is so callers
// can record what they are ignoring.
func PeekType(payload []byte) (Type, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("failed to decode envelope: %w", err)
	}
	var hdr typeHeader
	if err := json.Unmarshal(env.Action, &hdr); err != nil {
		return "", fmt.Errorf("failed to decode action header: %w", err)
	}
	return Type(hdr.Type), nil
}

// EncodeEnvelope serializes an action message into a wire payload.
func EncodeEnvelope(version string, msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s action: %w", msg.Type(), err)
	}
	return json.Marshal(Envelope{Version: version, Action: raw})
}

func newMessage(t Type) Message {
	switch t {
	case TypeListingAdd:
		return &ListingAdd{}
	case TypeBid:
		return &Bid{}
	case TypeBidAccept, TypeBidReject, TypeBidCancel:
		return &BidDecision{}
	case TypeEscrowLock, TypeEscrowRelease, TypeEscrowRefund, TypeEscrowComplete:
		return &EscrowStep{}
	case TypeProposalAdd:
		return &ProposalAdd{}
	case TypeVote:
		return &Vote{}
	case TypeCommentAdd:
		return &CommentAdd{}
	default:
		return nil
	}
}
