package smsgredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/marketd/marketd/internal/transport"
)

const (
	inboxKeyPrefix = "smsg:inbox:"
	outboxStream   = "smsg.outbox"
)

// storedEnvelope is the JSON shape the daemon bridge deposits per msgid.
type storedEnvelope struct {
	MsgID         string `json:"msgid"`
	Version       string `json:"version"`
	From          string `json:"from"`
	To            string `json:"to"`
	Sent          int64  `json:"sent"`
	Received      int64  `json:"received"`
	Expiration    int64  `json:"expiration"`
	DaysRetention int    `json:"daysretention"`
	Payload       []byte `json:"payload"`
}

// Transport adapts the daemon bridge's Redis keyspace to the transport
// interface. Delivered messages sit under smsg:inbox:<msgid> until they are
// acknowledged; outgoing messages are appended to the outbox stream where
// the bridge picks them up and hands them to the daemon.
type Transport struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewTransport(rdb *redis.Client, logger zerolog.Logger) *Transport {
	return &Transport{
		rdb:    rdb,
		logger: logger.With().Str("service", "smsg-transport").Logger(),
	}
}

func (t *Transport) Fetch(ctx context.Context, msgid string) (*transport.InboundMessage, error) {
	raw, err := t.rdb.Get(ctx, inboxKeyPrefix+msgid).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, transport.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", msgid, err)
	}

	var env storedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode stored envelope %s: %w", msgid, err)
	}

	return &transport.InboundMessage{
		MsgID:         msgid,
		Version:       env.Version,
		From:          env.From,
		To:            env.To,
		SentAt:        time.Unix(env.Sent, 0).UTC(),
		ReceivedAt:    time.Unix(env.Received, 0).UTC(),
		ExpiresAt:     time.Unix(env.Expiration, 0).UTC(),
		RetentionDays: env.DaysRetention,
		Payload:       env.Payload,
	}, nil
}

func (t *Transport) Acknowledge(ctx context.Context, msgid string) error {
	if err := t.rdb.Del(ctx, inboxKeyPrefix+msgid).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge %s: %w", msgid, err)
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, req transport.SendRequest) (*transport.SendResult, error) {
	if req.EstimateOnly {
		// Fee estimation needs the daemon; the bridge answers on a reply
		// key. Not needed for free messages, which is all this node sends.
		return nil, errors.New("fee estimation not supported over the bridge")
	}

	id, err := t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: outboxStream,
		Values: map[string]interface{}{
			"from":          req.From,
			"to":            req.To,
			"payload":       req.Payload,
			"paid":          req.Paid,
			"daysretention": req.RetentionDays,
		},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to queue outgoing message: %w", err)
	}

	t.logger.Debug().Str("to", req.To).Str("entry", id).Msg("outgoing message queued")
	// The bridge reuses the stream entry id as the msgid it reports back.
	return &transport.SendResult{MsgID: id}, nil
}
