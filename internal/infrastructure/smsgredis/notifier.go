// Package smsgredis consumes delivery notifications from the secure-message
// daemon. The daemon appends one entry per delivered message to a Redis
// stream; this notifier tails the stream and forwards bare msgids.
package smsgredis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MustClient builds a redis client from a URL or panics via the logger.
func MustClient(url string, logger zerolog.Logger) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}
	return redis.NewClient(opt)
}

// Notifier tails the delivery stream.
type Notifier struct {
	rdb    *redis.Client
	stream string
	logger zerolog.Logger
}

func NewNotifier(rdb *redis.Client, stream string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		rdb:    rdb,
		stream: stream,
		logger: logger.With().Str("service", "smsg-notifier").Logger(),
	}
}

// Run reads msgids from the stream and sends them on out until the context
// is canceled. New entries only: processing picks up from the ledger on
// restart, not from stream history.
func (n *Notifier) Run(ctx context.Context, out chan<- string) {
	lastID := "$"

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := n.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{n.stream, lastID},
			Count:   50,
			Block:   5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if !errors.Is(err, redis.Nil) {
				n.logger.Warn().Err(err).Msg("failed to read delivery stream")
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				msgid, ok := entry.Values["msgid"].(string)
				if !ok || msgid == "" {
					n.logger.Warn().Str("entry", entry.ID).Msg("delivery entry without msgid")
					continue
				}
				select {
				case out <- msgid:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
