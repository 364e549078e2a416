package consumer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Fence is a redis SETNX guard against broker redelivery storms. It sits in
// front of the database-level idempotency check, which stays authoritative:
// a fence failure falls through open.
type Fence struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

func NewFence(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Fence {
	return &Fence{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "delivery_fence").Logger(),
	}
}

func fenceKey(body []byte, retry int) string {
	sum := sha256.Sum256(body)
	return "alarm:fence:" + hex.EncodeToString(sum[:16]) + ":" + strconv.Itoa(retry)
}

// FirstDelivery reports whether this (body, retry generation) has not been
// seen inside the TTL. Redis errors read as first delivery.
func (f *Fence) FirstDelivery(ctx context.Context, body []byte, retry int) bool {
	if f == nil || f.rdb == nil {
		return true
	}
	ok, err := f.rdb.SetNX(ctx, fenceKey(body, retry), 1, f.ttl).Result()
	if err != nil {
		f.log.Warn().Err(err).Msg("fence check failed, passing delivery through")
		return true
	}
	return ok
}

// Release drops the fence entry after a failed processing attempt so a
// redelivery of the same generation is not swallowed.
func (f *Fence) Release(ctx context.Context, body []byte, retry int) {
	if f == nil || f.rdb == nil {
		return
	}
	if err := f.rdb.Del(ctx, fenceKey(body, retry)).Err(); err != nil {
		f.log.Warn().Err(err).Msg("fence release failed")
	}
}
