package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	awaitingReplyKey = "chat:unread:awaiting_reply"
	// set when the hash was rebuilt from the database; it expires so the
	// hash is periodically reconciled with the store
	awaitingReplyWarmKey = "chat:unread:awaiting_reply:warm"
	awaitingReplyWarmTTL = 5 * time.Minute
)

// UnreadCache keeps the awaiting-reply count of every conversation in one hash.
type UnreadCache struct {
	store *Store
}

func (s *Store) UnreadCache() *UnreadCache {
	return &UnreadCache{store: s}
}

// SetAwaitingReply stores n for the conversation; zero removes the field.
func (c *UnreadCache) SetAwaitingReply(ctx context.Context, conversationID string, n int64) error {
	if n <= 0 {
		return c.store.client.HDel(ctx, awaitingReplyKey, conversationID).Err()
	}
	return c.store.client.HSet(ctx, awaitingReplyKey, conversationID, n).Err()
}

// ReplaceAwaitingReply swaps the whole hash for counts and marks it warm.
func (c *UnreadCache) ReplaceAwaitingReply(ctx context.Context, counts map[string]int64) error {
	fields := make(map[string]any, len(counts))
	for id, n := range counts {
		if n > 0 {
			fields[id] = n
		}
	}
	_, err := c.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, awaitingReplyKey)
		if len(fields) > 0 {
			pipe.HSet(ctx, awaitingReplyKey, fields)
		}
		pipe.Set(ctx, awaitingReplyWarmKey, "1", awaitingReplyWarmTTL)
		return nil
	})
	return err
}

// AwaitingReply returns the cached counts and whether the hash is complete.
func (c *UnreadCache) AwaitingReply(ctx context.Context) (map[string]int64, bool, error) {
	var (
		warm *redis.IntCmd
		all  *redis.MapStringStringCmd
	)
	_, err := c.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		warm = pipe.Exists(ctx, awaitingReplyWarmKey)
		all = pipe.HGetAll(ctx, awaitingReplyKey)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return parseCounts(all.Val()), warm.Val() == 1, nil
}

func parseCounts(raw map[string]string) map[string]int64 {
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out[k] = n
	}
	return out
}
