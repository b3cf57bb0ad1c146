package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"gopherai-codegen/internal/metrics"
	"gopherai-codegen/internal/model"
)

const (
	DefaultRetention = 24 * time.Hour
	defaultPageSize  = 20
	maxPageSize      = 100
)

// MessageCache keeps a project's chat messages in Redis for a fixed retention window.
//
// Per project it keeps a sorted set of message ids scored by expiry time, a second
// sorted set scored by a per-project insertion counter, and a hash from id to the
// JSON-encoded message. Pages are read from the insertion set, so a message stored
// late (after a retry, say) lists after the ones already stored. Reads purge
// expired entries first and never fail: a Redis outage is logged and yields empty
// results.
type MessageCache struct {
	client    redisv9.UniversalClient
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewMessageCache(client redisv9.UniversalClient, retention time.Duration, logger *slog.Logger) *MessageCache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageCache{
		client:    client,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *MessageCache) Retention() time.Duration {
	return c.retention
}

// Store appends msg under projectID. ExpiresAt defaults to Timestamp plus the
// retention window.
func (c *MessageCache) Store(ctx context.Context, projectID string, msg model.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("store message: empty id")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now().UTC()
	}
	if msg.ExpiresAt.IsZero() {
		msg.ExpiresAt = msg.Timestamp.Add(c.retention)
	}
	msg.ProjectID = projectID

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message failed: %w", err)
	}

	seq, err := c.client.Incr(ctx, seqKey(projectID)).Result()
	if err != nil {
		metrics.CacheErrorsTotal.WithLabelValues("store").Inc()
		return fmt.Errorf("redis next message sequence failed: %w", err)
	}

	keys := []string{indexKey(projectID), orderKey(projectID), dataKey(projectID), seqKey(projectID)}
	_, err = c.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		pipe.ZAdd(ctx, keys[0], redisv9.Z{Score: float64(msg.ExpiresAt.UnixMilli()), Member: msg.ID})
		pipe.ZAddNX(ctx, keys[1], redisv9.Z{Score: float64(seq), Member: msg.ID})
		pipe.HSet(ctx, keys[2], msg.ID, payload)
		for _, k := range keys {
			pipe.Expire(ctx, k, c.retention)
		}
		return nil
	})
	if err != nil {
		metrics.CacheErrorsTotal.WithLabelValues("store").Inc()
		return fmt.Errorf("redis store message failed: %w", err)
	}
	return nil
}

// List returns up to limit messages in insertion order, starting at offset.
func (c *MessageCache) List(ctx context.Context, projectID string, offset, limit int) []model.Message {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if !c.purge(ctx, projectID) {
		return []model.Message{}
	}
	ids, err := c.client.ZRange(ctx, orderKey(projectID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		c.degrade("list", projectID, err)
		return []model.Message{}
	}
	return c.load(ctx, projectID, ids)
}

// Search returns every retained message whose body or sender label contains term,
// case-insensitively, in insertion order.
func (c *MessageCache) Search(ctx context.Context, projectID, term string) []model.Message {
	term = strings.ToLower(term)
	if term == "" {
		return []model.Message{}
	}

	if !c.purge(ctx, projectID) {
		return []model.Message{}
	}
	ids, err := c.client.ZRange(ctx, orderKey(projectID), 0, -1).Result()
	if err != nil {
		c.degrade("search", projectID, err)
		return []model.Message{}
	}

	matches := []model.Message{}
	for _, msg := range c.load(ctx, projectID, ids) {
		if msg.Matches(term) {
			matches = append(matches, msg)
		}
	}
	return matches
}

func (c *MessageCache) Count(ctx context.Context, projectID string) int {
	if !c.purge(ctx, projectID) {
		return 0
	}
	n, err := c.client.ZCard(ctx, indexKey(projectID)).Result()
	if err != nil {
		c.degrade("count", projectID, err)
		return 0
	}
	return int(n)
}

// Clear drops every cached message of a project.
func (c *MessageCache) Clear(ctx context.Context, projectID string) error {
	if err := c.client.Del(ctx, indexKey(projectID), orderKey(projectID), dataKey(projectID), seqKey(projectID)).Err(); err != nil {
		metrics.CacheErrorsTotal.WithLabelValues("clear").Inc()
		return fmt.Errorf("redis clear messages failed: %w", err)
	}
	return nil
}

// purge removes entries whose expiry has passed. It reports false when Redis is unreachable.
func (c *MessageCache) purge(ctx context.Context, projectID string) bool {
	key := indexKey(projectID)
	max := strconv.FormatInt(c.now().UnixMilli(), 10)

	expired, err := c.client.ZRangeByScore(ctx, key, &redisv9.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		c.degrade("purge", projectID, err)
		return false
	}
	if len(expired) == 0 {
		return true
	}

	members := make([]interface{}, len(expired))
	for i, id := range expired {
		members[i] = id
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		pipe.ZRem(ctx, key, members...)
		pipe.ZRem(ctx, orderKey(projectID), members...)
		pipe.HDel(ctx, dataKey(projectID), expired...)
		return nil
	})
	if err != nil {
		c.degrade("purge", projectID, err)
		return false
	}
	return true
}

func (c *MessageCache) load(ctx context.Context, projectID string, ids []string) []model.Message {
	if len(ids) == 0 {
		return []model.Message{}
	}
	values, err := c.client.HMGet(ctx, dataKey(projectID), ids...).Result()
	if err != nil {
		c.degrade("load", projectID, err)
		return []model.Message{}
	}

	now := c.now()
	messages := make([]model.Message, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var msg model.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			c.logger.Warn("skip undecodable cached message", "project_id", projectID, "message_id", ids[i], "error", err)
			continue
		}
		if msg.Expired(now) {
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

func (c *MessageCache) degrade(op, projectID string, err error) {
	metrics.CacheErrorsTotal.WithLabelValues(op).Inc()
	c.logger.Warn("message cache unavailable, returning empty result", "op", op, "project_id", projectID, "error", err)
}

func indexKey(projectID string) string {
	return fmt.Sprintf("project:%s:messages", projectID)
}

func orderKey(projectID string) string {
	return fmt.Sprintf("project:%s:messages:order", projectID)
}

func dataKey(projectID string) string {
	return fmt.Sprintf("project:%s:messages:data", projectID)
}

func seqKey(projectID string) string {
	return fmt.Sprintf("project:%s:messages:seq", projectID)
}
