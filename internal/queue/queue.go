// Package queue implements the durable, per-tenant, at-least-once ingest
// queue of spec.md §4.5 on top of Redis Streams, generalizing the teacher's
// single-key redis.Client construction (internal/cache/redis.go) from plain
// GET/SET to XADD/XREADGROUP/XACK/XPENDING consumer-group semantics.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one ingest record: a file that landed on local disk, waiting
// to be parsed, stored, and indexed for one tenant.
type Message struct {
	ID         string // Redis Stream entry id, set on read
	FilePath   string    `json:"file_path"`
	TenantCode string    `json:"tenant_code"`
	ReceivedAt time.Time `json:"received_at"`
}

// ConsumerGroup is the fixed consumer-group name every indexer worker joins,
// per spec.md §4.5 ("indexer-group").
const ConsumerGroup = "indexer-group"

// defaultBlockTimeout is used when blockTimeout is unset, matching spec.md
// §4.5's "~2 s" figure.
const defaultBlockTimeout = 2 * time.Second

// Queue is a per-tenant Redis Streams queue keyed "ingest:{tenantCode}".
type Queue struct {
	client       *redis.Client
	blockTimeout time.Duration
}

// New builds a Queue that blocks for up to blockTimeout on each read,
// wiring config.IngestConfig.BlockTimeout through so shutdown signals are
// observed within the deployment's configured window. blockTimeout <= 0
// falls back to defaultBlockTimeout.
func New(client *redis.Client, blockTimeout time.Duration) *Queue {
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}
	return &Queue{client: client, blockTimeout: blockTimeout}
}

func streamKey(tenantCode string) string {
	return "ingest:" + tenantCode
}

// Publish appends msg to the tenant's stream. Non-blocking: XADD returns as
// soon as Redis has appended the entry.
func (q *Queue) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	key := streamKey(msg.TenantCode)
	if err := q.ensureGroup(ctx, key); err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
}

func (q *Queue) ensureGroup(ctx context.Context, key string) error {
	err := q.client.XGroupCreateMkStream(ctx, key, ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Handler processes one batch. Returning nil acknowledges every message in
// the batch; returning an error (or panicking, which callers must recover)
// leaves the batch unacknowledged for redelivery.
type Handler func(ctx context.Context, batch []Message) error

// ConsumeForTenant reads up to batchSize pending messages for consumerName
// (a unique worker identity within ConsumerGroup) with a bounded ~2s block,
// invokes handler synchronously on any batch produced, and acknowledges the
// batch iff handler returns nil. Recovery: the first read against a fresh
// consumer identity replays its still-pending entries (delivered but never
// acked before a crash); subsequent reads pull new stream entries.
func (q *Queue) ConsumeForTenant(ctx context.Context, tenantCode, consumerName string, batchSize int64, handler Handler) error {
	key := streamKey(tenantCode)
	if err := q.ensureGroup(ctx, key); err != nil {
		return err
	}

	batch, err := q.readBatch(ctx, key, consumerName, batchSize, "0")
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		batch, err = q.readBatch(ctx, key, consumerName, batchSize, ">")
		if err != nil {
			return err
		}
	}
	if len(batch) == 0 {
		return nil
	}

	if err := handler(ctx, batch); err != nil {
		return err
	}

	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	return q.client.XAck(ctx, key, ConsumerGroup, ids...).Err()
}

// readBatch reads up to count entries for consumerName. start="0" replays
// consumerName's own pending entries; start=">" reads new stream entries.
func (q *Queue) readBatch(ctx context.Context, key, consumerName string, count int64, start string) ([]Message, error) {
	block := q.blockTimeout
	if start == "0" {
		block = 0 // pending-list reads never block
	}
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: consumerName,
		Streams:  []string{key, start},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading stream %s: %w", key, err)
	}

	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			raw, ok := entry.Values["payload"].(string)
			if !ok {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				continue
			}
			msg.ID = entry.ID
			out = append(out, msg)
		}
	}
	return out, nil
}

// PendingCount reports how many entries are delivered-but-unacked for the
// tenant's stream, for monitoring.
func (q *Queue) PendingCount(ctx context.Context, tenantCode string) (int64, error) {
	key := streamKey(tenantCode)
	summary, err := q.client.XPending(ctx, key, ConsumerGroup).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("XPENDING %s: %w", key, err)
	}
	return summary.Count, nil
}
