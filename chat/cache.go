package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"glossa_back/cache"
)

const recentMessagesCacheTTL = 30 * time.Second

// messageCache keeps the most recent messages of a thread in Redis so the
// history endpoint does not hit the database on every poll.
type messageCache struct {
	client *redis.Client
}

func newMessageCache(client *redis.Client) *messageCache {
	if client == nil {
		return nil
	}
	return &messageCache{client: client}
}

func (m *messageCache) key(threadID uint64) string {
	if m == nil || m.client == nil || threadID == 0 {
		return ""
	}
	return fmt.Sprintf("chat:recent:%d", threadID)
}

func (m *messageCache) get(ctx context.Context, threadID uint64) ([]messageRecord, error) {
	if m == nil || m.client == nil {
		return nil, redis.Nil
	}
	key := m.key(threadID)
	if key == "" {
		return nil, redis.Nil
	}

	ctx, cancel := cache.OpContext(ctx)
	defer cancel()

	data, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var records []messageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (m *messageCache) store(ctx context.Context, threadID uint64, records []messageRecord) {
	if m == nil || m.client == nil {
		return
	}
	key := m.key(threadID)
	if key == "" {
		return
	}

	payload, err := json.Marshal(records)
	if err != nil {
		log.Printf("chat: marshal recent messages cache payload failed: %v", err)
		return
	}

	ctx, cancel := cache.OpContext(ctx)
	defer cancel()

	if err := m.client.Set(ctx, key, payload, recentMessagesCacheTTL).Err(); err != nil {
		log.Printf("chat: store recent messages cache failed: %v", err)
	}
}

func (m *messageCache) invalidate(ctx context.Context, threadID uint64) {
	if m == nil || m.client == nil {
		return
	}
	key := m.key(threadID)
	if key == "" {
		return
	}

	ctx, cancel := cache.OpContext(ctx)
	defer cancel()

	if err := m.client.Del(ctx, key).Err(); err != nil {
		log.Printf("chat: invalidate recent messages cache failed: %v", err)
	}
}
