/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package state persists sync progress (cursors and seen dedupe keys) and
// recently processed webhook event ids.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/blnkfinance/bankfeed/model"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultDedupeRetention outlives the longest lookback window a fresh sync uses.
	DefaultDedupeRetention = 400 * 24 * time.Hour
	DefaultEventRetention  = time.Hour

	keyPrefix = "bankfeed"
)

func cursorKey(scope model.SyncScope) string {
	return fmt.Sprintf("%s:cursor:%s", keyPrefix, scope.Key())
}

func seenKey(scope model.SyncScope, dedupeKey string) string {
	return fmt.Sprintf("%s:seen:%s:%s", keyPrefix, scope.Key(), dedupeKey)
}

func eventKey(id string) string {
	return fmt.Sprintf("%s:webhook_event:%s", keyPrefix, id)
}

// RedisSyncStore keeps one hash per (connection, account) for the cursor and
// one expiring key per seen transaction.
type RedisSyncStore struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

func NewRedisSyncStore(client redis.UniversalClient, retention time.Duration) *RedisSyncStore {
	if retention <= 0 {
		retention = DefaultDedupeRetention
	}
	return &RedisSyncStore{client: client, retention: retention, now: time.Now}
}

// GetCursor returns nil when no cursor is stored.
func (s *RedisSyncStore) GetCursor(ctx context.Context, scope model.SyncScope) (*model.SyncCursor, error) {
	values, err := s.client.HGetAll(ctx, cursorKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	value, ok := values["value"]
	if !ok || value == "" {
		return nil, nil
	}
	cursor := &model.SyncCursor{ConnectionID: scope.ConnectionID, AccountID: scope.AccountID, Value: value}
	if updated, err := time.Parse(time.RFC3339Nano, values["updated_at"]); err == nil {
		cursor.UpdatedAt = updated
	}
	return cursor, nil
}

// IsNew only reads; keys are marked seen by Commit.
func (s *RedisSyncStore) IsNew(ctx context.Context, scope model.SyncScope, dedupeKey string) (bool, error) {
	n, err := s.client.Exists(ctx, seenKey(scope, dedupeKey)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedupe key: %w", err)
	}
	return n == 0, nil
}

// Commit stores the cursor and marks keys seen in one MULTI/EXEC. An empty
// cursor clears the stored one.
func (s *RedisSyncStore) Commit(ctx context.Context, scope model.SyncScope, cursor string, keys []string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if cursor == "" {
			pipe.Del(ctx, cursorKey(scope))
		} else {
			pipe.HSet(ctx, cursorKey(scope), "value", cursor, "updated_at", s.now().UTC().Format(time.RFC3339Nano))
		}
		for _, key := range keys {
			pipe.Set(ctx, seenKey(scope, key), 1, s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit sync state: %w", err)
	}
	return nil
}

// RedisEventCache remembers webhook event ids for the retention window.
type RedisEventCache struct {
	client    redis.UniversalClient
	retention time.Duration
}

func NewRedisEventCache(client redis.UniversalClient, retention time.Duration) *RedisEventCache {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &RedisEventCache{client: client, retention: retention}
}

func (c *RedisEventCache) Seen(ctx context.Context, id string) (bool, error) {
	n, err := c.client.Exists(ctx, eventKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim records id with SETNX and the retention TTL. It returns false when
// the id was already claimed.
func (c *RedisEventCache) Claim(ctx context.Context, id string) (bool, error) {
	return c.client.SetNX(ctx, eventKey(id), 1, c.retention).Result()
}

func (c *RedisEventCache) Release(ctx context.Context, id string) error {
	return c.client.Del(ctx, eventKey(id)).Err()
}
