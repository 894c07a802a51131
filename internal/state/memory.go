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

package state

import (
	"context"
	"time"

	"github.com/blnkfinance/bankfeed/model"
	gocache "github.com/patrickmn/go-cache"
)

// MemorySyncStore is the single-process store used for backfills and by
// tests. Its state dies with the process.
type MemorySyncStore struct {
	cursors *gocache.Cache
	seen    *gocache.Cache
	now     func() time.Time
}

func NewMemorySyncStore(retention time.Duration) *MemorySyncStore {
	if retention <= 0 {
		retention = DefaultDedupeRetention
	}
	return &MemorySyncStore{
		cursors: gocache.New(gocache.NoExpiration, 0),
		seen:    gocache.New(retention, time.Hour),
		now:     time.Now,
	}
}

func (s *MemorySyncStore) GetCursor(_ context.Context, scope model.SyncScope) (*model.SyncCursor, error) {
	value, ok := s.cursors.Get(scope.Key())
	if !ok {
		return nil, nil
	}
	cursor := value.(model.SyncCursor)
	return &cursor, nil
}

func (s *MemorySyncStore) IsNew(_ context.Context, scope model.SyncScope, dedupeKey string) (bool, error) {
	_, found := s.seen.Get(scope.Key() + ":" + dedupeKey)
	return !found, nil
}

func (s *MemorySyncStore) Commit(_ context.Context, scope model.SyncScope, cursor string, keys []string) error {
	if cursor == "" {
		s.cursors.Delete(scope.Key())
	} else {
		s.cursors.Set(scope.Key(), model.SyncCursor{
			ConnectionID: scope.ConnectionID,
			AccountID:    scope.AccountID,
			Value:        cursor,
			UpdatedAt:    s.now().UTC(),
		}, gocache.NoExpiration)
	}
	for _, key := range keys {
		s.seen.SetDefault(scope.Key()+":"+key, struct{}{})
	}
	return nil
}

// MemoryEventCache is the in-process webhook event cache.
type MemoryEventCache struct {
	events *gocache.Cache
}

func NewMemoryEventCache(retention time.Duration) *MemoryEventCache {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &MemoryEventCache{events: gocache.New(retention, retention)}
}

func (c *MemoryEventCache) Seen(_ context.Context, id string) (bool, error) {
	_, found := c.events.Get(id)
	return found, nil
}

func (c *MemoryEventCache) Claim(_ context.Context, id string) (bool, error) {
	if err := c.events.Add(id, struct{}{}, gocache.DefaultExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *MemoryEventCache) Release(_ context.Context, id string) error {
	c.events.Delete(id)
	return nil
}
