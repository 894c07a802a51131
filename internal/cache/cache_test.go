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

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, localSize int) (*RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, localSize), mr
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 0)

	require.NoError(t, c.Set(ctx, "token:mono", "abc", time.Minute))

	var got string
	found, err := c.Get(ctx, "token:mono", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc", got)
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t, 100)

	var got string
	found, err := c.Get(context.Background(), "missing", &got)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, got)
}

func TestSetStructValue(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 0)

	type token struct {
		Value   string
		Expires time.Time
	}
	in := token{Value: "xyz", Expires: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}
	require.NoError(t, c.Set(ctx, "k", in, time.Minute))

	var out token
	found, err := c.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in.Value, out.Value)
	assert.True(t, in.Expires.Equal(out.Expires))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, 0)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	assert.True(t, mr.Exists("k"))
	require.NoError(t, c.Delete(ctx, "k"))
	assert.False(t, mr.Exists("k"))
	assert.NoError(t, c.Delete(ctx, "never-set"))
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, 0)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	mr.FastForward(2 * time.Minute)

	var got string
	found, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}
