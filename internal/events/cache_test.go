package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimazeighami/keeper-engine/internal/blockrange"
)

type fakeRedis struct {
	data map[string][]byte
	ttl  time.Duration
	err  error
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	value, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(value), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = value.([]byte)
	f.ttl = expiration
	return redis.NewStatusResult("OK", nil)
}

func sampleLogs() []types.Log {
	return []types.Log{logAt(40, 0), logAt(41, 3)}
}

func assertRoundTrip(t *testing.T, cache ChunkCache) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "chunk", sampleLogs()))
	logs, ok, err := cache.Get(ctx, "chunk")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blocksOf(sampleLogs()), blocksOf(logs))
	assert.Equal(t, sampleLogs()[1].Data, logs[1].Data)
	assert.Equal(t, sampleLogs()[1].Topics, logs[1].Topics)

	require.NoError(t, cache.Set(ctx, "empty", nil))
	logs, ok, err = cache.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, logs)
}

func TestMemoryCache(t *testing.T) {
	cache, err := NewMemoryCache(context.Background(), time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	assertRoundTrip(t, cache)
}

func TestRedisCache(t *testing.T) {
	client := &fakeRedis{data: make(map[string][]byte)}
	cache := NewRedisCache(client, "keeper:logs:", time.Hour)

	assertRoundTrip(t, cache)
	assert.Contains(t, client.data, "keeper:logs:chunk")
	assert.Equal(t, time.Hour, client.ttl)
}

func TestRedisCache_Errors(t *testing.T) {
	client := &fakeRedis{data: make(map[string][]byte), err: errors.New("connection refused")}
	cache := NewRedisCache(client, "", time.Hour)

	_, _, err := cache.Get(context.Background(), "chunk")
	assert.ErrorContains(t, err, "connection refused")
	assert.Error(t, cache.Set(context.Background(), "chunk", sampleLogs()))

	client.err = nil
	client.data["bad"] = []byte("not json")
	_, _, err = cache.Get(context.Background(), "bad")
	assert.Error(t, err)
}

func TestQuery_CacheErrorsFallThroughToNode(t *testing.T) {
	node := nodeWithLogs(3, 12)
	client := &fakeRedis{data: make(map[string][]byte), err: errors.New("redis down")}
	fetcher := NewFetcher(node, WithCache(NewRedisCache(client, "", time.Hour)))

	logs, err := fetcher.Query(context.Background(), filterFor(), SearchConfig{FromBlock: 0, ToBlock: 19, MaxBlockLookBack: 10})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 12}, blocksOf(logs))
}

func TestChunkKey(t *testing.T) {
	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	topic := TopicHash("Created(address,address,address,address)")
	r := blockrange.Range{From: 100, To: 199}

	a := chunkKey(ethereum.FilterQuery{Addresses: []common.Address{contract, other}, Topics: [][]common.Hash{{topic}}}, r)
	b := chunkKey(ethereum.FilterQuery{Addresses: []common.Address{other, contract}, Topics: [][]common.Hash{{topic}}}, r)
	c := chunkKey(ethereum.FilterQuery{Addresses: []common.Address{contract}, Topics: [][]common.Hash{{topic}}}, r)
	d := chunkKey(ethereum.FilterQuery{Addresses: []common.Address{contract, other}, Topics: [][]common.Hash{{topic}}}, blockrange.Range{From: 200, To: 299})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Contains(t, a, ":100-199")
}
