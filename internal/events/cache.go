package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"github.com/nimazeighami/keeper-engine/internal/blockrange"
)

// ChunkCache stores the logs of one finished block range. Get reports ok=false on a miss.
type ChunkCache interface {
	Get(ctx context.Context, key string) ([]types.Log, bool, error)
	Set(ctx context.Context, key string, logs []types.Log) error
}

// chunkKey identifies a filter's addresses and topics over one block range.
func chunkKey(filter ethereum.FilterQuery, r blockrange.Range) string {
	addresses := make([]string, len(filter.Addresses))
	for i, addr := range filter.Addresses {
		addresses[i] = strings.ToLower(addr.Hex())
	}
	sort.Strings(addresses)

	var b strings.Builder
	b.WriteString(strings.Join(addresses, ","))
	for _, position := range filter.Topics {
		b.WriteByte('|')
		topics := make([]string, len(position))
		for i, topic := range position {
			topics[i] = topic.Hex()
		}
		sort.Strings(topics)
		b.WriteString(strings.Join(topics, ","))
	}

	fingerprint := crypto.Keccak256Hash([]byte(b.String()))
	return fmt.Sprintf("%s:%d-%d", fingerprint.Hex()[2:18], r.From, r.To)
}

// MemoryCache keeps chunks in-process.
type MemoryCache struct {
	cache *bigcache.BigCache
}

func NewMemoryCache(ctx context.Context, ttl time.Duration) (*MemoryCache, error) {
	config := bigcache.DefaultConfig(ttl)
	config.Verbose = false
	cache, err := bigcache.New(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &MemoryCache{cache: cache}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]types.Log, bool, error) {
	data, err := c.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return decodeLogs(data)
}

func (c *MemoryCache) Set(_ context.Context, key string, logs []types.Log) error {
	data, err := json.Marshal(logs)
	if err != nil {
		return err
	}
	return c.cache.Set(key, data)
}

func (c *MemoryCache) Close() error {
	return c.cache.Close()
}

// RedisClient is the part of *redis.Client the cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache shares chunks between keeper processes.
type RedisCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client RedisClient, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]types.Log, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s from redis: %w", key, err)
	}
	return decodeLogs(data)
}

func (c *RedisCache) Set(ctx context.Context, key string, logs []types.Log) error {
	data, err := json.Marshal(logs)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s to redis: %w", key, err)
	}
	return nil
}

func decodeLogs(data []byte) ([]types.Log, bool, error) {
	var logs []types.Log
	if err := json.Unmarshal(data, &logs); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached logs: %w", err)
	}
	if logs == nil {
		logs = []types.Log{}
	}
	return logs, true, nil
}

var (
	_ ChunkCache  = (*MemoryCache)(nil)
	_ ChunkCache  = (*RedisCache)(nil)
	_ RedisClient = (*redis.Client)(nil)
)
