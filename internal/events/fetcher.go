// Package events fetches contract logs over block spans wider than a node will serve in
// one eth_getLogs call.
package events

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nimazeighami/keeper-engine/internal/blockrange"
	"github.com/nimazeighami/keeper-engine/internal/logging"
	"github.com/nimazeighami/keeper-engine/internal/metrics"
)

const (
	DefaultConcurrency = 200
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 10 * time.Second
)

var ErrEventFetch = errors.New("event fetch failed")

// FetchError is returned once every retry of a query has failed.
type FetchError struct {
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("event fetch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{ErrEventFetch, e.Err} }

// LogFilterer is satisfied by *ethclient.Client.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// SearchConfig bounds one query. MaxBlockLookBack 0 means the node accepts any span;
// a positive value is the widest span per request.
type SearchConfig struct {
	FromBlock        uint64
	ToBlock          uint64
	MaxBlockLookBack int64
	Concurrency      int
}

type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Fetcher struct {
	client     LogFilterer
	cache      ChunkCache
	maxRetries int
	retryDelay time.Duration
	sleep      SleepFunc
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Fetcher)

func WithCache(cache ChunkCache) Option {
	return func(f *Fetcher) { f.cache = cache }
}

func WithRetries(maxRetries int, delay time.Duration) Option {
	return func(f *Fetcher) {
		f.maxRetries = maxRetries
		f.retryDelay = delay
	}
}

func WithSleep(sleep SleepFunc) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = logging.OrNop(logger).Named("events") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

func NewFetcher(client LogFilterer, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:     client,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		sleep:      sleepContext,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Query returns every log matching filter in [cfg.FromBlock, cfg.ToBlock], ordered by block
// and log index. Filter's block bounds are ignored. Any failed sub-range fails the attempt
// and the whole query is retried.
func (f *Fetcher) Query(ctx context.Context, filter ethereum.FilterQuery, cfg SearchConfig) ([]types.Log, error) {
	if cfg.MaxBlockLookBack < 0 {
		return nil, &blockrange.ConfigError{MaxBlockLookBack: cfg.MaxBlockLookBack}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	for attempt := 1; ; attempt++ {
		logs, err := f.queryOnce(ctx, filter, cfg)
		if err == nil {
			return logs, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &FetchError{Attempts: attempt, Err: ctxErr}
		}
		if attempt > f.maxRetries {
			f.logger.Error("❌ event query failed",
				zap.Int("attempts", attempt),
				zap.Uint64("fromBlock", cfg.FromBlock),
				zap.Uint64("toBlock", cfg.ToBlock),
				zap.Error(err))
			return nil, &FetchError{Attempts: attempt, Err: err}
		}

		f.logger.Warn("event query failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", f.retryDelay),
			zap.Error(err))
		f.metrics.EventRetry()
		if err := f.sleep(ctx, f.retryDelay); err != nil {
			return nil, &FetchError{Attempts: attempt, Err: err}
		}
	}
}

func (f *Fetcher) queryOnce(ctx context.Context, filter ethereum.FilterQuery, cfg SearchConfig) ([]types.Log, error) {
	if cfg.FromBlock > cfg.ToBlock {
		return []types.Log{}, nil
	}

	var lookback *int64
	if cfg.MaxBlockLookBack > 0 {
		lookback = blockrange.Lookback(cfg.MaxBlockLookBack)
	}
	ranges, err := blockrange.GetRanges(cfg.FromBlock, cfg.ToBlock, lookback)
	if err != nil {
		return nil, err
	}

	results := make([][]types.Log, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, r := range ranges {
		// A clipped tail changes as the head moves, and an unclipped chunk past ToBlock may
		// not be final yet, so only full chunks inside the span are cached.
		cacheable := lookback != nil && r.Width() == uint64(*lookback) && r.To <= cfg.ToBlock
		g.Go(func() error {
			logs, err := f.fetchChunk(gctx, filter, r, cacheable)
			if err != nil {
				return fmt.Errorf("failed to get logs for blocks %s: %w", r, err)
			}
			results[i] = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []types.Log
	for _, logs := range results {
		for _, log := range logs {
			if log.BlockNumber >= cfg.FromBlock && log.BlockNumber <= cfg.ToBlock {
				out = append(out, log)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	if out == nil {
		out = []types.Log{}
	}

	f.logger.Debug("fetched events",
		zap.Int("requests", len(ranges)),
		zap.Int("events", len(out)))
	return out, nil
}

func (f *Fetcher) fetchChunk(ctx context.Context, filter ethereum.FilterQuery, r blockrange.Range, cacheable bool) ([]types.Log, error) {
	// A sibling chunk already failed this attempt.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var key string
	if cacheable && f.cache != nil {
		key = chunkKey(filter, r)
		logs, ok, err := f.cache.Get(ctx, key)
		switch {
		case err != nil:
			f.logger.Warn("chunk cache read failed", zap.String("key", key), zap.Error(err))
		case ok:
			f.metrics.EventChunk("hit")
			return logs, nil
		}
	}

	query := filter
	query.BlockHash = nil
	query.FromBlock = new(big.Int).SetUint64(r.From)
	query.ToBlock = new(big.Int).SetUint64(r.To)

	logs, err := f.client.FilterLogs(ctx, query)
	if err != nil {
		f.metrics.EventChunk("error")
		return nil, err
	}
	f.metrics.EventChunk("miss")

	if key != "" {
		if err := f.cache.Set(ctx, key, logs); err != nil {
			f.logger.Warn("chunk cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return logs, nil
}

// TopicHash accepts either a 32-byte hex topic or an event signature such as
// "Transfer(address,address,uint256)".
func TopicHash(s string) common.Hash {
	if strings.HasPrefix(s, "0x") && len(s) == 66 {
		return common.HexToHash(s)
	}
	return crypto.Keccak256Hash([]byte(s))
}
