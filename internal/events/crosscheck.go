package events

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Provider struct {
	Name   string
	Client LogFilterer
}

// CrossCheckResult splits the union of all providers' logs into those every provider
// returned and those at least one provider was missing.
type CrossCheckResult struct {
	Events  []types.Log
	Missing []types.Log
}

func (r *CrossCheckResult) Consistent() bool { return len(r.Missing) == 0 }

type logKey struct {
	txHash  common.Hash
	txIndex uint
	index   uint
	address common.Address
	payload string
}

func keyOf(log types.Log) logKey {
	var payload bytes.Buffer
	for _, topic := range log.Topics {
		payload.Write(topic.Bytes())
	}
	payload.Write(log.Data)
	return logKey{
		txHash:  log.TxHash,
		txIndex: log.TxIndex,
		index:   log.Index,
		address: log.Address,
		payload: payload.String(),
	}
}

// CrossCheck runs the same query against every provider. Each provider gets this fetcher's
// pagination and retry settings but no chunk cache. All provider errors are returned together.
func (f *Fetcher) CrossCheck(ctx context.Context, providers []Provider, filter ethereum.FilterQuery, cfg SearchConfig) (*CrossCheckResult, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers to cross-check")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    error
		results = make([][]types.Log, len(providers))
	)
	for i, provider := range providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetcher := *f
			fetcher.client = provider.Client
			fetcher.cache = nil
			logs, err := fetcher.Query(ctx, filter, cfg)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("provider %s: %w", provider.Name, err))
				mu.Unlock()
				return
			}
			results[i] = logs
		}()
	}
	wg.Wait()
	if errs != nil {
		return nil, errs
	}

	type seen struct {
		log   types.Log
		count int
	}
	var (
		order  []logKey
		counts = make(map[logKey]*seen)
	)
	for _, logs := range results {
		for _, log := range logs {
			key := keyOf(log)
			if entry, ok := counts[key]; ok {
				entry.count++
				continue
			}
			counts[key] = &seen{log: log, count: 1}
			order = append(order, key)
		}
	}

	result := &CrossCheckResult{Events: []types.Log{}, Missing: []types.Log{}}
	for _, key := range order {
		entry := counts[key]
		if entry.count == len(providers) {
			result.Events = append(result.Events, entry.log)
		} else {
			result.Missing = append(result.Missing, entry.log)
		}
	}

	if !result.Consistent() {
		f.logger.Warn("providers disagree on events",
			zap.Int("providers", len(providers)),
			zap.Int("missing", len(result.Missing)))
	}
	return result, nil
}
