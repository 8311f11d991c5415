// Package blockrange splits block intervals into provider-sized chunks for log queries.
//
// Chunks are aligned to multiples of the lookback so repeated queries with a moving
// toBlock produce identical chunks that can be served from a cache.
package blockrange

import (
	"errors"
	"fmt"
)

var ErrInvalidLookback = errors.New("maxBlockLookBack must be greater than 0")

// ConfigError is returned for a lookback that can never produce a valid partition.
// It is not retryable.
type ConfigError struct {
	MaxBlockLookBack int64
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid pagination config: maxBlockLookBack=%d: %v", e.MaxBlockLookBack, ErrInvalidLookback)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidLookback }

// Range is an inclusive block interval.
type Range struct {
	From uint64
	To   uint64
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.From, r.To)
}

// Width returns the number of blocks in the range.
func (r Range) Width() uint64 {
	return r.To - r.From + 1
}

// Lookback is a convenience for passing a defined lookback to GetRanges.
func Lookback(n int64) *int64 {
	return &n
}

// GetRanges partitions [fromBlock, toBlock] into ascending, disjoint chunks.
//
// With a nil lookback the whole span is returned as one range. Otherwise the first chunk
// starts at fromBlock floored to a multiple of the lookback, so it may begin before
// fromBlock; callers must filter results that fall outside the requested span.
// The last chunk is clipped to toBlock, except when that would leave only the chunk's
// first block: it then keeps its full aligned width.
func GetRanges(fromBlock, toBlock uint64, maxBlockLookBack *int64) ([]Range, error) {
	if maxBlockLookBack == nil {
		return []Range{{From: fromBlock, To: toBlock}}, nil
	}
	if fromBlock > toBlock {
		return []Range{}, nil
	}
	lookback := *maxBlockLookBack
	if lookback <= 0 {
		return nil, &ConfigError{MaxBlockLookBack: lookback}
	}

	width := uint64(lookback)
	start := fromBlock / width * width
	ranges := make([]Range, 0, (toBlock-start)/width+1)
	for {
		end := start + width - 1
		// end < start means the chunk wrapped past the top of uint64.
		if end >= toBlock || end < start {
			last := Range{From: start, To: toBlock}
			if start == toBlock && end > start {
				last.To = end
			}
			ranges = append(ranges, last)
			break
		}
		ranges = append(ranges, Range{From: start, To: end})
		start = end + 1
	}
	return ranges, nil
}
