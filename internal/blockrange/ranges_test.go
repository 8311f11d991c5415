package blockrange

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRanges_Examples(t *testing.T) {
	tests := []struct {
		name     string
		from, to uint64
		lookback *int64
		expected []Range
	}{
		{"floors start to lookback multiple", 5, 45, Lookback(20), []Range{{0, 19}, {20, 39}, {40, 45}}},
		{"single block inside chunk", 10, 10, Lookback(5), []Range{{10, 14}}},
		{"undefined lookback", 7, 1000, nil, []Range{{7, 1000}}},
		{"from after to", 50, 10, Lookback(5), []Range{}},
		{"exact chunk boundary", 0, 39, Lookback(20), []Range{{0, 19}, {20, 39}}},
		{"lookback of one", 3, 5, Lookback(1), []Range{{3, 3}, {4, 4}, {5, 5}}},
		{"single block tail keeps aligned width", 5, 40, Lookback(20), []Range{{0, 19}, {20, 39}, {40, 59}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetRanges(tt.from, tt.to, tt.lookback)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestGetRanges_InvalidLookback(t *testing.T) {
	for _, lookback := range []int64{0, -1, -100} {
		_, err := GetRanges(1, 100, Lookback(lookback))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidLookback))

		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, lookback, cfgErr.MaxBlockLookBack)
	}
}

func TestGetRanges_Properties(t *testing.T) {
	for _, lookback := range []int64{1, 3, 7, 20, 100, 1000} {
		for from := uint64(0); from < 60; from += 7 {
			for to := from; to < from+250; to += 13 {
				ranges, err := GetRanges(from, to, Lookback(lookback))
				require.NoError(t, err)
				require.NotEmpty(t, ranges)

				width := uint64(lookback)
				flooredStart := from / width * width
				expectedCount := (to + 1 - flooredStart + width - 1) / width
				assert.Equal(t, int(expectedCount), len(ranges), "from=%d to=%d L=%d", from, to, lookback)

				assert.LessOrEqual(t, ranges[0].From, from)
				assert.GreaterOrEqual(t, ranges[len(ranges)-1].To, to)
				for i, r := range ranges {
					assert.LessOrEqual(t, r.From, r.To)
					assert.LessOrEqual(t, r.Width(), width)
					assert.Zero(t, r.From%width, "chunk %s not aligned", r)
					if i > 0 {
						// Contiguous and disjoint.
						assert.Equal(t, ranges[i-1].To+1, r.From)
					}
				}
			}
		}
	}
}

func TestGetRanges_StableAcrossMovingHead(t *testing.T) {
	first, err := GetRanges(1234, 5000, Lookback(1000))
	require.NoError(t, err)
	second, err := GetRanges(1234, 5900, Lookback(1000))
	require.NoError(t, err)

	// Every full chunk from the first call reappears unchanged in the second.
	for _, r := range first[:len(first)-1] {
		assert.Contains(t, second, r)
	}
}
