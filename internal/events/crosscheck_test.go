package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestCrossCheck_Consistent(t *testing.T) {
	fetcher := NewFetcher(nil, WithSleep(noSleep(nil)))
	providers := []Provider{
		{Name: "infura", Client: nodeWithLogs(3, 8)},
		{Name: "alchemy", Client: nodeWithLogs(3, 8)},
	}

	result, err := fetcher.CrossCheck(context.Background(), providers, filterFor(), SearchConfig{FromBlock: 0, ToBlock: 10})
	require.NoError(t, err)
	assert.True(t, result.Consistent())
	assert.Equal(t, []uint64{3, 8}, blocksOf(result.Events))
	assert.Empty(t, result.Missing)
}

func TestCrossCheck_Missing(t *testing.T) {
	fetcher := NewFetcher(nil)
	lagging := nodeWithLogs(3)
	providers := []Provider{
		{Name: "a", Client: nodeWithLogs(3, 8)},
		{Name: "b", Client: lagging},
		{Name: "c", Client: nodeWithLogs(3, 8)},
	}

	result, err := fetcher.CrossCheck(context.Background(), providers, filterFor(), SearchConfig{FromBlock: 0, ToBlock: 10, MaxBlockLookBack: 5})
	require.NoError(t, err)
	assert.False(t, result.Consistent())
	assert.Equal(t, []uint64{3}, blocksOf(result.Events))
	assert.Equal(t, []uint64{8}, blocksOf(result.Missing))
}

func TestCrossCheck_DifferentPayloadIsMissing(t *testing.T) {
	forked := nodeWithLogs(3)
	forked.logs[0].Data = []byte("reorged")

	result, err := NewFetcher(nil).CrossCheck(context.Background(), []Provider{
		{Name: "a", Client: nodeWithLogs(3)},
		{Name: "b", Client: forked},
	}, filterFor(), SearchConfig{FromBlock: 0, ToBlock: 10})
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.Len(t, result.Missing, 2)
}

func TestCrossCheck_CombinesProviderErrors(t *testing.T) {
	broken1 := nodeWithLogs()
	broken1.err = errors.New("401 unauthorized")
	broken2 := nodeWithLogs()
	broken2.err = errors.New("429 too many requests")
	fetcher := NewFetcher(nil, WithRetries(0, 0))

	_, err := fetcher.CrossCheck(context.Background(), []Provider{
		{Name: "a", Client: broken1},
		{Name: "b", Client: nodeWithLogs(1)},
		{Name: "c", Client: broken2},
	}, filterFor(), SearchConfig{FromBlock: 0, ToBlock: 10})

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorContains(t, err, "401 unauthorized")
	assert.ErrorContains(t, err, "429 too many requests")
	assert.ErrorIs(t, err, ErrEventFetch)
}

func TestCrossCheck_NoProviders(t *testing.T) {
	_, err := NewFetcher(nil).CrossCheck(context.Background(), nil, filterFor(), SearchConfig{})
	assert.Error(t, err)
}
