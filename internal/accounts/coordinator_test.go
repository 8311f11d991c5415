package accounts

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nonces struct{ pending, mined uint64 }

type fakeReader struct {
	mu      sync.Mutex
	byAddr  map[common.Address]nonces
	err     error
	queried []common.Address
}

func (f *fakeReader) PendingNonceAt(_ context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, addr)
	if f.err != nil {
		return 0, f.err
	}
	return f.byAddr[addr].pending, nil
}

func (f *fakeReader) NonceAt(_ context.Context, addr common.Address, block *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if block != nil {
		return 0, errors.New("expected latest block tag")
	}
	return f.byAddr[addr].mined, nil
}

func (f *fakeReader) set(addr common.Address, pending, mined uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byAddr[addr] = nonces{pending, mined}
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func newReader() *fakeReader {
	return &fakeReader{byAddr: make(map[common.Address]nonces)}
}

func TestHasPendingTx(t *testing.T) {
	reader := newReader()
	reader.set(alice, 5, 4)
	reader.set(bob, 7, 7)
	coordinator := NewCoordinator(reader)

	pending, err := coordinator.HasPendingTx(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, pending)

	pending, err = coordinator.HasPendingTx(context.Background(), bob)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestSelectAccount(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(r *fakeReader)
		expected common.Address
	}{
		{
			name: "first free",
			setup: func(r *fakeReader) {
				r.set(alice, 3, 2)
				r.set(bob, 1, 1)
				r.set(carol, 0, 0)
			},
			expected: bob,
		},
		{
			name: "first account free",
			setup: func(r *fakeReader) {
				r.set(alice, 2, 2)
				r.set(bob, 4, 1)
			},
			expected: alice,
		},
		{
			name: "all busy falls back to first",
			setup: func(r *fakeReader) {
				r.set(alice, 3, 2)
				r.set(bob, 9, 1)
				r.set(carol, 1, 0)
			},
			expected: alice,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := newReader()
			tt.setup(reader)

			selected, err := NewCoordinator(reader).SelectAccount(context.Background(), []common.Address{alice, bob, carol})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, selected)
		})
	}
}

func TestSelectAccount_StopsAtFirstFree(t *testing.T) {
	reader := newReader()
	reader.set(alice, 1, 1)

	_, err := NewCoordinator(reader).SelectAccount(context.Background(), []common.Address{alice, bob, carol})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{alice}, reader.queried)
}

func TestSelectAccount_Errors(t *testing.T) {
	_, err := NewCoordinator(newReader()).SelectAccount(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyPool)

	reader := newReader()
	reader.err = errors.New("node unavailable")
	_, err = NewCoordinator(reader).SelectAccount(context.Background(), []common.Address{alice})
	assert.ErrorContains(t, err, "node unavailable")
}

func TestComputeNonce(t *testing.T) {
	reader := newReader()
	reader.set(alice, 8, 6)
	reader.set(bob, 3, 3)
	coordinator := NewCoordinator(reader)

	nonce, err := coordinator.ComputeNonce(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), nonce)

	nonce, err = coordinator.ComputeNonce(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nonce)

	// Without local tracking the node's answer is repeated.
	nonce, err = coordinator.ComputeNonce(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nonce)
}

func TestComputeNonce_LocalTracking(t *testing.T) {
	reader := newReader()
	reader.set(alice, 3, 3)
	coordinator := NewCoordinator(reader, WithLocalNonces(true))
	ctx := context.Background()

	for _, expected := range []uint64{3, 4, 5} {
		nonce, err := coordinator.ComputeNonce(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, expected, nonce)
	}

	// Node catches up past the local view.
	reader.set(alice, 10, 9)
	nonce, err := coordinator.ComputeNonce(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), nonce)

	coordinator.ReleaseNonce(alice, 10)
	nonce, err = coordinator.ComputeNonce(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), nonce)

	// Releasing a stale nonce does nothing.
	coordinator.ReleaseNonce(alice, 4)
	nonce, err = coordinator.ComputeNonce(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), nonce)
}

func TestComputeNonce_LocalTrackingConcurrent(t *testing.T) {
	reader := newReader()
	reader.set(alice, 0, 0)
	coordinator := NewCoordinator(reader, WithLocalNonces(true))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := coordinator.ComputeNonce(context.Background(), alice)
			assert.NoError(t, err)
			mu.Lock()
			seen[nonce] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for i := uint64(0); i < 20; i++ {
		assert.True(t, seen[i], "nonce %d missing", i)
	}
}
