// Package accounts picks which pooled account sends a transaction and with which nonce.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nimazeighami/keeper-engine/internal/logging"
)

var ErrEmptyPool = errors.New("account pool is empty")

// NonceReader is satisfied by *ethclient.Client. PendingNonceAt counts transactions at the
// "pending" tag and NonceAt with a nil block counts them at "latest".
type NonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

type Account struct {
	Address      common.Address
	HasPendingTx bool
	Nonce        uint64
}

// Coordinator is safe for concurrent use, but SelectAccount does not reserve the account it
// returns: two callers racing can both pick the same one.
type Coordinator struct {
	reader NonceReader
	logger *zap.Logger

	trackLocal bool
	mu         sync.Mutex
	lastNonce  map[common.Address]uint64
}

type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logging.OrNop(logger).Named("accounts") }
}

// WithLocalNonces makes ComputeNonce remember what it handed out, so back-to-back
// submissions from one account get increasing nonces before the node sees them.
func WithLocalNonces(enabled bool) Option {
	return func(c *Coordinator) { c.trackLocal = enabled }
}

func NewCoordinator(reader NonceReader, opts ...Option) *Coordinator {
	c := &Coordinator{
		reader:    reader,
		logger:    zap.NewNop(),
		lastNonce: make(map[common.Address]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) counts(ctx context.Context, addr common.Address) (pending, mined uint64, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := c.reader.PendingNonceAt(gctx, addr)
		if err != nil {
			return fmt.Errorf("failed to get pending nonce for %s: %w", addr.Hex(), err)
		}
		pending = n
		return nil
	})
	g.Go(func() error {
		n, err := c.reader.NonceAt(gctx, addr, nil)
		if err != nil {
			return fmt.Errorf("failed to get mined nonce for %s: %w", addr.Hex(), err)
		}
		mined = n
		return nil
	})
	err = g.Wait()
	return pending, mined, err
}

// Inspect reports the account's pending state and the nonce its next transaction should use,
// without touching local nonce tracking.
func (c *Coordinator) Inspect(ctx context.Context, addr common.Address) (Account, error) {
	pending, mined, err := c.counts(ctx, addr)
	if err != nil {
		return Account{}, err
	}
	account := Account{Address: addr, HasPendingTx: pending > mined, Nonce: mined}
	if account.HasPendingTx {
		account.Nonce = pending
	}
	return account, nil
}

func (c *Coordinator) HasPendingTx(ctx context.Context, addr common.Address) (bool, error) {
	account, err := c.Inspect(ctx, addr)
	if err != nil {
		return false, err
	}
	return account.HasPendingTx, nil
}

// SelectAccount returns the first account in pool order without a pending transaction,
// or pool[0] when every account is busy.
func (c *Coordinator) SelectAccount(ctx context.Context, pool []common.Address) (common.Address, error) {
	if len(pool) == 0 {
		return common.Address{}, ErrEmptyPool
	}
	for _, addr := range pool {
		pending, err := c.HasPendingTx(ctx, addr)
		if err != nil {
			return common.Address{}, err
		}
		if !pending {
			return addr, nil
		}
	}
	c.logger.Debug("all accounts have pending transactions, using the first",
		zap.Stringer("account", pool[0]),
		zap.Int("poolSize", len(pool)))
	return pool[0], nil
}

func (c *Coordinator) ComputeNonce(ctx context.Context, addr common.Address) (uint64, error) {
	account, err := c.Inspect(ctx, addr)
	if err != nil {
		return 0, err
	}
	if !c.trackLocal {
		return account.Nonce, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce := account.Nonce
	if last, ok := c.lastNonce[addr]; ok && last+1 > nonce {
		c.logger.Debug("using local nonce ahead of node",
			zap.Stringer("account", addr),
			zap.Uint64("remote", nonce),
			zap.Uint64("local", last+1))
		nonce = last + 1
	}
	c.lastNonce[addr] = nonce
	return nonce, nil
}

// ReleaseNonce forgets a nonce that was handed out but never broadcast successfully, so
// the next ComputeNonce can reuse it. Nonces other than the latest one are left alone.
func (c *Coordinator) ReleaseNonce(addr common.Address, nonce uint64) {
	if !c.trackLocal {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.lastNonce[addr]; ok && last == nonce {
		if nonce == 0 {
			delete(c.lastNonce, addr)
		} else {
			c.lastNonce[addr] = nonce - 1
		}
	}
}
