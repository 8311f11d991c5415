package txsubmit

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/nimazeighami/keeper-engine/internal/logging"
)

// Backend is the node access a BoundContract needs. *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Broadcaster publishes a signed transaction, either to the node's mempool or to a private relay.
type Broadcaster interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type Signer interface {
	SignTx(from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type BoundContract struct {
	address      common.Address
	abi          abi.ABI
	backend      Backend
	broadcaster  Broadcaster
	signer       Signer
	pollInterval time.Duration
	logger       *zap.Logger

	chainMu sync.Mutex
	chainID *big.Int
}

type ContractOption func(*BoundContract)

func WithPollInterval(d time.Duration) ContractOption {
	return func(c *BoundContract) { c.pollInterval = d }
}

func WithContractLogger(logger *zap.Logger) ContractOption {
	return func(c *BoundContract) { c.logger = logging.OrNop(logger).Named("contract") }
}

func NewBoundContract(address common.Address, contractABI abi.ABI, backend Backend, broadcaster Broadcaster, signer Signer, opts ...ContractOption) *BoundContract {
	c := &BoundContract{
		address:      address,
		abi:          contractABI,
		backend:      backend,
		broadcaster:  broadcaster,
		signer:       signer,
		pollInterval: 2 * time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *BoundContract) Address() common.Address { return c.address }

func (c *BoundContract) ABI() *abi.ABI { return &c.abi }

// Transact packs a call to method by its ABI name.
func (c *BoundContract) Transact(method string, args ...interface{}) (*Request, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %v", method, err)
	}
	return c.RawTransact(data), nil
}

// TransactSignature packs a call by its full signature, e.g. "execute(address,bytes)",
// which picks the right overload without knowing go-ethereum's renamed method keys.
func (c *BoundContract) TransactSignature(sig string, args ...interface{}) (*Request, error) {
	method, err := c.MethodBySignature(sig)
	if err != nil {
		return nil, err
	}
	input, err := method.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %v", sig, err)
	}
	return c.RawTransact(append(append([]byte{}, method.ID...), input...)), nil
}

func (c *BoundContract) MethodBySignature(sig string) (abi.Method, error) {
	for _, method := range c.abi.Methods {
		if method.Sig == sig {
			return method, nil
		}
	}
	return abi.Method{}, fmt.Errorf("method %s not found in ABI", sig)
}

// RawTransact wraps already-encoded calldata. Each Request remembers the transactions it has
// broadcast, so a replacement that loses to an earlier attempt still resolves to the mined one.
func (c *BoundContract) RawTransact(data []byte) *Request {
	sent := &sentTxs{}
	return &Request{
		Simulate: func(ctx context.Context, cfg CallConfig) ([]byte, error) {
			return c.backend.CallContract(ctx, c.callMsg(cfg, data), nil)
		},
		EstimateGas: func(ctx context.Context, cfg CallConfig) (uint64, error) {
			return c.backend.EstimateGas(ctx, c.callMsg(cfg, data))
		},
		Send: func(ctx context.Context, cfg CallConfig) (*types.Receipt, error) {
			return c.send(ctx, cfg, data, sent)
		},
	}
}

func (c *BoundContract) callMsg(cfg CallConfig, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{
		From:     cfg.From,
		To:       &c.address,
		GasPrice: cfg.GasPrice,
		Value:    cfg.Value,
		Data:     data,
	}
}

func (c *BoundContract) getChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()

	if c.chainID == nil {
		chainID, err := c.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain ID: %v", err)
		}
		c.chainID = chainID
	}
	return c.chainID, nil
}

func (c *BoundContract) send(ctx context.Context, cfg CallConfig, data []byte, sent *sentTxs) (*types.Receipt, error) {
	if cfg.Nonce == nil {
		return nil, fmt.Errorf("nonce is required to send")
	}
	chainID, err := c.getChainID(ctx)
	if err != nil {
		return nil, err
	}

	value := cfg.Value
	if value == nil {
		value = big.NewInt(0)
	}
	tx := types.NewTransaction(*cfg.Nonce, c.address, value, cfg.GasLimit, cfg.GasPrice, data)
	signedTx, err := c.signer.SignTx(cfg.From, tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %v", err)
	}

	if err := c.broadcaster.SendTransaction(ctx, signedTx); err != nil {
		// Typically "nonce too low" or "replacement underpriced" because an earlier attempt
		// got there first.
		if receipt, ok := c.findMined(ctx, sent.hashes()); ok {
			return checkReceipt(receipt)
		}
		return nil, fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	sent.add(signedTx.Hash())
	c.logger.Debug("transaction broadcast",
		zap.Stringer("tx", signedTx.Hash()),
		zap.Uint64("nonce", signedTx.Nonce()))

	receipt, err := c.waitMined(ctx, sent.hashes())
	if err != nil {
		return nil, err
	}
	return checkReceipt(receipt)
}

func checkReceipt(receipt *types.Receipt) (*types.Receipt, error) {
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, fmt.Errorf("%w: %s in block %v", ErrReverted, receipt.TxHash.Hex(), receipt.BlockNumber)
	}
	return receipt, nil
}

func (c *BoundContract) findMined(ctx context.Context, hashes []common.Hash) (*types.Receipt, bool) {
	for _, hash := range hashes {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, true
		}
	}
	return nil, false
}

// waitMined polls until any of hashes has a receipt or ctx ends.
func (c *BoundContract) waitMined(ctx context.Context, hashes []common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if receipt, ok := c.findMined(ctx, hashes); ok {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction not mined: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

type sentTxs struct {
	mu   sync.Mutex
	list []common.Hash
}

func (s *sentTxs) add(hash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, hash)
}

func (s *sentTxs) hashes() []common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.Hash(nil), s.list...)
}
