// Package proxy routes keeper transactions through the owner's DSProxy, deploying one from
// the factory when the owner has none.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/nimazeighami/keeper-engine/internal/configs"
	"github.com/nimazeighami/keeper-engine/internal/events"
	"github.com/nimazeighami/keeper-engine/internal/logging"
	"github.com/nimazeighami/keeper-engine/internal/txsubmit"
)

var (
	ErrProxyUninitialized = errors.New("proxy manager not initialized")
	ErrProxyNotFound      = errors.New("no proxy found for owner")
)

const (
	createdEvent        = "Created"
	buildSignature      = "build()"
	executeOnLibrary    = "execute(address,bytes)"
	executeOnNewLibrary = "execute(bytes,bytes)"
)

type Record struct {
	Owner common.Address
	Proxy common.Address
}

type LogQuerier interface {
	Query(ctx context.Context, filter ethereum.FilterQuery, cfg events.SearchConfig) ([]types.Log, error)
}

type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

type TxSubmitter interface {
	Submit(ctx context.Context, req *txsubmit.Request) (*txsubmit.Outcome, error)
}

type GasOracle interface {
	Update(ctx context.Context)
	GetCurrentFastPrice() *big.Int
}

type Config struct {
	Owner            common.Address
	FactoryAddress   common.Address
	SearchFromBlock  uint64
	MaxBlockLookBack int64
	Concurrency      int
	CreateIfMissing  bool
	PollInterval     time.Duration
}

// Deps must send from Owner: a DSProxy only executes calls from its owner, so the
// submitter should not pick from a wider account pool.
type Deps struct {
	Backend     txsubmit.Backend
	Broadcaster txsubmit.Broadcaster
	Signer      txsubmit.Signer
	Head        HeadReader
	Events      LogQuerier
	Submitter   TxSubmitter
	Oracle      GasOracle
	Logger      *zap.Logger
}

type Manager struct {
	config     Config
	deps       Deps
	logger     *zap.Logger
	factory    *txsubmit.BoundContract
	factoryABI abi.ABI
	proxyABI   abi.ABI

	mu     sync.Mutex
	record *Record
	proxy  *txsubmit.BoundContract
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if cfg.Owner == (common.Address{}) {
		return nil, errors.New("proxy owner address is required")
	}
	if cfg.FactoryAddress == (common.Address{}) {
		return nil, errors.New("proxy factory address is required")
	}

	factoryABI, err := abi.JSON(strings.NewReader(configs.DSProxyFactoryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy factory ABI: %v", err)
	}
	proxyABI, err := abi.JSON(strings.NewReader(configs.DSProxyABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy ABI: %v", err)
	}

	m := &Manager{
		config:     cfg,
		deps:       deps,
		logger:     logging.OrNop(deps.Logger).Named("proxy"),
		factoryABI: factoryABI,
		proxyABI:   proxyABI,
	}
	m.factory = m.bind(cfg.FactoryAddress, factoryABI)
	return m, nil
}

func (m *Manager) bind(addr common.Address, contractABI abi.ABI) *txsubmit.BoundContract {
	opts := []txsubmit.ContractOption{txsubmit.WithContractLogger(m.logger)}
	if m.config.PollInterval > 0 {
		opts = append(opts, txsubmit.WithPollInterval(m.config.PollInterval))
	}
	return txsubmit.NewBoundContract(addr, contractABI, m.deps.Backend, m.deps.Broadcaster, m.deps.Signer, opts...)
}

// Initialize adopts the owner's most recent proxy, or deploys one when none exists and
// CreateIfMissing is set. Later calls return the memoised proxy.
func (m *Manager) Initialize(ctx context.Context) (common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record != nil {
		return m.record.Proxy, nil
	}

	proxy, found, err := m.findExisting(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if found {
		m.logger.Info("🔎 found existing proxy",
			zap.Stringer("owner", m.config.Owner),
			zap.Stringer("proxy", proxy))
	} else {
		if !m.config.CreateIfMissing {
			return common.Address{}, fmt.Errorf("%w %s", ErrProxyNotFound, m.config.Owner.Hex())
		}
		if proxy, err = m.deploy(ctx); err != nil {
			return common.Address{}, err
		}
	}

	m.adopt(proxy)
	return proxy, nil
}

// InitializeWithAddress adopts a known proxy without searching the chain.
func (m *Manager) InitializeWithAddress(proxy common.Address) error {
	if proxy == (common.Address{}) {
		return errors.New("proxy address must not be zero")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record != nil && m.record.Proxy != proxy {
		return fmt.Errorf("already initialized with proxy %s", m.record.Proxy.Hex())
	}
	m.adopt(proxy)
	return nil
}

func (m *Manager) adopt(proxy common.Address) {
	m.record = &Record{Owner: m.config.Owner, Proxy: proxy}
	m.proxy = m.bind(proxy, m.proxyABI)
}

func (m *Manager) createdFilter() ethereum.FilterQuery {
	ownerTopic := common.BytesToHash(m.config.Owner.Bytes())
	return ethereum.FilterQuery{
		Addresses: []common.Address{m.config.FactoryAddress},
		Topics:    [][]common.Hash{{m.factoryABI.Events[createdEvent].ID}, nil, {ownerTopic}},
	}
}

func (m *Manager) findExisting(ctx context.Context) (common.Address, bool, error) {
	head, err := m.deps.Head.BlockNumber(ctx)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("failed to get latest block: %w", err)
	}

	logs, err := m.deps.Events.Query(ctx, m.createdFilter(), events.SearchConfig{
		FromBlock:        m.config.SearchFromBlock,
		ToBlock:          head,
		MaxBlockLookBack: m.config.MaxBlockLookBack,
		Concurrency:      m.config.Concurrency,
	})
	if err != nil {
		return common.Address{}, false, fmt.Errorf("failed to search proxy creations: %w", err)
	}
	if len(logs) == 0 {
		return common.Address{}, false, nil
	}

	// Logs come back in chain order, so the last one is the newest proxy.
	proxy, err := m.proxyFromLog(logs[len(logs)-1])
	if err != nil {
		return common.Address{}, false, err
	}
	return proxy, true, nil
}

func (m *Manager) proxyFromLog(log types.Log) (common.Address, error) {
	values, err := m.factoryABI.Unpack(createdEvent, log.Data)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unpack %s event: %v", createdEvent, err)
	}
	if len(values) < 1 {
		return common.Address{}, fmt.Errorf("malformed %s event", createdEvent)
	}
	proxy, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("malformed %s event: proxy is %T", createdEvent, values[0])
	}
	return proxy, nil
}

func (m *Manager) deploy(ctx context.Context) (common.Address, error) {
	m.logger.Info("🏗️ no proxy found, deploying one", zap.Stringer("owner", m.config.Owner))

	req, err := m.factory.TransactSignature(buildSignature)
	if err != nil {
		return common.Address{}, err
	}
	outcome, err := m.submit(ctx, req)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to deploy proxy: %w", err)
	}

	eventID := m.factoryABI.Events[createdEvent].ID
	for _, log := range outcome.Receipt.Logs {
		if log == nil || log.Address != m.config.FactoryAddress || len(log.Topics) == 0 || log.Topics[0] != eventID {
			continue
		}
		proxy, err := m.proxyFromLog(*log)
		if err != nil {
			return common.Address{}, err
		}
		m.logger.Info("✅ proxy deployed",
			zap.Stringer("proxy", proxy),
			zap.Stringer("tx", outcome.Receipt.TxHash))
		return proxy, nil
	}
	return common.Address{}, fmt.Errorf("proxy deployment %s emitted no %s event", outcome.Receipt.TxHash.Hex(), createdEvent)
}

func (m *Manager) submit(ctx context.Context, req *txsubmit.Request) (*txsubmit.Outcome, error) {
	m.deps.Oracle.Update(ctx)
	req.Config = txsubmit.CallConfig{
		From:     m.config.Owner,
		GasPrice: m.deps.Oracle.GetCurrentFastPrice(),
	}
	return m.deps.Submitter.Submit(ctx, req)
}

func (m *Manager) ProxyAddress() (common.Address, error) {
	record, err := m.Record()
	if err != nil {
		return common.Address{}, err
	}
	return record.Proxy, nil
}

func (m *Manager) Record() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return Record{}, ErrProxyUninitialized
	}
	return *m.record, nil
}

func (m *Manager) boundProxy() (*txsubmit.BoundContract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proxy == nil {
		return nil, ErrProxyUninitialized
	}
	return m.proxy, nil
}

// ExecuteOnExistingLibrary delegatecalls callData into the deployed library through the proxy.
func (m *Manager) ExecuteOnExistingLibrary(ctx context.Context, library common.Address, callData []byte) (*txsubmit.Outcome, error) {
	proxy, err := m.boundProxy()
	if err != nil {
		return nil, err
	}
	if library == (common.Address{}) {
		return nil, errors.New("library address must not be zero")
	}

	req, err := proxy.TransactSignature(executeOnLibrary, library, callData)
	if err != nil {
		return nil, err
	}
	m.logger.Info("executing through proxy",
		zap.Stringer("library", library),
		zap.Int("calldataBytes", len(callData)))
	return m.submit(ctx, req)
}

// ExecuteOnNewLibrary deploys byteCode (reusing the proxy cache when it is already known)
// and delegatecalls callData into it.
func (m *Manager) ExecuteOnNewLibrary(ctx context.Context, byteCode, callData []byte) (*txsubmit.Outcome, error) {
	proxy, err := m.boundProxy()
	if err != nil {
		return nil, err
	}
	if len(byteCode) == 0 {
		return nil, errors.New("library bytecode must not be empty")
	}

	req, err := proxy.TransactSignature(executeOnNewLibrary, byteCode, callData)
	if err != nil {
		return nil, err
	}
	m.logger.Info("executing new library through proxy",
		zap.Int("bytecodeBytes", len(byteCode)),
		zap.Int("calldataBytes", len(callData)))
	return m.submit(ctx, req)
}
