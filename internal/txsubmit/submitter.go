// Package txsubmit drives a contract transaction from simulation through gas price
// escalation until it is mined or every allowed price has failed.
package txsubmit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nimazeighami/keeper-engine/internal/gasprice"
	"github.com/nimazeighami/keeper-engine/internal/logging"
	"github.com/nimazeighami/keeper-engine/internal/metrics"
)

const (
	DefaultEscalationDelay       = 60 * time.Second
	DefaultMaxGasPriceMultiplier = 6

	gasLimitBufferPercent = 25
)

type PriceOracle interface {
	GetCurrentFastPrice() *big.Int
}

type NonceCoordinator interface {
	SelectAccount(ctx context.Context, pool []common.Address) (common.Address, error)
	ComputeNonce(ctx context.Context, addr common.Address) (uint64, error)
	ReleaseNonce(addr common.Address, nonce uint64)
}

type Config struct {
	// Accounts is the sending pool. With more than one account the sender is picked per
	// submission and overrides Request.Config.From.
	Accounts              []common.Address
	EscalationDelay       time.Duration
	MaxGasPriceMultiplier int64
	MinGasPrice           *big.Int
	// AttemptTimeout bounds each Send so a transaction that sits unmined gets repriced.
	// Zero means EscalationDelay.
	AttemptTimeout time.Duration
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

type Submitter struct {
	config  Config
	oracle  PriceOracle
	nonces  NonceCoordinator
	sleep   SleepFunc
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Submitter)

func WithSleep(sleep SleepFunc) Option {
	return func(s *Submitter) { s.sleep = sleep }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Submitter) { s.logger = logging.OrNop(logger).Named("txsubmit") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Submitter) { s.metrics = m }
}

func New(cfg Config, oracle PriceOracle, nonces NonceCoordinator, opts ...Option) *Submitter {
	if cfg.EscalationDelay <= 0 {
		cfg.EscalationDelay = DefaultEscalationDelay
	}
	if cfg.MaxGasPriceMultiplier < 1 {
		cfg.MaxGasPriceMultiplier = DefaultMaxGasPriceMultiplier
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = cfg.EscalationDelay
	}
	s := &Submitter{
		config: cfg,
		oracle: oracle,
		nonces: nonces,
		sleep:  sleepContext,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EscalatedPrice is the gas price of the given 1-based attempt: base doubled per attempt
// and capped at maxMultiplier times base.
func EscalatedPrice(base *big.Int, attempt int, maxMultiplier int64) *big.Int {
	ceiling := new(big.Int).Mul(base, big.NewInt(maxMultiplier))
	price := new(big.Int).Lsh(base, uint(attempt-1))
	if price.Cmp(ceiling) > 0 {
		return ceiling
	}
	return price
}

// GasLimit pads an estimate by 25%, rounding up.
func GasLimit(estimate uint64) uint64 {
	return (estimate*(100+gasLimitBufferPercent) + 99) / 100
}

// Submit runs req to completion. A failed simulation or estimate returns before anything is
// broadcast. Otherwise Send is retried at escalating prices, one attempt at a time.
func (s *Submitter) Submit(ctx context.Context, req *Request) (*Outcome, error) {
	id := uuid.NewString()
	logger := s.logger.With(zap.String("submission", id))

	cfg, err := s.prepare(ctx, req.Config)
	if err != nil {
		logger.Error("❌ failed to prepare transaction", zap.Error(err))
		return nil, fmt.Errorf("failed to prepare transaction: %w", err)
	}

	logger.Debug("simulating",
		zap.String("state", string(StateSimulating)),
		zap.Stringer("from", cfg.From))
	returnValue, estimate, txErr := s.simulate(ctx, req, cfg)
	if txErr != nil {
		txErr.SubmissionID = id
		return nil, s.fail(logger, StateCallFailed, txErr)
	}

	cfg.GasLimit = GasLimit(estimate)
	pinnedNonce := cfg.Nonce != nil
	if !pinnedNonce {
		if s.nonces == nil {
			return nil, fmt.Errorf("no nonce given and no nonce coordinator configured")
		}
		nonce, err := s.nonces.ComputeNonce(ctx, cfg.From)
		if err != nil {
			return nil, s.fail(logger, StateSendFailed, &TxError{Phase: PhaseSend, Kind: ErrSendFailed, Cause: fmt.Errorf("failed to compute nonce: %w", err), SubmissionID: id})
		}
		cfg.Nonce = &nonce
	}

	outcome, txErr := s.send(ctx, logger, req, cfg)
	if txErr != nil {
		txErr.SubmissionID = id
		// A reverted transaction was mined, so its nonce is spent.
		if !pinnedNonce && !errors.Is(txErr, ErrReverted) {
			s.nonces.ReleaseNonce(cfg.From, *cfg.Nonce)
		}
		s.metrics.TxSendAttempts(txErr.Attempts)
		return nil, s.fail(logger, StateSendFailed, txErr)
	}

	outcome.SubmissionID = id
	outcome.ReturnValue = returnValue
	s.metrics.TxSendAttempts(outcome.Attempts)
	s.metrics.TxSubmission(string(StateMined))
	logger.Info("✅ transaction mined",
		zap.String("state", string(StateMined)),
		zap.Stringer("tx", outcome.Receipt.TxHash),
		zap.Uint64("block", receiptBlock(outcome)),
		zap.Int("attempts", outcome.Attempts),
		zap.Stringer("gasPrice", outcome.Config.GasPrice))
	return outcome, nil
}

func receiptBlock(outcome *Outcome) uint64 {
	if outcome.Receipt.BlockNumber == nil {
		return 0
	}
	return outcome.Receipt.BlockNumber.Uint64()
}

// prepare copies the caller's config and fills in the sender and base gas price. The
// MinGasPrice floor applies to caller-supplied prices too.
func (s *Submitter) prepare(ctx context.Context, base CallConfig) (CallConfig, error) {
	cfg := base.clone()

	switch {
	case len(s.config.Accounts) > 1:
		if s.nonces == nil {
			return cfg, fmt.Errorf("account pool configured without a nonce coordinator")
		}
		from, err := s.nonces.SelectAccount(ctx, s.config.Accounts)
		if err != nil {
			return cfg, fmt.Errorf("failed to select account: %w", err)
		}
		cfg.From = from
	case len(s.config.Accounts) == 1 && cfg.From == (common.Address{}):
		cfg.From = s.config.Accounts[0]
	}

	if cfg.GasPrice == nil {
		if s.oracle != nil {
			cfg.GasPrice = s.oracle.GetCurrentFastPrice()
		} else {
			cfg.GasPrice = new(big.Int)
		}
	}
	if s.config.MinGasPrice != nil && cfg.GasPrice.Cmp(s.config.MinGasPrice) < 0 {
		cfg.GasPrice = new(big.Int).Set(s.config.MinGasPrice)
	}
	return cfg, nil
}

func (s *Submitter) simulate(ctx context.Context, req *Request, cfg CallConfig) ([]byte, uint64, *TxError) {
	var (
		returnValue []byte
		estimate    uint64
		callErr     error
		estimateErr error
		g           errgroup.Group
	)
	g.Go(func() error {
		returnValue, callErr = req.Simulate(ctx, cfg.clone())
		return nil
	})
	g.Go(func() error {
		estimate, estimateErr = req.EstimateGas(ctx, cfg.clone())
		return nil
	})
	_ = g.Wait()

	switch {
	case callErr != nil:
		return nil, 0, &TxError{Phase: PhaseSimulate, Kind: ErrSimulationReverted, Cause: callErr, Attempts: 1}
	case estimateErr != nil:
		return nil, 0, &TxError{Phase: PhaseSimulate, Kind: ErrGasEstimation, Cause: estimateErr, Attempts: 1}
	}
	return returnValue, estimate, nil
}

func (s *Submitter) send(ctx context.Context, logger *zap.Logger, req *Request, cfg CallConfig) (*Outcome, *TxError) {
	base := cfg.GasPrice
	ceiling := new(big.Int).Mul(base, big.NewInt(s.config.MaxGasPriceMultiplier))

	var lastErr error
	for attempt := 1; ; attempt++ {
		attemptCfg := cfg.clone()
		attemptCfg.GasPrice = EscalatedPrice(base, attempt, s.config.MaxGasPriceMultiplier)

		logger.Info("📤 sending transaction",
			zap.String("state", string(StateSendPending)),
			zap.Int("attempt", attempt),
			zap.Stringer("from", attemptCfg.From),
			zap.Uint64("nonce", *attemptCfg.Nonce),
			zap.Uint64("gasLimit", attemptCfg.GasLimit),
			zap.String("gasPriceGwei", gasprice.WeiToGwei(attemptCfg.GasPrice).Text('f', 2)))

		receipt, err := s.sendAttempt(ctx, req, attemptCfg)
		if err == nil {
			return &Outcome{Receipt: receipt, Config: attemptCfg, Attempts: attempt}, nil
		}
		lastErr = err

		if errors.Is(err, ErrReverted) {
			return nil, &TxError{Phase: PhaseSend, Kind: ErrSendFailed, Cause: err, Attempts: attempt}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &TxError{Phase: PhaseSend, Kind: ErrSendFailed, Cause: ctxErr, Attempts: attempt}
		}
		if attemptCfg.GasPrice.Cmp(ceiling) >= 0 {
			return nil, &TxError{Phase: PhaseSend, Kind: ErrSendFailed, Cause: lastErr, Attempts: attempt}
		}

		logger.Warn("🔄 send attempt failed, escalating gas price",
			zap.Int("attempt", attempt),
			zap.Duration("delay", s.config.EscalationDelay),
			zap.Error(err))
		if err := s.sleep(ctx, s.config.EscalationDelay); err != nil {
			return nil, &TxError{Phase: PhaseSend, Kind: ErrSendFailed, Cause: err, Attempts: attempt}
		}
	}
}

func (s *Submitter) sendAttempt(ctx context.Context, req *Request, cfg CallConfig) (*types.Receipt, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
	defer cancel()
	return req.Send(attemptCtx, cfg)
}

func (s *Submitter) fail(logger *zap.Logger, state State, err *TxError) error {
	s.metrics.TxSubmission(string(state))
	logger.Error("❌ transaction failed",
		zap.String("state", string(state)),
		zap.String("phase", string(err.Phase)),
		zap.Int("attempts", err.Attempts),
		zap.Error(err.Cause))
	return err
}
