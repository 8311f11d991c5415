// Package gasprice caches a "fast" gas price fetched from external feeds.
//
// The oracle never fails: when both feeds are unavailable it falls back to the configured
// default price.
package gasprice

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nimazeighami/keeper-engine/internal/logging"
	"github.com/nimazeighami/keeper-engine/internal/metrics"
)

type Config struct {
	UpdateThreshold  time.Duration
	DefaultPriceGwei float64
}

type snapshot struct {
	priceGwei  float64
	lastUpdate time.Time
}

type Oracle struct {
	config  Config
	primary Source
	backup  Source

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex // serialises fetches
	state atomic.Pointer[snapshot]
}

type Option func(*Oracle)

func WithClock(c clock.Clock) Option {
	return func(o *Oracle) { o.clock = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Oracle) { o.logger = logging.OrNop(logger).Named("gasprice") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Oracle) { o.metrics = m }
}

// New seeds the oracle with cfg.DefaultPriceGwei. Either source may be nil.
func New(cfg Config, primary, backup Source, opts ...Option) *Oracle {
	o := &Oracle{
		config:  cfg,
		primary: primary,
		backup:  backup,
		clock:   clock.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.state.Store(&snapshot{priceGwei: cfg.DefaultPriceGwei})
	o.metrics.SetGasPrice(cfg.DefaultPriceGwei)
	return o
}

func (o *Oracle) due(now time.Time) bool {
	last := o.state.Load().lastUpdate
	return last.IsZero() || !now.Before(last.Add(o.config.UpdateThreshold))
}

// Update refreshes the cached price unless the last attempt is younger than the threshold.
func (o *Oracle) Update(ctx context.Context) {
	if !o.due(o.clock.Now()) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	now := o.clock.Now()
	if !o.due(now) {
		return
	}

	next := &snapshot{lastUpdate: now}

	if gwei, ok := o.fetch(ctx, o.primary); ok {
		next.priceGwei = gwei
	} else if gwei, ok := o.fetch(ctx, o.backup); ok {
		next.priceGwei = gwei
	} else {
		next.priceGwei = o.config.DefaultPriceGwei
		o.logger.Warn("⚠️ all gas price sources failed, using default price",
			zap.Float64("previousGwei", o.state.Load().priceGwei),
			zap.Float64("priceGwei", next.priceGwei))
	}

	o.state.Store(next)
	o.metrics.SetGasPrice(next.priceGwei)
	o.logger.Debug("gas price updated",
		zap.Float64("priceGwei", next.priceGwei),
		zap.Time("lastUpdate", now))
}

func (o *Oracle) fetch(ctx context.Context, source Source) (float64, bool) {
	if source == nil {
		return 0, false
	}
	gwei, err := source.FetchGwei(ctx)
	if err == nil {
		err = checkPrice(gwei)
	}
	o.metrics.GasPriceFetch(source.Name(), err == nil)
	if err != nil {
		o.logger.Warn("gas price source failed",
			zap.String("source", source.Name()),
			zap.Error(err))
		return 0, false
	}
	return gwei, true
}

// GetCurrentFastPrice returns the cached price in wei, rounded up.
func (o *Oracle) GetCurrentFastPrice() *big.Int {
	return GweiToWeiCeil(o.state.Load().priceGwei)
}

func (o *Oracle) CurrentGwei() float64 {
	return o.state.Load().priceGwei
}

// LastUpdate is the time of the last fetch attempt, zero before the first one.
func (o *Oracle) LastUpdate() time.Time {
	return o.state.Load().lastUpdate
}
