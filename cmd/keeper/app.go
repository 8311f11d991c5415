package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nimazeighami/keeper-engine/internal/accounts"
	"github.com/nimazeighami/keeper-engine/internal/configs"
	"github.com/nimazeighami/keeper-engine/internal/events"
	"github.com/nimazeighami/keeper-engine/internal/flashbot"
	"github.com/nimazeighami/keeper-engine/internal/gasprice"
	"github.com/nimazeighami/keeper-engine/internal/logging"
	"github.com/nimazeighami/keeper-engine/internal/metrics"
	"github.com/nimazeighami/keeper-engine/internal/proxy"
	"github.com/nimazeighami/keeper-engine/internal/txsubmit"
)

// app holds the components shared by every command.
type app struct {
	config  *configs.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	client  *ethclient.Client
	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	config, err := configs.Load(globalFlags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if globalFlags.LogLevel != "" {
		config.Log.Level = globalFlags.LogLevel
	}

	logger, err := logging.New(config.Log)
	if err != nil {
		return nil, err
	}
	a := &app{config: config, logger: logger}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	registry := prometheus.NewRegistry()
	if a.metrics, err = metrics.New(registry); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if config.MetricsAddr != "" {
		a.serveMetrics(registry)
	}

	if a.client, err = ethclient.DialContext(ctx, config.RpcURL); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to Ethereum: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.client.Close()
		return nil
	})
	return a, nil
}

func (a *app) serveMetrics(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: a.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("📈 serving metrics", zap.String("addr", a.config.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func (a *app) oracle() *gasprice.Oracle {
	cfg := a.config.GasPrice

	var primary, backup gasprice.Source
	if cfg.Primary.URL != "" {
		primary = gasprice.NewHTTPSource("primary", cfg.Primary.URL, cfg.Primary.Field, cfg.Primary.Divisor, nil)
	}
	switch {
	case cfg.Backup.URL != "":
		backup = gasprice.NewHTTPSource("backup", cfg.Backup.URL, cfg.Backup.Field, cfg.Backup.Divisor, nil)
	case cfg.UseNodeBackup:
		backup = gasprice.NewNodeSource(a.client)
	}

	return gasprice.New(gasprice.Config{
		UpdateThreshold:  a.config.UpdateThreshold(),
		DefaultPriceGwei: cfg.DefaultPriceGwei,
	}, primary, backup, gasprice.WithLogger(a.logger), gasprice.WithMetrics(a.metrics))
}

func (a *app) chunkCache(ctx context.Context) (events.ChunkCache, error) {
	cfg := a.config.Events.Cache
	switch cfg.Backend {
	case "memory":
		cache, err := events.NewMemoryCache(ctx, a.config.ChunkCacheTTL())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cache.Close)
		return cache, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, client.Close)
		return events.NewRedisCache(client, cfg.KeyPrefix, a.config.ChunkCacheTTL()), nil
	default:
		return nil, nil
	}
}

func (a *app) fetcher(ctx context.Context) (*events.Fetcher, error) {
	opts := []events.Option{
		events.WithRetries(a.config.Events.MaxRetries, a.config.RetryDelay()),
		events.WithLogger(a.logger),
		events.WithMetrics(a.metrics),
	}
	cache, err := a.chunkCache(ctx)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		opts = append(opts, events.WithCache(cache))
	}
	return events.NewFetcher(a.client, opts...), nil
}

func (a *app) searchConfig(from, to uint64) events.SearchConfig {
	return events.SearchConfig{
		FromBlock:        from,
		ToBlock:          to,
		MaxBlockLookBack: a.config.Events.MaxBlockLookBack,
		Concurrency:      a.config.Events.Concurrency,
	}
}

func (a *app) keyring() (*accounts.Keyring, error) {
	if len(a.config.PrivateKeys) == 0 {
		return nil, errors.New("no signing keys: set KEEPER_PRIVATE_KEYS")
	}
	return accounts.NewKeyring(a.config.PrivateKeys)
}

func (a *app) coordinator() *accounts.Coordinator {
	return accounts.NewCoordinator(a.client,
		accounts.WithLogger(a.logger),
		accounts.WithLocalNonces(a.config.Submit.TrackLocalNonces))
}

// broadcaster sends through the private relay when one is configured, otherwise to the node.
func (a *app) broadcaster() (txsubmit.Broadcaster, error) {
	if a.config.Submit.PrivateRelayURL == "" {
		return a.client, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(a.config.RelaySignerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay signer key: %v", err)
	}
	return flashbot.NewClient(a.config.Submit.PrivateRelayURL, key, flashbot.WithLogger(a.logger)), nil
}

func (a *app) submitter(oracle txsubmit.PriceOracle, coordinator txsubmit.NonceCoordinator, pool []common.Address) (*txsubmit.Submitter, error) {
	minPrice, err := a.config.MinGasPriceWei()
	if err != nil {
		return nil, err
	}
	return txsubmit.New(txsubmit.Config{
		Accounts:              pool,
		EscalationDelay:       a.config.EscalationDelay(),
		MaxGasPriceMultiplier: a.config.Submit.MaxGasPriceMultiplier,
		MinGasPrice:           minPrice,
		AttemptTimeout:        a.config.AttemptTimeout(),
	}, oracle, coordinator, txsubmit.WithLogger(a.logger), txsubmit.WithMetrics(a.metrics)), nil
}

// accountPool is the first AvailableAccounts keys of the keyring.
func (a *app) accountPool(keyring *accounts.Keyring) []common.Address {
	pool := keyring.Addresses()
	if n := a.config.Submit.AvailableAccounts; n < len(pool) {
		pool = pool[:n]
	}
	return pool
}

func (a *app) proxyManager(ctx context.Context) (*proxy.Manager, error) {
	if a.config.Proxy.FactoryAddress == "" {
		return nil, errors.New("proxy.factory_address is not configured")
	}
	keyring, err := a.keyring()
	if err != nil {
		return nil, err
	}
	broadcaster, err := a.broadcaster()
	if err != nil {
		return nil, err
	}
	fetcher, err := a.fetcher(ctx)
	if err != nil {
		return nil, err
	}

	owner := keyring.Primary()
	oracle := a.oracle()
	// The proxy only accepts calls from its owner, so its submitter never rotates accounts.
	submitter, err := a.submitter(oracle, a.coordinator(), []common.Address{owner})
	if err != nil {
		return nil, err
	}

	return proxy.NewManager(proxy.Config{
		Owner:            owner,
		FactoryAddress:   common.HexToAddress(a.config.Proxy.FactoryAddress),
		SearchFromBlock:  a.config.Proxy.SearchFromBlock,
		MaxBlockLookBack: a.config.Events.MaxBlockLookBack,
		Concurrency:      a.config.Events.Concurrency,
		CreateIfMissing:  a.config.CreateProxyIfMissing(),
		PollInterval:     a.config.ReceiptPollInterval(),
	}, proxy.Deps{
		Backend:     a.client,
		Broadcaster: broadcaster,
		Signer:      keyring,
		Head:        a.client,
		Events:      fetcher,
		Submitter:   submitter,
		Oracle:      oracle,
		Logger:      a.logger,
	})
}
