// Command q402-server serves pay-per-request routes gated by the q402
// protocol and settles accepted payments from a sponsor wallet.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vitwit/q402"
	"github.com/vitwit/q402/clients"
	"github.com/vitwit/q402/config"
	"github.com/vitwit/q402/logger"
	"github.com/vitwit/q402/metrics"
	"github.com/vitwit/q402/policy"
	"github.com/vitwit/q402/replay"
	"github.com/vitwit/q402/settlement"
	"github.com/vitwit/q402/stream"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "q402-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}

	var file *logger.FileConfig
	if cfg.LogFile != "" {
		file = &logger.FileConfig{Path: cfg.LogFile, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14, Compress: true}
	}
	log := logger.NewZapLoggerWithFile(cfg.LogLevel, file)
	if s, ok := log.(interface{ Sync() error }); ok {
		defer s.Sync() //nolint:errcheck
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheusRecorder(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := build(ctx, cfg, log, rec)
	if err != nil {
		return err
	}
	defer cleanup()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("q402 server listening", map[string]any{
			"addr":       httpServer.Addr,
			"network":    cfg.Network.String(),
			"autoSettle": cfg.AutoSettle,
			"version":    q402.Version,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// build wires the protocol components from cfg. The returned cleanup
// releases network clients.
func build(ctx context.Context, cfg *config.Config, log logger.Logger, rec *metrics.PrometheusRecorder) (*server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*server, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	info, ok := cfg.Network.Info()
	if !ok {
		return fail(fmt.Errorf("unsupported network %s", cfg.Network))
	}

	var guard replay.Guard = replay.NewMemoryGuard(replay.DefaultCapacity)
	if cfg.RedisAddr != "" {
		client, err := replay.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = client.Close() })

		rg, err := replay.NewRedisGuard(replay.NewRedisAdapter(client), "")
		if err != nil {
			return fail(err)
		}
		guard = rg
		log.Info("using redis replay guard", map[string]any{"addr": cfg.RedisAddr})
	}

	oracle := policy.NewPriceOracle(
		policy.NewCoinGeckoSource(info.CoinGeckoID),
		policy.WithFetchTimeout(cfg.PriceTimeout),
		policy.WithOracleLogger(log),
	)
	engine := policy.New(cfg.Policy,
		policy.WithPricer(oracle),
		policy.WithDecimals(info.NativeDecimals),
		policy.WithLogger(log),
		policy.WithMetrics(rec, cfg.Network.String()),
	)

	opts := []q402.Option{
		q402.WithLogger(log),
		q402.WithMetrics(rec),
		q402.WithPolicy(engine),
		q402.WithReplayGuard(guard),
	}

	if cfg.SponsorPrivateKey != "" {
		client, err := clients.NewEVMClient(cfg.Network, cfg.RPCURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, client.Close)
		if err := client.CheckChainID(ctx); err != nil {
			return fail(err)
		}

		key, err := utils.PrivateKeyFromHex(cfg.SponsorPrivateKey)
		if err != nil {
			return fail(err)
		}
		executor, err := settlement.NewExecutor(client.Backend(), key, cfg.Network,
			settlement.WithTimeout(cfg.SettlementTimeout),
			settlement.WithLogger(log),
			settlement.WithMetrics(rec),
		)
		if err != nil {
			return fail(err)
		}
		log.Info("settlement enabled", map[string]any{"facilitator": executor.Facilitator().Hex()})
		opts = append(opts, q402.WithSettler(executor))
	}

	base := q402.Config{
		Network:                cfg.Network,
		RecipientAddress:       cfg.RecipientAddress,
		ImplementationContract: cfg.ImplementationContract,
		VerifyingContract:      cfg.VerifyingContract,
		AutoSettle:             cfg.AutoSettle,
		AllowAnyRecipient:      cfg.AllowAnyRecipient,
		DevMode:                cfg.DevMode,
		ChallengeTTL:           cfg.ChallengeTTL,
	}

	premiumCfg := base
	premiumCfg.Endpoints = []types.EndpointConfig{premiumEndpoint()}
	premium, err := q402.New(premiumCfg, opts...)
	if err != nil {
		return fail(err)
	}

	transferCfg := base
	transferCfg.Endpoints = []types.EndpointConfig{transferEndpoint()}
	transferCfg.AllowAnyRecipient = true
	transfer, err := q402.New(transferCfg, opts...)
	if err != nil {
		return fail(err)
	}

	srv := &server{
		premium:  premium,
		transfer: transfer,
		metrics:  rec,
		logger:   log,
	}
	if cfg.UpstreamChatURL != "" {
		srv.chat = stream.NewHTTPSource(cfg.UpstreamChatURL, stream.WithAPIKey(cfg.UpstreamAPIKey))
	}
	return srv, cleanup, nil
}
