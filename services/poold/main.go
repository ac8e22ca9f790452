package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	nodeconfig "lendpool/config"
	"lendpool/core/events"
	"lendpool/core/state"
	"lendpool/crypto"
	"lendpool/internal/passphrase"
	nativecommon "lendpool/native/common"
	"lendpool/native/pool"
	"lendpool/observability"
	"lendpool/observability/logging"
	telemetry "lendpool/observability/otel"
	"lendpool/services/poold/config"
	"lendpool/services/poold/idempotency"
	"lendpool/services/poold/journal"
	"lendpool/services/poold/oracle"
	"lendpool/services/poold/server"
	"lendpool/storage"
)

const maintenanceInterval = time.Hour

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/poold/config.yaml", "path to poold config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("LENDPOOL_ENV"))
	}
	logger, logCloser := logging.SetupWithOptions("poold", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	telemetryCfg := cfg.Telemetry
	telemetryCfg.ServiceName = "poold"
	telemetryCfg.Environment = env
	if len(telemetryCfg.Headers) == 0 {
		telemetryCfg.Headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("poold stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	passSource := passphrase.NewSource(passphrase.DefaultEnv)
	node, err := nodeconfig.Load(cfg.NodeConfig, nodeconfig.WithPassphraseSource(passSource.Get))
	if err != nil {
		return fmt.Errorf("load node config: %w", err)
	}
	reserve, escrow, err := node.Accounts()
	if err != nil {
		return err
	}
	pass, err := passSource.Get()
	if err != nil {
		return err
	}
	operatorKey, err := crypto.LoadFromKeystore(node.OperatorKeystorePath, pass)
	if err != nil {
		return fmt.Errorf("unlock operator keystore: %w", err)
	}

	db, err := storage.Open(node.StorageBackend, node.StoragePath())
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer db.Close()
	manager := state.NewManager(db)
	if err := manager.EnsureStateVersion(node.AllowMigrate); err != nil {
		return err
	}

	journalDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	if sqlDB, err := journalDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	ledgerJournal, err := journal.New(journalDB, logger)
	if err != nil {
		return err
	}
	if seq, err := ledgerJournal.Verify(context.Background()); err != nil {
		return fmt.Errorf("journal verification failed at sequence %d: %w", seq, err)
	}

	engine, err := pool.NewEngine(reserve, escrow, node.Pool)
	if err != nil {
		return err
	}
	engine.SetState(manager)
	engine.SetPauses(node.Pool.Pauses)
	engine.SetLogger(logger)
	engine.SetEmitter(events.Fanout{observability.Pool(), ledgerJournal})
	if err := engine.Audit(); err != nil {
		return fmt.Errorf("ledger audit: %w", err)
	}
	if snapshot, err := engine.Pool(); err == nil {
		observability.Pool().ObservePool(snapshot, engine.Config())
	}

	priceOracle, err := buildOracle(cfg.Oracle, node.Pool)
	if err != nil {
		return err
	}

	idem, err := idempotency.Open(cfg.Idempotency.Path, cfg.Idempotency.TTL)
	if err != nil {
		return err
	}
	defer idem.Close()

	secret, err := cfg.JWTSecret()
	if err != nil {
		return err
	}
	operators := []common.Address{operatorKey.Address()}
	for _, op := range cfg.Auth.Operators {
		addr, err := crypto.ParseAddress(op)
		if err != nil {
			return err
		}
		operators = append(operators, addr)
	}
	var quotas *nativecommon.QuotaTracker
	if cfg.Quota.MaxRequests > 0 {
		quotas = nativecommon.NewQuotaTracker(cfg.Quota)
	}

	api, err := server.New(server.Config{
		Ledger:      engine,
		Oracle:      priceOracle,
		Idempotency: idem,
		Quotas:      quotas,
		Auth: server.AuthConfig{
			HMACSecret:   secret,
			Issuer:       cfg.Auth.Issuer,
			Audience:     cfg.Auth.Audience,
			Domain:       cfg.Auth.Domain,
			TokenTTL:     cfg.Auth.TokenTTL,
			ChallengeTTL: cfg.Auth.ChallengeTTL,
			Operators:    operators,

			MaxChallengesPerAddress: cfg.Auth.MaxChallengesPerAddress,
			MaxPendingChallenges:    cfg.Auth.MaxPendingChallenges,
		},
		RateLimit: server.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(api.Handler(), "poold"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(otelgrpc.StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("poold http listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("serve http: %w", err)
		}
	}()
	if cfg.GRPCListenAddress != "" {
		listener, err := net.Listen("tcp", cfg.GRPCListenAddress)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.GRPCListenAddress, err)
		}
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			logger.Info("poold grpc health listening", "addr", cfg.GRPCListenAddress)
			if err := grpcServer.Serve(listener); err != nil {
				serverErr <- fmt.Errorf("serve grpc: %w", err)
			}
		}()
	}

	go maintain(ctx, logger, ledgerJournal, idem, operatorKey, engine, healthServer)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("forcing grpc stop")
		grpcServer.Stop()
	}
	if cp, err := ledgerJournal.Checkpoint(operatorKey); err == nil {
		logger.Info("journal checkpoint", "sequence", cp.Sequence, "head", cp.Head, "signature", cp.Signature)
	}
	return runErr
}

func buildOracle(cfg config.OracleConfig, poolCfg pool.Config) (*oracle.Oracle, error) {
	var (
		source oracle.Source
		err    error
	)
	switch cfg.Source {
	case "static":
		source, err = oracle.NewStaticSource(cfg.StaticPrice, poolCfg.PriceDecimals)
	case "http":
		source, err = oracle.NewHTTPSource(cfg.URL, poolCfg.PriceDecimals, &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})
	default:
		err = fmt.Errorf("unknown oracle source %q", cfg.Source)
	}
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	return oracle.New(source, oracle.Config{
		Pair:     poolCfg.CollateralAsset.Symbol + "/" + poolCfg.LendAsset.Symbol,
		Decimals: poolCfg.PriceDecimals,
		MaxAge:   cfg.MaxAge,
		CacheFor: cfg.CacheFor,
	})
}

// maintain prunes expired idempotency keys, signs journal checkpoints and
// flips the health status once the engine halts.
func maintain(ctx context.Context, logger *slog.Logger, j *journal.Journal, idem *idempotency.Store, key *crypto.PrivateKey, engine *pool.Engine, hs *health.Server) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if halted := engine.Halted(); halted != nil {
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			logger.Error("ledger halted", "error", halted)
		}
		if removed, err := idem.Prune(ctx); err != nil {
			logger.Warn("idempotency prune failed", "error", err)
		} else if removed > 0 {
			logger.Debug("idempotency keys pruned", "removed", removed)
		}
		cp, err := j.Checkpoint(key)
		if err != nil {
			logger.Warn("journal checkpoint failed", "error", err)
			continue
		}
		logger.Info("journal checkpoint", "sequence", cp.Sequence, "head", cp.Head, "signature", cp.Signature)
	}
}
