package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"xswap/observability/logging"
	telemetry "xswap/observability/otel"
	"xswap/services/htlcd/config"
	"xswap/services/htlcd/confirmations"
	"xswap/services/htlcd/events"
	"xswap/services/htlcd/ledger"
	"xswap/services/htlcd/reservation"
	"xswap/services/htlcd/secrets"
	"xswap/services/htlcd/server"
	"xswap/services/htlcd/storage"
	"xswap/services/htlcd/supervisor"
	"xswap/services/htlcd/swap"
)

// store is the persistence surface shared by the engine and the reservation book.
type store interface {
	swap.Repository
	reservation.Store
	Close() error
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/htlcd/config.yaml", "path to htlcd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("htlcd: load config: %v", err)
	}

	logOpts := logging.Options{Level: logging.ParseLevel(cfg.Logging.Level)}
	if path := strings.TrimSpace(cfg.Logging.File); path != "" {
		logOpts.File = &logging.FileOptions{
			Path:       path,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   true,
		}
	}
	logger := logging.Setup("htlcd", cfg.Environment, logOpts)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("htlcd", cfg.Environment))
	if err != nil {
		log.Fatalf("htlcd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	adapters, err := buildLedgers(cfg.Ledgers)
	if err != nil {
		log.Fatalf("htlcd: %v", err)
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("htlcd: open storage: %v", err)
	}
	defer st.Close()

	vault, closeVault, err := openVault(cfg.Vault)
	if err != nil {
		log.Fatalf("htlcd: open vault: %v", err)
	}
	defer closeVault()

	recorder, err := confirmations.Open(cfg.Confirmations.Driver, cfg.Confirmations.DSN)
	if err != nil {
		log.Fatalf("htlcd: open confirmation log: %v", err)
	}
	defer recorder.Close()

	policy := ledger.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff.Duration,
		MaxBackoff:     cfg.Retry.MaxBackoff.Duration,
		Multiplier:     cfg.Retry.Multiplier,
	}
	book, err := reservation.New(st, adapters,
		reservation.WithTTL(cfg.Reservations.TTL.Duration),
		reservation.WithReleaseGrace(cfg.Reservations.ReleaseGrace.Duration),
		reservation.WithRetryPolicy(policy),
		reservation.WithLogger(logger))
	if err != nil {
		log.Fatalf("htlcd: reservation ledger: %v", err)
	}

	manager, err := secrets.NewManager(cfg.Secrets.Algorithm)
	if err != nil {
		log.Fatalf("htlcd: secret manager: %v", err)
	}

	bus := events.NewBus(1024)
	defer bus.Close()

	engine, err := swap.NewEngine(swap.Deps{
		Repository:   st,
		Reservations: book,
		Adapters:     adapters,
		Secrets:      manager,
		Vault:        vault,
		Recorder:     recorder,
		Events:       bus,
	},
		swap.WithSafetyMargin(cfg.Engine.SafetyMargin.Duration),
		swap.WithEscalationAttempts(cfg.Engine.EscalationAttempts),
		swap.WithDefaultConfirmations(cfg.Engine.DefaultConfirmations),
		swap.WithRetryPolicy(policy),
		swap.WithLogger(logger),
		swap.WithAlert(func(ctx context.Context, s swap.Swap, err error) {
			logger.ErrorContext(ctx, "htlcd: rollback escalated, operator action required",
				"swap_id", s.ID, "status", string(s.Status), "error", err)
		}))
	if err != nil {
		log.Fatalf("htlcd: swap engine: %v", err)
	}

	sup, err := supervisor.New(engine,
		supervisor.WithInterval(cfg.Supervisor.Interval.Duration),
		supervisor.WithSweeper(book),
		supervisor.WithLogger(logger))
	if err != nil {
		log.Fatalf("htlcd: supervisor: %v", err)
	}

	auth, err := server.NewAuthenticator(server.AuthConfig{
		Disabled:   cfg.Auth.Disabled,
		HMACSecret: cfg.JWTSecret(),
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, logger)
	if err != nil {
		log.Fatalf("htlcd: configure auth: %v", err)
	}
	if cfg.Auth.Disabled {
		logger.Warn("htlcd: authentication disabled; swap routes are open")
	}

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, server.Deps{
		Engine:        engine,
		Availability:  book,
		Confirmations: recorder,
		Events:        bus,
		Notifier:      sup,
		Auth:          auth,
	}, logger)
	if err != nil {
		log.Fatalf("htlcd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sup.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("htlcd: supervisor exited", "error", err)
			stop()
		}
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("htlcd: http server error", "error", err)
		os.Exit(1)
	}
}

func buildLedgers(cfgs []config.LedgerConfig) (*ledger.Registry, error) {
	adapters := make([]ledger.Adapter, 0, len(cfgs))
	for _, lc := range cfgs {
		var adapter ledger.Adapter
		switch lc.Type {
		case config.LedgerSimulated:
			var opts []ledger.SimulatedOption
			if lc.AutoMine {
				opts = append(opts, ledger.WithAutoMine())
			}
			sim := ledger.NewSimulated(lc.Chain, opts...)
			for _, dep := range lc.Accounts {
				amount, ok := new(big.Int).SetString(strings.TrimSpace(dep.Balance), 10)
				if !ok || amount.Sign() < 0 {
					return nil, fmt.Errorf("ledger %s: invalid balance %q for %s", lc.Chain, dep.Balance, dep.Account)
				}
				sim.Deposit(dep.Account, dep.Asset, amount)
			}
			adapter = sim
		case config.LedgerRPC:
			adapter = ledger.NewRPCAdapter(lc.Chain, lc.Endpoint, lc.AuthToken(), lc.Timeout.Duration)
			if lc.RateLimit > 0 {
				adapter = ledger.NewRateLimited(adapter, lc.RateLimit, lc.Burst)
			}
		default:
			return nil, fmt.Errorf("ledger %s: unsupported type %q", lc.Chain, lc.Type)
		}
		adapters = append(adapters, ledger.Instrument(adapter))
		slog.Info("htlcd: ledger registered",
			"chain", lc.Chain,
			"type", lc.Type,
			logging.MaskField("auth_token", lc.AuthToken()))
	}
	return ledger.NewRegistry(adapters...), nil
}

func openStore(cfg config.StorageConfig) (store, error) {
	switch cfg.Backend {
	case "leveldb":
		level, err := storage.OpenLevel(cfg.Path)
		if err != nil {
			return nil, err
		}
		return level, nil
	default:
		dsn, err := storage.FileDSN(cfg.Path)
		if err != nil {
			return nil, err
		}
		sql, err := storage.Open(dsn)
		if err != nil {
			return nil, err
		}
		return sql, nil
	}
}

func openVault(cfg config.VaultConfig) (secrets.Vault, func(), error) {
	if cfg.Backend == "memory" {
		slog.Warn("htlcd: in-memory secret vault; secrets are lost on restart")
		return secrets.NewMemoryVault(), func() {}, nil
	}
	key, err := secrets.ParseSealKey(cfg.Key())
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", cfg.KeyEnv, err)
	}
	vault, err := secrets.OpenBoltVault(cfg.Path, key)
	if err != nil {
		return nil, nil, err
	}
	return vault, func() { _ = vault.Close() }, nil
}
