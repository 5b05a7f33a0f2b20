package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/quorumledger/internal/api"
	"github.com/gyaneshwarpardhi/quorumledger/internal/config"
	"github.com/gyaneshwarpardhi/quorumledger/internal/ledger"
	"github.com/gyaneshwarpardhi/quorumledger/internal/publish"
	"github.com/gyaneshwarpardhi/quorumledger/internal/settlement"
	"github.com/gyaneshwarpardhi/quorumledger/internal/storage"
	"github.com/gyaneshwarpardhi/quorumledger/internal/workflow"
)

func main() {
	cfgPath := flag.String("config", "configs/quorumledger.yaml", "Path to YAML config (empty for defaults + QLEDGER_* env)")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, nil)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Durable storage ──────────────────────────────────────────────────────
	var (
		committer workflow.Committer
		ready     func(context.Context) error
		sqlStore  *storage.SQLStore
	)
	if !strings.EqualFold(cfg.Storage.Driver, "memory") {
		sqlStore, err = storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, logger)
		if err != nil {
			slog.Error("failed to open storage", "driver", cfg.Storage.Driver, "err", err)
			os.Exit(1)
		}
		defer sqlStore.Close()
		if err := sqlStore.Init(ctx); err != nil {
			slog.Error("failed to initialise schema", "err", err)
			os.Exit(1)
		}
		committer = sqlStore
		ready = sqlStore.Ping
	} else {
		slog.Warn("storage driver is memory, state is lost on restart")
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	maxEvents, maxAge := cfg.Ledger.SealBounds()
	chain := ledger.NewStore(ledger.Options{
		Seal:        ledger.SealPolicy{MaxEvents: maxEvents, MaxAge: maxAge},
		LockTimeout: cfg.Ledger.LockTimeout,
		Logger:      logger,
	})
	if sqlStore != nil {
		blocks, pending, err := sqlStore.LoadChain(ctx)
		if err != nil {
			slog.Error("failed to load ledger", "err", err)
			os.Exit(1)
		}
		if err := chain.Restore(blocks, pending); err != nil {
			slog.Error("ledger failed verification on restore, refusing to start", "err", err)
			os.Exit(1)
		}
	}

	// ── Settlement ───────────────────────────────────────────────────────────
	settlers := settlement.NewRegistry()
	if cfg.Settlement.URL != "" {
		client := settlement.NewHTTPSettler(cfg.Settlement.URL, cfg.Settlement.Timeout, logger)
		for _, typ := range cfg.Settlement.Types {
			settlers.Register(typ, client)
		}
		slog.Info("settlement enabled", "url", cfg.Settlement.URL, "types", settlers.Types())
	}

	// ── Workflow ─────────────────────────────────────────────────────────────
	coord, err := workflow.New(workflow.Options{
		Ledger:      chain,
		Committer:   committer,
		Settler:     settlers,
		Policies:    cfg.Policies(),
		LockTimeout: cfg.Workflow.LockTimeout,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("failed to build coordinator", "err", err)
		os.Exit(1)
	}
	if sqlStore != nil {
		records, err := sqlStore.LoadRecords(ctx)
		if err != nil {
			slog.Error("failed to load records", "err", err)
			os.Exit(1)
		}
		if err := coord.Restore(records); err != nil {
			slog.Error("failed to restore records", "err", err)
			os.Exit(1)
		}
	}

	// ── Block publisher ──────────────────────────────────────────────────────
	pub, err := publish.New(ctx, publish.Config{
		Brokers:      cfg.Publisher.Brokers,
		Topic:        cfg.Publisher.Topic,
		Workers:      cfg.Publisher.Workers,
		QueueDepth:   cfg.Publisher.QueueDepth,
		WriteTimeout: cfg.Publisher.WriteTimeout,
	}, logger)
	if err != nil {
		slog.Error("failed to build publisher", "err", err)
		os.Exit(1)
	}
	pub.Attach(chain)

	// ── Time-window sealer ───────────────────────────────────────────────────
	sealerDone := make(chan struct{})
	go func() {
		defer close(sealerDone)
		chain.RunSealer(ctx, cfg.Ledger.SealInterval, coord.SealFunc())
	}()

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := coord.SwapPolicies(newCfg.Policies()); err != nil {
			slog.Warn("hot-reload skipped: policies invalid", "err", err)
			return
		}
		slog.Info("record-type policies hot-reloaded", "record_types", len(newCfg.RecordTypes))
	})
	if loader.Path() != "" {
		stopWatch, err := loader.Watch()
		if err != nil {
			slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(api.Options{
		Coordinator: coord,
		Ledger:      chain,
		Loader:      loader,
		Ready:       ready,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		head := chain.Head()
		slog.Info("server starting", "addr", cfg.Server.Addr, "height", head.Height, "pending", head.PendingEvents)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	if err := pub.Close(); err != nil {
		slog.Warn("publisher close", "err", err)
	}
	cancel() // stop the sealer
	<-sealerDone
	slog.Info("goodbye")
}

func newLogger(c config.LogConf) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
