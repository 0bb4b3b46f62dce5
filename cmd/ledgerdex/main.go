package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/joho/godotenv"

	"ledgerdex/internal/book"
	"ledgerdex/internal/config"
	"ledgerdex/internal/domain"
	"ledgerdex/internal/engine"
	"ledgerdex/internal/handler"
	"ledgerdex/internal/lease"
	"ledgerdex/internal/ledger"
	"ledgerdex/internal/readmodel"
	"ledgerdex/internal/reserve"
	"ledgerdex/internal/service"
	"ledgerdex/internal/store"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load .env if present, then configuration from the environment.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Open the pebble database shared by the lease store and the
	// read-model offset store.
	db, err := pebble.Open(filepath.Join(cfg.DataDir, "ledgerdex"), &pebble.Options{})
	if err != nil {
		logger.Error("failed to open data store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	// Domain.
	pairs := domain.NewPairRegistry()
	for _, pc := range cfg.Pairs {
		base, quote, ok := domain.ParsePairSymbol(pc.Symbol)
		if !ok {
			logger.Error("invalid pair symbol", slog.String("pair", pc.Symbol))
			os.Exit(1)
		}
		pairs.Register(domain.TradingPair{
			Symbol:         pc.Symbol,
			Base:           base,
			Quote:          quote,
			PricePrecision: int32(pc.PricePrecision),
		})
	}

	// Stores.
	partyStore := store.NewPartyStore()
	orderStore := store.NewOrderStore()
	tradeStore := store.NewTradeStore()
	webhookStore := store.NewWebhookStore()
	reserveStore := reserve.NewStore()
	books := book.NewManager(pairs)

	// Ledger.
	ldg := ledger.NewMemory()

	// Engine.
	settler := engine.NewSettler(
		ldg, orderStore, tradeStore, reserveStore, books, logger,
		cfg.SettleCallTimeout, uint64(cfg.SettleMaxAttempts), cfg.SettleBackoffInitial,
	)
	coord := engine.NewCoordinator(
		lease.NewPebbleStore(db), books, pairs, settler, logger,
		cfg.LeaseTTL, cfg.MatchCooldown,
	)

	// Services.
	webhookSvc := service.NewWebhookService(webhookStore, partyStore, orderStore, tradeStore, cfg.WebhookTimeout)
	partySvc := service.NewPartyService(partyStore, reserveStore, ldg)
	orderSvc := service.NewOrderService(
		partyStore, orderStore, pairs, books, reserveStore, ldg,
		settler, coord, webhookSvc, logger, cfg.SettleCallTimeout,
	)
	marketSvc := service.NewMarketService(pairs, books, tradeStore)

	// Read model: websocket hub plus the ledger event sync feeding it
	// and the webhook dispatcher.
	hub := readmodel.NewHub(logger)
	sync, err := readmodel.NewSync(
		ldg, readmodel.NewPebbleOffsets(db), hub, webhookSvc,
		logger, cfg.SyncInterval,
	)
	if err != nil {
		logger.Error("failed to initialize read model", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Router.
	router := handler.NewRouter(partySvc, orderSvc, marketSvc, webhookSvc, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run()
	go sync.Run(ctx)
	go runSchedule(ctx, coord, cfg.ScheduleInterval, logger)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server, then the background loops.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	hub.Close()

	logger.Info("server stopped")
}

// runSchedule drives the periodic matching trigger until ctx is done.
func runSchedule(ctx context.Context, coord *engine.Coordinator, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := coord.OnSchedule(ctx); err != nil {
				logger.Warn("scheduled matching failed", slog.String("error", err.Error()))
			}
		}
	}
}
