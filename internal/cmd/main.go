package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bidsync/clients/bidapi"
	"github.com/mcdev12/bidsync/internal/auction"
	"github.com/mcdev12/bidsync/internal/countdown"
	"github.com/mcdev12/bidsync/internal/devserver"
	"github.com/mcdev12/bidsync/internal/models"
	"github.com/mcdev12/bidsync/internal/reconcile"
	"github.com/mcdev12/bidsync/internal/topics"
	"github.com/mcdev12/bidsync/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "bidsync.yaml", "path to config file")
	serve := flag.Bool("serve", false, "run the dev push server instead of the sync client")
	itemID := flag.Int64("item", 1, "auction item to watch in client mode")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *serve {
		runDevServer(ctx, cfg)
		return
	}
	runClient(ctx, cfg, *itemID)
}

// runClient composes the sync engine and watches one auction until
// interrupted
func runClient(ctx context.Context, cfg *Config, itemID int64) {
	clock := clockwork.NewRealClock()

	api := bidapi.NewClient(cfg.Sync.APIBaseURL)
	if cfg.Session.Token != "" {
		api.SetToken(cfg.Session.Token)
	}

	mgr := transport.NewManager(transport.Config{
		URL:                  cfg.Sync.StreamURL,
		MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts,
		ReconnectInterval:    cfg.reconnectInterval(),
	}, transport.NewWebsocketDialer(), clock)

	mux := topics.NewMux(mgr)
	session := models.UserRef{ID: cfg.Session.UserID, Username: cfg.Session.Username}
	reconciler := reconcile.NewReconciler(clock, session, cfg.pendingBidWindow())
	engine := countdown.NewEngine(clock)
	app := auction.NewApp(mgr, mux, reconciler, engine, api)

	if err := app.JoinAuction(ctx, itemID); err != nil {
		log.Fatal().Err(err).Int64("item_id", itemID).Msg("failed to join auction")
	}
	defer app.LeaveAuction(itemID)

	cancelObserve, err := app.Observe(itemID, func(snap auction.Snapshot) {
		log.Info().
			Str("current_price", snap.CurrentPrice.String()).
			Int("ledger", len(snap.Ledger)).
			Str("connection", string(snap.ConnectionState)).
			Msg("auction state")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to observe auction")
	}
	defer cancelObserve()

	cancelCountdown, err := app.Countdown(itemID, func(tick countdown.Tick) {
		if tick.Tier != countdown.TierNormal {
			log.Info().
				Int64("remaining_ms", tick.RemainingMillis).
				Str("tier", string(tick.Tier)).
				Msg("countdown")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start countdown")
	}
	defer cancelCountdown()

	log.Info().Int64("item_id", itemID).Msg("watching auction, ctrl-c to stop")
	<-ctx.Done()
}

// runDevServer runs the local push server with the bid simulator
func runDevServer(ctx context.Context, cfg *Config) {
	server := devserver.NewServer(devserver.DefaultConfig())
	go server.Start(ctx)

	items := []models.AuctionItem{
		{
			ID:            1,
			Name:          "Vintage mechanical watch",
			StartingPrice: decimal.NewFromInt(50),
			CurrentPrice:  decimal.NewFromInt(50),
			EndTime:       time.Now().Add(2 * time.Hour),
			Status:        models.AuctionStatusActive,
		},
		{
			ID:            2,
			Name:          "First edition paperback",
			StartingPrice: decimal.NewFromInt(20),
			CurrentPrice:  decimal.NewFromInt(20),
			EndTime:       time.Now().Add(30 * time.Minute),
			Status:        models.AuctionStatusActive,
		},
	}
	simulator := devserver.NewSimulator(server, clockwork.NewRealClock(), cfg.simulateInterval(), items)
	go simulator.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.DevServer.Addr,
		Handler: server.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.DevServer.Addr).Msg("dev push server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("dev server failed")
	}
}
