package main

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	osSignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/api"
	"arbitrage/internal/balance"
	"arbitrage/internal/config"
	"arbitrage/internal/coordinator"
	"arbitrage/internal/exchange"
	"arbitrage/internal/filter"
	"arbitrage/internal/pricestream"
	"arbitrage/internal/repository"
	"arbitrage/internal/service"
	"arbitrage/internal/signal"
	"arbitrage/internal/websocket"
	"arbitrage/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer log.Sync()

	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()
	log.Info("connected to database")

	// ------------------------------------------------------------------
	// Репозитории
	// ------------------------------------------------------------------
	exchangeRepo := repository.NewExchangeRepository(db)
	pairRepo := repository.NewPairRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	statsRepo := repository.NewStatsRepository(db)
	blacklistRepo := repository.NewBlacklistRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)

	// ------------------------------------------------------------------
	// Сервисы для дашборда и REST API
	// ------------------------------------------------------------------
	exchangeService := service.NewExchangeService(exchangeRepo, pairRepo, cfg.Security.EncryptionKey, log.Logger)
	pairService := service.NewPairService(pairRepo, exchangeRepo, exchangeService)
	notificationService := service.NewNotificationService(notificationRepo, settingsRepo)
	statsService := service.NewStatsService(statsRepo, pairRepo)
	blacklistService := service.NewBlacklistService(blacklistRepo)
	settingsService := service.NewSettingsService(settingsRepo)

	hub := websocket.NewHub()
	go hub.Run()

	exchangeService.SetWebSocketHub(hub)
	notificationService.SetWebSocketHub(hub)
	statsService.SetWebSocketHub(hub)

	// ------------------------------------------------------------------
	// Подключения к биржам, на которых уже есть сохранённые учётные записи
	// ------------------------------------------------------------------
	connectedAccounts, err := exchangeRepo.GetConnected()
	if err != nil {
		log.Fatal("load connected exchange accounts", zap.Error(err))
	}

	venues := make(map[string]exchange.Exchange, len(connectedAccounts))
	for _, account := range connectedAccounts {
		conn, err := exchangeService.GetConnection(context.Background(), account.Name)
		if err != nil {
			log.Error("reconnect exchange on startup", zap.String("exchange", account.Name), zap.Error(err))
			continue
		}
		venues[account.Name] = conn
	}
	if len(venues) < 2 {
		log.Warn("fewer than two exchanges connected at startup; cross-exchange arbitrage needs at least two", zap.Int("connected", len(venues)))
	}

	// ------------------------------------------------------------------
	// Живая рыночная данные, сигналы, фильтр допуска, координатор сделок
	// ------------------------------------------------------------------
	prices := pricestream.New(venues, pricestream.DefaultConfig(), log.Logger)

	balanceCfg := balance.DefaultConfig()
	if cfg.Bot.BalanceUpdateFreq > 0 {
		balanceCfg.Interval = cfg.Bot.BalanceUpdateFreq
	}
	reconciler := balance.New(balanceCfg, venues, log.Logger)

	router := signal.NewRouter(4096, 5*time.Minute)

	ledger := coordinator.NewLedger()

	marketInfo := newVenueMarketInfo(venues)

	filterCfg := filter.DefaultConfig()
	if cfg.Bot.MaxConcurrentArbs > 0 {
		filterCfg.MaxConcurrentTrades = cfg.Bot.MaxConcurrentArbs
	}
	opportunityFilter := filter.New(
		filterCfg,
		newBlacklistAdapter(blacklistRepo),
		ledger,
		reconciler,
		prices,
		reconciler,
		marketInfo,
		newLiquiditySource(venues),
	)

	coordCfg := coordinator.DefaultConfig()
	coord := coordinator.New(coordCfg, venues, prices, ledger, log.Logger)

	// router и opportunityFilter are wired and ready to admit live chat
	// signals; the chat transport itself (Telegram/Telethon equivalent)
	// is an external operational concern and is not started here. Once a
	// signal arrives:
	//
	//	event := router.Route(rawMessage)
	//	if event == nil { return }
	//	req, rej := opportunityFilter.Evaluate(ctx, event)
	//	if rej != nil { ... }
	//	go coord.Execute(ctx, req)
	_ = router
	_ = opportunityFilter
	_ = coord

	// ------------------------------------------------------------------
	// Фоновые подсистемы с перезапуском при панике
	// ------------------------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervise(ctx, log, "balance-reconciler", func(ctx context.Context) {
		reconciler.Run(ctx)
	})

	// ------------------------------------------------------------------
	// HTTP API
	// ------------------------------------------------------------------
	deps := &api.Dependencies{
		ExchangeService:     exchangeService,
		PairService:         pairService,
		StatsService:        statsService,
		SettingsService:     settingsService,
		NotificationService: notificationService,
		BlacklistService:    blacklistService,
		Hub:                 hub,
	}
	handler := api.SetupRoutes(deps)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", zap.String("addr", server.Addr))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	osSignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	cancel()

	if err := exchangeService.Close(); err != nil {
		log.Error("close exchange connections", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}
	log.Info("server exited")
}

// supervise runs fn in its own goroutine, restarting it with bounded
// jittered backoff whenever it panics. Exits cleanly when ctx is done.
func supervise(ctx context.Context, log *utils.Logger, name string, fn func(context.Context)) {
	go func() {
		backoff := time.Second
		const maxBackoff = 30 * time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error("subsystem panicked, restarting",
							zap.String("subsystem", name), zap.Any("panic", r))
					}
				}()
				fn(ctx)
			}()
			if ctx.Err() != nil {
				return
			}
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			sleep := backoff/2 + jitter
			log.Warn("subsystem exited, restarting after backoff",
				zap.String("subsystem", name), zap.Duration("backoff", sleep))
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	db, err := sql.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
