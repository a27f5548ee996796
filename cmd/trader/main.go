package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"greencandle-go/internal/analyser"
	"greencandle-go/internal/binance"
	"greencandle-go/internal/config"
	"greencandle-go/internal/database"
	"greencandle-go/internal/ledger"
	"greencandle-go/internal/logger"
	"greencandle-go/internal/notify"
	gcsignal "greencandle-go/internal/signal"
	"greencandle-go/internal/snapshot"
	"greencandle-go/internal/trader"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format, cfg.Logger.File)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.String("name", cfg.Trading.Name),
		zap.String("trade_type", cfg.Trading.TradeType), zap.String("direction", cfg.Trading.TradeDirection))

	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)
	log.Info("Database connection successful and schema migrated.")
	trades := ledger.New(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := snapshot.Connect(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer store.Close()

	restClient := binance.NewRestClient(&cfg.Binance, log)
	if cfg.Trading.Production {
		if _, err := restClient.GetServerTime(); err != nil {
			log.Fatal("Failed to connect to Binance API", zap.Error(err))
		}
		log.Info("Successfully connected to Binance API.")
	}

	sinks := notify.Fanout{notify.LogSink{Logger: log.Named("notify")}}
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegramSink(&cfg.Telegram, log)
		if err != nil {
			log.Fatal("Failed to start telegram bot", zap.Error(err))
		}
		sinks = append(sinks, tg)
	}
	if cfg.NATS.Enabled {
		ns, conn, err := notify.NewNATSSink(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer conn.Drain()
		sinks = append(sinks, ns)
	}

	tr, err := trader.NewTrader(&cfg, restClient, trades, sinks, log)
	if err != nil {
		log.Fatal("Invalid trade configuration", zap.Error(err))
	}
	engine, err := gcsignal.NewEngine(&cfg, store, trades, log)
	if err != nil {
		log.Fatal("Invalid rules", zap.Error(err))
	}
	runner := analyser.NewRunner(&cfg, engine, tr, sinks, log).WithIntermittent(engine, restClient)

	apiServer := trader.NewAPIServer(cfg.Server.Port, tr, log)
	apiServer.Start()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(cfg.Schedule.Analyse, func() {
		if err := runner.Tick(ctx); err != nil {
			log.Warn("Analysis tick interrupted", zap.Error(err))
		}
	}); err != nil {
		log.Fatal("Invalid analyse schedule", zap.String("schedule", cfg.Schedule.Analyse), zap.Error(err))
	}
	if cfg.Schedule.Intermittent != "" {
		if _, err := c.AddFunc(cfg.Schedule.Intermittent, func() {
			if err := runner.Check(ctx); err != nil {
				log.Warn("Intermittent check failed", zap.Error(err))
			}
		}); err != nil {
			log.Fatal("Invalid intermittent schedule", zap.String("schedule", cfg.Schedule.Intermittent), zap.Error(err))
		}
	}
	c.Start()
	log.Info("Analysis scheduled", zap.String("schedule", cfg.Schedule.Analyse), zap.Strings("pairs", cfg.Trading.Pairs))

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	cancel()
	<-c.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server", zap.Error(err))
	}
	log.Info("Bot has been shut down.")
}
