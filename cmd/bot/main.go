package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tg_vip_access_bot/internal/broadcast"
	"tg_vip_access_bot/internal/config"
	"tg_vip_access_bot/internal/feature/user"
	"tg_vip_access_bot/internal/health"
	"tg_vip_access_bot/internal/ledger"
	"tg_vip_access_bot/internal/logging"
	"tg_vip_access_bot/internal/membership"
	"tg_vip_access_bot/internal/promo"
	"tg_vip_access_bot/internal/reconcile"
	"tg_vip_access_bot/internal/store"
	"tg_vip_access_bot/internal/tariff"
	"tg_vip_access_bot/internal/telegram"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	ledgerLoadTimeout       = 10 * time.Second
	telegramShutdownTimeout = 10 * time.Second
	healthShutdownTimeout   = 5 * time.Second
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
	}).Info("configuration loaded")

	catalog, err := tariff.Load(cfg.TariffsFile, logger)
	if err != nil {
		logger.WithError(err).Error("tariff catalog error")
		fmt.Fprintf(os.Stderr, "tariff catalog error: %v\n", err)
		os.Exit(1)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Error("mongo connection error")
		fmt.Fprintf(os.Stderr, "mongo connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	if err := mongoManager.EnsureBaseIndexes(indexCtx); err != nil {
		cancelIndexes()
		logger.WithError(err).Error("mongo index setup error")
		fmt.Fprintf(os.Stderr, "mongo index setup error: %v\n", err)
		os.Exit(1)
	}
	cancelIndexes()

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	ledgerStore := store.NewLedgerStore(mongoManager.Ledger(), logger)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), ledgerLoadTimeout)
	subscriptions, err := ledger.New(loadCtx, ledgerStore, catalog, logger)
	cancelLoad()
	if err != nil {
		logger.WithError(err).Error("ledger load error")
		fmt.Fprintf(os.Stderr, "ledger load error: %v\n", err)
		os.Exit(1)
	}

	userRegistrar := user.NewRegistrar(mongoManager.Users(), logger)
	promoState := promo.NewState(mongoManager.Users(), logger)
	statsProvider := store.NewStatsProvider(mongoManager.Users(), subscriptions)

	tgClient, err := telegram.NewClient(cfg, logger,
		telegram.WithUserRegistrar(userRegistrar),
		telegram.WithCatalog(catalog),
		telegram.WithLedger(subscriptions),
		telegram.WithPromo(promoState),
		telegram.WithStats(statsProvider),
	)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
		os.Exit(1)
	}

	actuator := membership.NewActuator(tgClient.Bot(), logger)
	broadcaster := broadcast.New(userRegistrar, actuator, logger)
	tgClient.SetNotifier(actuator)
	tgClient.SetBroadcaster(broadcaster)

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconcileCtx, cancelReconcile := context.WithCancel(context.Background())
	reconciler := reconcile.New(subscriptions, catalog, actuator, logger)
	reconcileDone := make(chan struct{})

	go func() {
		reconciler.Run(reconcileCtx)
		close(reconcileDone)
	}()

	healthServer := health.NewServer(cfg.HTTPPort, mongoManager, logger)
	go func() {
		if err := healthServer.ListenAndServe(); err != nil {
			logger.WithError(err).Error("health server error")
		}
	}()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	tgDone := make(chan struct{})

	go func() {
		tgClient.Start(telegramCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram polling")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	}

	cancelTelegram()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	// The reconciler finishes its in-flight cycle before observing the cancel.
	cancelReconcile()
	<-reconcileDone

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Error("health server shutdown error")
	}
	cancelHealth()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}
