package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"execution-core/internal/api"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/executor"
	"execution-core/internal/order"
	"execution-core/internal/recovery"
	"execution-core/internal/risk"
	"execution-core/internal/stream"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchange/binance"
	"execution-core/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
	})
	if err != nil {
		os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	log.WithField("mode", cfg.Mode).Info("Starting execution core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("Database init failed")
	}
	defer database.Close()

	connector := binance.New(binance.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	}, logging.Component(log, "binance"))
	connector.StartTimeSync(ctx)

	tracker := order.NewTracker(logging.Component(log, "order"), database)

	riskMgr := risk.NewManager(risk.Limits{
		MaxPositionPct:  cfg.Risk.MaxPositionPct,
		MaxDailyTrades:  cfg.Risk.MaxDailyTrades,
		MaxOpenOrders:   cfg.Risk.MaxOpenOrders,
		MaxDailyDD:      cfg.Risk.MaxDailyDD,
		MarginBufferPct: cfg.Risk.MarginBufferPct,
		DefaultRiskPct:  cfg.Risk.DefaultRiskPct,
	}, cfg.AccountBalance, logging.Component(log, "risk"), bus, database)
	riskMgr.SetOpenOrderCounter(tracker.OpenOrderCount)

	rec := recovery.NewManager(recovery.Config{
		MaxRetries: cfg.MaxOrderRetries,
		StatePath:  cfg.RecoveryStatePath,
	}, logging.Component(log, "recovery"), bus)
	rec.RegisterPrimary("binance-spot", connector)
	go rec.Run(ctx)

	layer := stream.NewLayer(stream.Config{
		Host:                 connector.StreamHost(),
		MaxReconnectAttempts: cfg.MaxReconnects,
	}, connector, logging.Component(log, "stream"), bus)

	exec := executor.New(executor.Config{
		Mode:           executor.Mode(cfg.Mode),
		MaxRetries:     cfg.MaxOrderRetries,
		CommissionRate: cfg.CommissionRate,
	}, connector, tracker, riskMgr, bus, logging.Component(log, "executor"))
	exec.SetRecoveryManager(rec)

	eng, err := engine.New(engine.Config{
		Symbols:          cfg.Symbols,
		KlineInterval:    cfg.KlineInterval,
		DecisionInterval: cfg.DecisionInterval,
	}, layer, exec, tracker, riskMgr, bus, logging.Component(log, "engine"))
	if err != nil {
		log.WithError(err).Fatal("Engine init failed")
	}
	eng.SetRecoveryManager(rec)

	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		log.WithError(err).Fatal("Invalid port")
	}
	server := api.New(api.Config{
		Port:      port,
		JWTSecret: cfg.JWTSecret,
	}, tracker, riskMgr, rec, database, logging.Component(log, "api"))

	errCh := make(chan error, 2)
	go func() {
		errCh <- eng.Run(ctx)
	}()
	go func() {
		errCh <- server.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Fatal component failure")
		}
	}

	cancel()
	eng.Stop()
	bus.Close()
	if err := rec.SaveState(); err != nil {
		log.WithError(err).Warn("Failed to persist recovery state")
	}

	// Give the loops a moment to drain before the process exits.
	deadline := time.After(5 * time.Second)
	for drained := 0; drained < 2; {
		select {
		case <-errCh:
			drained++
		case <-deadline:
			drained = 2
		}
	}
	log.Info("Stopped")
}
