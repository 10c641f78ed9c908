// Command crashd runs the provably-fair crash round server.
//
// The hash chain must be generated ahead of play with the chaingen
// command; crashd refuses to start on an empty chain.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/MJE43/crash-engine-go/internal/api"
	"github.com/MJE43/crash-engine-go/internal/broadcast"
	"github.com/MJE43/crash-engine-go/internal/chain"
	"github.com/MJE43/crash-engine-go/internal/config"
	"github.com/MJE43/crash-engine-go/internal/engine"
	"github.com/MJE43/crash-engine-go/internal/fair"
	"github.com/MJE43/crash-engine-go/internal/ledger"
	"github.com/MJE43/crash-engine-go/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	db, err := store.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return err
	}

	ch, err := chain.Open(db, logger)
	if err != nil {
		return err
	}
	if ch.Remaining() == 0 {
		logger.Error("hash chain is empty or exhausted; generate one with chaingen before starting")
		return chain.ErrChainExhausted
	}

	commitment, err := ch.Commitment()
	if err != nil {
		return err
	}
	logger.Info("chain commitment", zap.String("hash", commitment))

	deriver, err := fair.NewDeriver(cfg.Fair)
	if err != nil {
		return err
	}

	bets := ledger.New(db, logger)
	hub := broadcast.NewHub(logger)
	eng := engine.New(cfg.Round, ch, deriver, bets, db, hub, logger)
	hub.SetSink(eng)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewServer(eng, db, hub, cfg.Fair, logger).Routes(),
	}

	httpDone := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpDone <- err
			return
		}
		httpDone <- nil
	}()

	var engineErr error
	engineStopped := false

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case engineErr = <-engineDone:
		engineStopped = true
		stop()
		if engineErr != nil {
			logger.Error("engine halted", zap.Error(engineErr))
		}
	case err := <-httpDone:
		stop()
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	// The engine resolves or voids any in-flight round before returning;
	// persistence must stay open until then.
	if !engineStopped {
		engineErr = <-engineDone
	}
	return engineErr
}
