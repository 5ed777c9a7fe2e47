package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/leca/imgshrink/internal/config"
	"github.com/leca/imgshrink/internal/database"
	"github.com/leca/imgshrink/internal/imageproc"
	"github.com/leca/imgshrink/internal/ingest"
	"github.com/leca/imgshrink/internal/lease"
	"github.com/leca/imgshrink/internal/optimize"
	"github.com/leca/imgshrink/internal/router"
	"github.com/leca/imgshrink/internal/spool"
	"github.com/leca/imgshrink/internal/workers"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pool := workers.NewPool(workers.Count(1.0, 0, cfg.TranscodeWorkers))
	engine := imageproc.NewEngine(pool, nil, nil)
	logger.Info("transcode pool ready", "workers", pool.Size())

	var locker lease.Locker = lease.NewLocal()
	if cfg.RedisURL != "" {
		rl, err := lease.NewRedis(ctx, cfg.RedisURL, cfg.LeaseTTL)
		if err != nil {
			return err
		}
		defer rl.Close()
		locker = rl
	}

	policy := optimize.DefaultPolicy()
	optimizer := optimize.NewOptimizer(store, engine, policy, locker, logger)

	bg := optimize.NewBackground(ctx, optimizer, logger)
	defer bg.Wait()
	var scheduler ingest.Scheduler
	if cfg.OptimizeAfterUpload {
		scheduler = bg
	}

	sp, err := spool.New(cfg.SpoolPath)
	if err != nil {
		return err
	}

	sweeper := optimize.NewSweeper(store, optimizer, policy, optimize.SweepConfig{
		Interval:    cfg.SweepInterval,
		Retention:   cfg.Retention,
		Concurrency: cfg.SweepConcurrency,
	}, logger)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", "error", err)
		}
	}()

	ingestor := ingest.New(store, engine, policy, database.IDOptions{
		Length:   cfg.IDLength,
		Denylist: cfg.IDDenylist,
	}, scheduler, logger)

	srv := router.New(router.Deps{
		Store:     store,
		Ingestor:  ingestor,
		Optimizer: optimizer,
		Spool:     sp,
		Config:    cfg,
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.ListenAddr, "public_host", cfg.PublicHost)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-sweepDone
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	<-sweepDone
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	var (
		store database.Store
		err   error
	)
	if cfg.UsesPostgres() {
		store, err = database.NewPostgresDB(ctx, cfg.StoreDSN)
	} else {
		store, err = database.NewSQLiteDB(cfg.StoreDSN)
	}
	if err != nil {
		return nil, err
	}
	if cfg.StoreCacheSize > 0 {
		cached, err := database.NewCachedStore(store, cfg.StoreCacheSize, cfg.StoreCacheTTL)
		if err != nil {
			store.Close()
			return nil, err
		}
		return cached, nil
	}
	return store, nil
}
