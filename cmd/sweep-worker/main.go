package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/clinic-booking-engine/internal/booking"
	"github.com/hackgods/clinic-booking-engine/internal/config"
	"github.com/hackgods/clinic-booking-engine/internal/db"
	"github.com/hackgods/clinic-booking-engine/internal/logging"
	redisclient "github.com/hackgods/clinic-booking-engine/internal/redis"
	"github.com/hackgods/clinic-booking-engine/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("sweep-worker starting up", "env", cfg.Env, "interval", cfg.SweepInterval.String())

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Error("postgres connection error", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	var locker redisclient.Locker
	if err != nil {
		logger.Warn("redis connection error, sweeping without lock", "error", err)
		rdb = nil
		locker = redisclient.NopLocker{}
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", "error", err)
			}
		}()
		locker = redisclient.NewRedisSweepLocker(rdb, cfg.Env, cfg.LockTTL)
		logger.Info("connected to Redis")
	}

	bus := stream.Select(cfg, rdb, logger)
	publisher := stream.NewPublisher(bus, cfg.Env, booking.PatientEventTypes, logger)

	repo := booking.NewPgRepository(pgPool)
	svc := booking.NewService(repo, publisher, cfg.Location(), logger)

	// Run once at startup
	runOnce(rootCtx, svc, locker, logger)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping sweep worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, locker, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *booking.Service, locker redisclient.Locker, logger *logging.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	err := locker.WithSweepLock(runCtx, func(lockCtx context.Context) error {
		completed, err := svc.AutoCompleteElapsed(lockCtx)
		if err != nil {
			return err
		}
		logger.Info("sweep run complete", "completed", completed, "duration", time.Since(start).String())
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			logger.Debug("another sweeper holds the lock, skipping run")
			return
		}
		logger.Error("sweep run error", "error", err)
	}
}
