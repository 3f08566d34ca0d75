package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"settlement-service/internal/api"
	"settlement-service/internal/config"
	"settlement-service/internal/consumer"
	"settlement-service/internal/database"
	"settlement-service/internal/engine"
	"settlement-service/internal/logger"
	"settlement-service/internal/metrics"
	"settlement-service/internal/plan"
	"settlement-service/internal/processor"
	"settlement-service/internal/repository"
	"settlement-service/internal/store"
	"settlement-service/internal/store/memory"
	"settlement-service/internal/sweep"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	log := logger.New("settlement-service", cfg.LogLevel)

	p, err := plan.Load(cfg.Plan.File)
	if err != nil {
		log.WithError(err).Fatal("failed to load compensation plan")
	}
	if cfg.Plan.Timezone != "" {
		p.Timezone = cfg.Plan.Timezone
		if err := p.Validate(); err != nil {
			log.WithError(err).Fatal("invalid plan timezone")
		}
	}

	// Initialize storage
	var st store.Store
	if cfg.Database.Driver == "memory" {
		log.Warn("using in-memory store, state is lost on restart")
		st = memory.New()
	} else {
		db, err := database.New(cfg.Database, log)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize database")
		}
		sqlDB, _ := db.DB.DB()
		defer sqlDB.Close()
		st = repository.New(db.DB, log)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	eng := engine.New(st, p, m, log, engine.Options{
		AutoProcessWithdrawals: cfg.Processor.AutoProcessWithdrawals,
	})

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := processor.NewPool(eng, cfg.Processor.Workers, cfg.Processor.QueueSize, log)
	pool.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(api.NewHandler(eng, pool, log), m, reg, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.WithField("addr", cfg.HTTP.Addr).Info("starting http server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	sweeper := sweep.New(st, eng, p.VolumePerPair, cfg.Sweep.BatchSize, m, log, nil)
	g.Go(func() error {
		sweeper.Run(gctx, cfg.Sweep.Interval)
		return nil
	})

	if cfg.Rabbit.Enabled {
		rmqConsumer, err := consumer.New(cfg.Rabbit, log, pool)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize RabbitMQ consumer")
		}
		defer rmqConsumer.Close()

		g.Go(func() error {
			return rmqConsumer.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("service stopped unexpectedly")
	}
	stop()
	pool.Wait()

	log.WithFields(logrus.Fields{"driver": cfg.Database.Driver}).Info("graceful shutdown complete")
}
