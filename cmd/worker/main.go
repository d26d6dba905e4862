package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"platform-core/internal/config"
	"platform-core/internal/queue"
	"platform-core/internal/store"
	"platform-core/internal/telemetry"
	"platform-core/internal/webhook"
	workerproc "platform-core/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	q := queue.New(st, queue.Options{
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})
	collector := telemetry.NewCollector(st, func(ctx context.Context) (int64, error) {
		stats, err := q.Stats(ctx)
		if err != nil {
			return 0, err
		}
		return stats.Pending, nil
	})
	ingestor := webhook.NewIngestor(st)
	deliverer := webhook.NewDeliverer(nil, collector, log)

	processor := workerproc.New(q, log, workerproc.Options{
		PollInterval: cfg.WorkerPollInterval,
		ReclaimAfter: cfg.JobReclaimAfter,
		ReclaimEvery: cfg.JobReclaimEvery,
	}).WithReclaimLock(rdb).WithMetrics(collector)

	processor.RegisterHandler(webhook.JobTypeDelivery, deliverer.Handle)
	processor.RegisterHandler(webhook.JobTypeEvent, ingestor.HandleEventJob)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, collector.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	go retentionLoop(ctx, collector, cfg.MetricsRetentionDays, log)

	log.WithFields(logrus.Fields{
		"poll_interval": cfg.WorkerPollInterval.String(),
		"reclaim_after": cfg.JobReclaimAfter.String(),
	}).Info("worker started")
	if err := processor.Run(ctx); err != nil {
		log.WithError(err).Info("worker stopped")
	}
}

// retentionLoop prunes persisted metric observations once a day.
func retentionLoop(ctx context.Context, collector *telemetry.Collector, days int, log *logrus.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := collector.CleanOld(ctx, days)
			if err != nil {
				log.WithError(err).Warn("metric retention")
				continue
			}
			if deleted > 0 {
				log.WithField("deleted", deleted).Info("pruned old metrics")
			}
		}
	}
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	return log
}
