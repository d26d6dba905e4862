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

	"platform-core/internal/api"
	"platform-core/internal/config"
	"platform-core/internal/queue"
	"platform-core/internal/quota"
	"platform-core/internal/ratelimit"
	"platform-core/internal/store"
	"platform-core/internal/telemetry"
	"platform-core/internal/webhook"
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
	window := ratelimit.NewWindow(rdb)
	resolver := ratelimit.NewResolver(st, window)
	enforcer := quota.New(st, st, rdb)
	collector := telemetry.NewCollector(st, func(ctx context.Context) (int64, error) {
		stats, err := q.Stats(ctx)
		if err != nil {
			return 0, err
		}
		return stats.Pending, nil
	})
	ingestor := webhook.NewIngestor(st)

	server := api.New(cfg, api.Deps{
		Store:    st,
		Queue:    q,
		Window:   window,
		Resolver: resolver,
		Quotas:   enforcer,
		Metrics:  collector,
		Ingestor: ingestor,
		Notifier: quota.LogNotifier{Log: log},
		Log:      log,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	return log
}
