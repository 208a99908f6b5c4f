package command

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and websocket gateway",
	Long: `Run the HTTP API and websocket gateway. Redis, Postgres, Kafka,
Stripe and the notification webhook are optional; each is enabled when its
setting is present and in-memory components are used otherwise.`,
	RunE: runServe,
}

// app holds the wired components and what has to be torn down on exit.
type app struct {
	handler  http.Handler
	machine  *ride.Machine
	registry *dispatch.Registry
	workers  []*notify.Async
	closers  []func() error
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	for _, w := range a.workers {
		go w.Run(workerCtx)
	}
	go a.sweep(ctx, cfg, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      a.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infow("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Infow("shutting down")
	case err := <-errCh:
		stopWorkers()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http shutdown incomplete", "error", err)
	}
	// Workers drain what is queued once the API stops producing events.
	stopWorkers()
	for _, w := range a.workers {
		w.Wait()
	}
	return nil
}

func buildApp(ctx context.Context, cfg config.ServerConfig, logger *zap.SugaredLogger) (*app, error) {
	a := &app{}
	checks := map[string]func(context.Context) error{}

	var (
		drivers storage.DriverStore = storage.NewMemoryDriverStore()
		buckets geo.BucketStore     = geo.NewMemoryBuckets()
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		drivers = storage.NewRedisDriverStore(rc)
		buckets = geo.NewRedisBuckets(rc, cfg.RedisGeoKey)
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		a.closers = append(a.closers, rc.Close)
		logger.Infow("driver index backed by redis", "addr", cfg.RedisAddr)
	}

	var rides storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			a.close(logger)
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.RunMigrations {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				a.close(logger)
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Infow("migrations applied", "files", applied)
		}
		rides = pg
		checks["postgres"] = pg.Ping
		logger.Infow("rides backed by postgres")
	}

	index := geo.NewIndex(drivers, buckets, cfg.GeoBucketPrecision)
	a.machine = ride.NewMachine(rides, index, logger)

	transport := dispatch.NewWSTransport(0)
	a.registry = dispatch.NewRegistry(transport, logger,
		dispatch.WithRideLookup(a.machine),
		dispatch.WithLocationSink(index),
		dispatch.WithStatusUpdater(a.machine),
		dispatch.WithOnDeregister(transport.Close),
	)
	a.machine.AddSink(a.registry)

	var locations ingest.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		events := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		a.closers = append(a.closers, events.Close)
		a.addWorker(notify.NewAsync("kafka", events, logger, 0))

		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		a.closers = append(a.closers, producer.Close)
		locations = producer
		logger.Infow("kafka enabled", "brokers", cfg.KafkaBrokers, "events_topic", cfg.KafkaEventsTopic, "location_topic", cfg.KafkaLocationTopic)
	}
	if cfg.StripeAPIKey != "" {
		a.addWorker(notify.NewAsync("payments", payments.NewSettler(cfg.StripeAPIKey, cfg.StripeCurrency, logger), logger, 0))
	}
	if cfg.WebhookURL != "" {
		a.addWorker(notify.NewAsync("webhook", notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookKey), logger, 0))
	}

	svc := &matcher.Service{
		Geo:           index,
		Rides:         a.machine,
		Notify:        a.registry,
		ETA:           &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps, Cache: eta.NewCache(time.Minute)},
		RadiusKm:      cfg.MatchRadiusKm,
		WidenRadiusKm: cfg.MatchWidenRadiusKm,
		TopN:          cfg.MatcherTopN,
		Logger:        logger,
	}

	a.handler = httpapi.NewServer(httpapi.Deps{
		Rides:     a.machine,
		Matcher:   svc,
		Geo:       index,
		Registry:  a.registry,
		Transport: transport,
		Verifier:  auth.NewJWTVerifier(cfg.JWTSecret),
		Locations: locations,
		Logger:    logger,
		Checks:    checks,
	})
	return a, nil
}

func (a *app) addWorker(w *notify.Async) {
	a.workers = append(a.workers, w)
	a.machine.AddSink(w)
}

// sweep expires unanswered ride requests and reaps idle connections.
func (a *app) sweep(ctx context.Context, cfg config.ServerConfig, logger *zap.SugaredLogger) {
	t := time.NewTicker(cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n, err := a.machine.ExpireStale(ctx, cfg.RideRequestTimeout); err != nil {
				logger.Errorw("expire stale rides failed", "error", err)
			} else if n > 0 {
				logger.Infow("expired stale rides", "count", n)
			}
			if n := a.registry.ReapIdle(now, cfg.ConnIdleTimeout); n > 0 {
				logger.Infow("reaped idle connections", "count", n)
			}
		}
	}
}

func (a *app) close(logger *zap.SugaredLogger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warnw("close failed", "error", err)
		}
	}
}
