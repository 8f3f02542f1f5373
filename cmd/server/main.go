// Command server runs the crosspost relay: it receives source-platform
// webhooks, reassembles media groups and fans each logical message out to
// the destination accounts of every matching automation task.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/config"
	"github.com/tbourn/go-crosspost-backend/internal/debounce"
	"github.com/tbourn/go-crosspost-backend/internal/dedup"
	"github.com/tbourn/go-crosspost-backend/internal/destinations"
	"github.com/tbourn/go-crosspost-backend/internal/events"
	httpapi "github.com/tbourn/go-crosspost-backend/internal/http"
	"github.com/tbourn/go-crosspost-backend/internal/media"
	"github.com/tbourn/go-crosspost-backend/internal/observability"
	"github.com/tbourn/go-crosspost-backend/internal/queue"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
	"github.com/tbourn/go-crosspost-backend/internal/services"
	"github.com/tbourn/go-crosspost-backend/internal/sysutil"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is optional; real deployments use the environment.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	instanceID := sysutil.InstanceID(cfg.Aggregation.InstanceID)
	log := sysutil.NewRootLogger(os.Stderr, cfg.LogPretty, cfg.OTEL.ServiceName, instanceID)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, instanceID, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config, instanceID string, log zerolog.Logger) error {
	otelShutdown, err := observability.Setup(ctx, cfg.OTEL, observability.Build{Version: version, InstanceID: instanceID})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := openDB(cfg, log)
	if err != nil {
		return err
	}
	if cfg.SeedFile != "" {
		accounts, tasks, err := services.LoadSeed(ctx, db, cfg.SeedFile)
		if err != nil {
			return err
		}
		log.Info().Int("accounts", accounts).Int("tasks", tasks).Str("file", cfg.SeedFile).Msg("seed loaded")
	}

	ledger, closeLedger, err := newLedger(ctx, cfg.Dedup, db)
	if err != nil {
		return err
	}
	defer closeLedger()

	caps, err := destinations.LoadCapabilities(cfg.Dispatch.DestinationsFile)
	if err != nil {
		return err
	}
	registry := destinations.NewRegistry(caps, cfg.Dispatch.TelegramAPIBase, cfg.Dispatch.PublishGatewayURL, cfg.Dispatch.PublishTimeout)

	retriever, err := newRetriever(ctx, cfg.Media, cfg.Dispatch.TelegramAPIBase, log)
	if err != nil {
		return err
	}

	publisher := newPublisher(ctx, cfg.Events, log)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("events publisher close")
		}
	}()

	dispatchQ := queue.New("dispatch", cfg.Dispatch.QueueConcurrency, log)
	publishQ := queue.New("publish", cfg.Dispatch.QueueConcurrency, log)
	timers := debounce.New()

	dispatcher := &services.Dispatcher{
		DB:       db,
		Adapters: registry,
		Media:    retriever,
		Queue:    publishQ,
		Progress: &services.ProgressReporter{
			DB:                   db,
			MinPendingVisibility: cfg.Dispatch.MinPendingVisibility,
			Log:                  log,
		},
		Events:           publisher,
		TextOnlyFallback: cfg.Dispatch.TextOnlyFallback,
		Log:              log,
	}
	agg := &services.Aggregator{
		DB:                db,
		Ledger:            ledger,
		Queue:             dispatchQ,
		Debouncer:         timers,
		Dispatcher:        dispatcher,
		InstanceID:        instanceID,
		QuietWindow:       cfg.Aggregation.QuietWindow,
		StaleClaimTimeout: cfg.Aggregation.StaleClaimTimeout,
		Log:               log,
	}
	janitor := &services.Janitor{
		DB:                    db,
		Ledger:                ledger,
		Aggregator:            agg,
		Interval:              cfg.Aggregation.JanitorInterval,
		StaleExecutionTimeout: cfg.Aggregation.StaleExecutionTimeout,
		Log:                   log,
	}

	if n, err := agg.RecoverPending(ctx); err != nil {
		log.Error().Err(err).Msg("recover pending media groups")
	} else if n > 0 {
		log.Info().Int("groups", n).Msg("rescheduled pending media groups")
	}
	go janitor.Run(ctx)

	r := gin.New()
	httpapi.RegisterRoutes(r, db, agg, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop intake first, then pending flush timers, then drain the queues
	// so in-flight executions reach a final status.
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	timers.Stop()
	if err := dispatchQ.Close(sctx); err != nil {
		log.Warn().Err(err).Msg("dispatch queue drain")
	}
	if err := publishQ.Close(sctx); err != nil {
		log.Warn().Err(err).Msg("publish queue drain")
	}
	log.Info().Msg("stopped")
	return nil
}

func openDB(cfg config.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := repo.Open(repo.Options{Path: cfg.DBPath, Log: log.With().Str("component", "db").Logger()})
	if err != nil {
		return nil, err
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			return nil, err
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// newLedger picks the dedup backend. The SQL ledger shares the main database;
// the Redis ledger lets several instances share admission state.
func newLedger(ctx context.Context, cfg config.DedupConfig, db *gorm.DB) (dedup.Ledger, func(), error) {
	if cfg.Backend != "redis" {
		return dedup.NewSQLLedger(db, cfg.Retention), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return dedup.NewRedisLedger(client, cfg.Retention, "crosspost"), func() { _ = client.Close() }, nil
}

func newRetriever(ctx context.Context, cfg config.MediaConfig, telegramBase string, log zerolog.Logger) (media.Retriever, error) {
	var r media.Retriever = media.NewTelegramRetriever(telegramBase, cfg.MaxBytes, cfg.TempDir, cfg.FetchTimeout)
	if cfg.S3.Bucket == "" {
		return r, nil
	}
	mirror, err := media.NewS3Mirror(ctx, media.S3Options{
		Bucket:    cfg.S3.Bucket,
		Region:    cfg.S3.Region,
		Endpoint:  cfg.S3.Endpoint,
		PathStyle: cfg.S3.PathStyle,
		Prefix:    cfg.S3.Prefix,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("bucket", cfg.S3.Bucket).Msg("media mirror enabled")
	return media.WithMirror(r, mirror, log), nil
}

// newPublisher falls back to logging events when the broker is not
// configured or unreachable; events never block dispatch.
func newPublisher(ctx context.Context, cfg config.EventsConfig, log zerolog.Logger) events.Publisher {
	if cfg.RabbitMQURL == "" {
		return events.NewLogPublisher(log)
	}
	p, err := events.DialAMQP(ctx, cfg.RabbitMQURL, cfg.Exchange, cfg.DialAttempts, log)
	if err != nil {
		log.Error().Err(err).Msg("rabbitmq unavailable, logging events instead")
		return events.NewLogPublisher(log)
	}
	return p
}
