package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sawmill/internal/config"
	"sawmill/internal/deadletter"
	"sawmill/internal/ingest"
	"sawmill/internal/logger"
	"sawmill/internal/pipeline"
	"sawmill/internal/source"
	"sawmill/internal/spill"
	"sawmill/internal/writer"
	"sawmill/pkg/bootstrap"
	"sawmill/pkg/circuitbreaker"
	"sawmill/pkg/health"
	"sawmill/pkg/metrics"
	"sawmill/pkg/ratelimit"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	Config *config.Config
	Logger logger.Logger

	dbConnector *bootstrap.DatabaseConnector
	db          *sql.DB
	pipe        *pipeline.Pipeline
	kafkaSource *source.KafkaSource
	server      *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Config:      cfg,
		Logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.InitializePipelineOnly(ctx); err != nil {
		return err
	}

	if a.Config.Source.Kafka.Enabled {
		a.kafkaSource = source.NewKafkaSource(a.Config.Source.Kafka, a.pipe, a.Logger.Named("kafka-source"))
	}

	if err := a.initHTTPServer(); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return nil
}

// InitializePipelineOnly brings up the database, spill recovery and the
// write path without any intake surface. The replay-spill command uses it
// directly.
func (a *App) InitializePipelineOnly(ctx context.Context) error {
	metrics.RegisterPipelineMetrics()

	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db

	if a.Config.Database.RunMigrations {
		if err := a.dbConnector.RunMigrations(a.db, "migrations/postgres"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	spillStore, err := spill.NewStore(a.Config.Pipeline.SpillDir, a.Logger.Named("spill"))
	if err != nil {
		return fmt.Errorf("failed to initialize spill store: %w", err)
	}

	var sink deadletter.Sink
	switch a.Config.DeadLetter.Sink {
	case "file":
		sink = deadletter.NewFileSink(a.Config.DeadLetter.FilePath)
	default:
		sink = deadletter.NewPostgresSink(a.db)
	}

	store := writer.NewPostgresStore(a.db)
	a.pipe = pipeline.New(a.Config.Pipeline, store, sink, spillStore, a.Logger.Named("pipeline"))

	if a.Config.CircuitBreaker.Enabled {
		a.pipe.SetBreaker(circuitbreaker.NewWrapper(circuitbreaker.Config{
			Name:         "postgres-writer",
			MaxRequests:  a.Config.CircuitBreaker.MaxRequests,
			Interval:     a.Config.CircuitBreaker.Interval,
			Timeout:      a.Config.CircuitBreaker.Timeout,
			FailureRatio: a.Config.CircuitBreaker.FailureRatio,
			MinRequests:  a.Config.CircuitBreaker.MinRequests,
		}))
	}

	if err := a.pipe.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	return nil
}

func (a *App) initHTTPServer() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	healthRegistry.Register(health.NewSpillDirChecker(a.Config.Pipeline.SpillDir))

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var middleware []gin.HandlerFunc
	if a.Config.Ingest.RateLimit.Enabled {
		middleware = append(middleware, ratelimit.Middleware(ratelimit.Config{
			RPS:   a.Config.Ingest.RateLimit.RPS,
			Burst: a.Config.Ingest.RateLimit.Burst,
		}))
	}

	var flushGate *rate.Limiter
	if a.Config.Pipeline.FlushCooldown > 0 {
		flushGate = rate.NewLimiter(rate.Every(a.Config.Pipeline.FlushCooldown), 1)
	}

	handler := ingest.NewHandler(a.pipe, flushGate, a.Logger.Named("ingest"))
	handler.RegisterRoutes(router, middleware...)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}

	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.Logger.Infow("HTTP server starting", "port", a.Config.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("HTTP server shutdown error: %w", err)
			}
			return nil
		})
	}

	if a.kafkaSource != nil {
		g.Go(func() error {
			return a.kafkaSource.Run(gCtx)
		})
	}

	return g.Wait()
}

// Shutdown drains the pipeline and releases the database. A non-nil error
// means spilled state could not be persisted and data is at risk.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("Shutting down ingest service")

	var errs []error

	if a.pipe != nil {
		if err := a.pipe.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline shutdown error: %w", err))
		}
	}

	errs = append(errs, a.dbConnector.ShutdownDatabases(a.db)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.Logger.Info("Application exited successfully")
	return nil
}
