package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/scorer"
)

const submitRateLimitID = "grading-submit"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "development" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	observability.RegisterMetrics()

	db, err := database.ConnectPostgres(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Question{}, &models.RubricDimension{}, &models.Submission{}, &models.ActivityLog{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
	} else {
		logger.Warn().Msg("redis not configured; submission locks are process-local and events are not published to redis")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
	}

	scorerClient, err := scorer.NewClient(scorer.Config{
		BaseURL: cfg.ScorerBaseURL,
		Timeout: cfg.ScorerTimeout,
		Retry: scorer.RetryPolicy{
			MaxAttempts: cfg.ScorerMaxAttempts,
			BaseDelay:   cfg.ScorerBaseDelay,
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to create scorer client: %v", err)
	}

	locker := service.NewLocalSubmissionLocker()
	if redisClient != nil {
		locker = service.NewRedisSubmissionLocker(redisClient, "gema:grading:lock", cfg.GradingLockTTL, logger)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	deps := service.GradingDependencies{
		Questions:   repository.NewQuestionRepository(db),
		Submissions: repository.NewSubmissionRepository(db),
		Scorer:      scorerClient,
		Resolver:    service.NewDimensionResolver(),
		Locker:      locker,
		Events:      service.NewGradingEventPublisher(redisClient, cfg.EventsChannel, natsConn, logger),
		Activity:    service.NewActivityService(repository.NewActivityLogRepository(db), logger),
		Options: service.GradingOptions{
			ComputeExplanations: cfg.ScorerComputeExplanations,
			HealthPreflight:     cfg.GradingHealthPreflight,
			HealthChecks:        cfg.GradingHealthChecks,
			HealthCheckDelay:    cfg.GradingHealthDelay,
			BatchConcurrency:    cfg.GradingBatchConcurrency,
		},
	}

	gradingService := service.NewGradingService(deps, validate, logger)
	batchService := service.NewBatchGradingService(deps, validate, logger)
	overrideService := service.NewOverrideService(deps, validate, logger)
	statusService := service.NewScorerStatusService(scorerClient, validate, logger)

	submissionHandler := handler.NewSubmissionHandler(gradingService, batchService, overrideService, logger,
		middleware.RequireRole("student"),
		middleware.RateLimit(submitRateLimitID, cfg.GradingSubmitRateLimit, cfg.GradingSubmitRateWindow),
	)
	scorerHandler := handler.NewScorerHandler(statusService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		// Batch runs wait on the scorer with retries.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: submissionHandler,
		ScorerHandler:     scorerHandler,
		ScorerProbe:       scorerClient,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		logger.Info().Str("address", cfg.HTTPAddress()).Str("scorer", cfg.ScorerBaseURL).Msg("grading service listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, redisClient, natsConn, logger)
}

func waitForShutdown(app *fiber.App, redisClient *redis.Client, natsConn *nats.Conn, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			logger.Warn().Err(err).Msg("failed to drain nats connection")
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close redis client")
		}
	}

	logger.Info().Msg("server stopped")
}
