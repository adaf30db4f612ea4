package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/procflow-go/internal/batch/adapters/blob"
	batchdb "github.com/procflow-go/internal/batch/adapters/db"
	"github.com/procflow-go/internal/batch/adapters/queue"
	"github.com/procflow-go/internal/batch/engine"
	modcache "github.com/procflow-go/internal/modification/adapters/cache"
	"github.com/procflow-go/internal/modification/adapters/continuation"
	moddb "github.com/procflow-go/internal/modification/adapters/db"
	modhttp "github.com/procflow-go/internal/modification/adapters/http"
	"github.com/procflow-go/internal/modification/adapters/http/handlers"
	"github.com/procflow-go/internal/modification/builder"
	"github.com/procflow-go/pkg/cache"
	"github.com/procflow-go/pkg/config"
	"github.com/procflow-go/pkg/database"
	"github.com/procflow-go/pkg/events"
	"github.com/procflow-go/pkg/logger"
	"github.com/procflow-go/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load("modification-service")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())

	db, err := database.New(database.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Name:         cfg.Database.Name,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	models := append(moddb.Models(), batchdb.Models()...)
	if err := db.Migrate(models...); err != nil {
		log.Fatal("Failed to migrate database", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()

	eventBus, err := events.NewKafkaEventBus(events.KafkaConfig{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
	})
	if err != nil {
		log.Fatal("Failed to create event bus", "error", err)
	}
	defer eventBus.Close()

	awsConfig := aws.NewConfig().WithRegion(cfg.S3.Region)
	if cfg.S3.Endpoint != "" {
		awsConfig = awsConfig.
			WithEndpoint(cfg.S3.Endpoint).
			WithS3ForcePathStyle(cfg.S3.ForcePathStyle)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		log.Fatal("Failed to create AWS session", "error", err)
	}
	blobStore := blob.NewS3Store(s3.New(sess), cfg.S3.Bucket)

	store := moddb.NewStore(db)
	definitions := modcache.NewDefinitionCache(
		store,
		cache.NewRedisCache(redisClient, "procflow:modification", cfg.Cache.DefinitionTTL),
		cfg.Cache.DefinitionTTL,
		log,
	)
	batchRepo := batchdb.NewRepository(db)
	jobQueue := queue.NewRedisQueue(redisClient)
	signaler := continuation.NewEventBusSignaler(eventBus)

	creator := engine.NewCreator(
		engine.CreatorConfig{
			ChunkSize:  cfg.Modification.ChunkSize,
			JobRetries: cfg.Modification.JobRetries,
		},
		batchRepo, blobStore, jobQueue, store, eventBus, log,
	)

	deps := builder.Deps{
		Executions:      store,
		Definitions:     definitions,
		Variables:       store,
		Continuation:    signaler,
		Batches:         creator,
		Logger:          log,
		ConflictRetries: cfg.Modification.ConflictRetries,
	}

	handler := engine.NewHandler(batchRepo, blobStore, builder.NewRunner(deps), eventBus, log)
	executor := engine.NewExecutor(
		engine.ExecutorConfig{
			Workers:      cfg.Modification.Workers,
			DispatchRate: cfg.Modification.DispatchRate,
			RetryBackoff: cfg.Modification.RetryBackoff,
		},
		jobQueue, batchRepo, handler, eventBus, log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := executor.Start(ctx); err != nil {
		log.Fatal("Failed to start batch executor", "error", err)
	}

	httpHandlers := handlers.NewModificationHandlers(
		func() *builder.Builder { return builder.New(deps) },
		batchRepo,
		log,
	)
	var apiMiddleware []gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		apiMiddleware = append(apiMiddleware, ratelimit.Middleware(limiter))
	}
	router := modhttp.NewRouter(httpHandlers, log, apiMiddleware...)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("Starting modification service", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down modification service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	cancel()
	if err := executor.Stop(shutdownCtx); err != nil {
		log.Error("Batch executor forced to shutdown", "error", err)
	}

	log.Info("Modification service exited")
}
