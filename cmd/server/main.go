// Package main runs the video hosting HTTP server, with an optional in-process
// transcode worker and graceful shutdown.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vodhost/backend/config"
	"github.com/vodhost/backend/internal/auth"
	"github.com/vodhost/backend/internal/middleware"
	"github.com/vodhost/backend/internal/transcode"
	"github.com/vodhost/backend/internal/videos"
	"github.com/vodhost/backend/internal/worker"
	"github.com/vodhost/backend/pkg/database"
	"github.com/vodhost/backend/pkg/queue"
	"github.com/vodhost/backend/pkg/redis"
	"github.com/vodhost/backend/pkg/response"
	"github.com/vodhost/backend/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	if err := os.MkdirAll(cfg.Storage.ContentRoot, 0o750); err != nil {
		logger.Fatal("content root", zap.Error(err), zap.String("path", cfg.Storage.ContentRoot))
	}

	var s3Client *storage.S3
	if cfg.AWS.VideosBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			VideosBucket:         cfg.AWS.VideosBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Videos
	videoRepo := videos.NewRepository(pool)
	intake := videos.NewIntake(videoRepo, jobQueue, logger)
	videoHandler := videos.NewHandler(videoRepo, intake, videos.HandlerConfig{
		ContentRoot:    cfg.Storage.ContentRoot,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes(),
		OutputExt:      cfg.Transcode.OutputExt,
	}, logger)
	if s3Client != nil {
		videoHandler.SetPresigner(s3Client)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics())

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
	}

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	videoHandler.Register(api)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-process transcode worker
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	if cfg.Worker.Inline {
		processor := worker.NewTranscodeProcessor(jobQueue, newOrchestrator(cfg, videoRepo, s3Client, logger), cfg.Worker.Concurrency, logger)
		go func() {
			defer close(workerDone)
			processor.Run(workerCtx)
		}()
	} else {
		close(workerDone)
		logger.Info("inline worker disabled; run cmd/worker to process uploads")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	workerCancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("transcode worker did not stop in time")
	}
	logger.Info("server stopped")
}

// newOrchestrator wires the ffmpeg engine and the optional S3 archive.
func newOrchestrator(cfg *config.Config, store transcode.Store, s3Client *storage.S3, logger *zap.Logger) *transcode.Orchestrator {
	engine := transcode.NewFFmpeg(cfg.Transcode.FFmpegPath, cfg.Transcode.Preset, logger)
	orch := transcode.NewOrchestrator(store, engine, cfg.Transcode.Profiles, transcode.Config{
		ContentRoot: cfg.Storage.ContentRoot,
		OutputExt:   cfg.Transcode.OutputExt,
		TaskTimeout: cfg.Transcode.TaskTimeout,
	}, logger)
	if s3Client != nil {
		orch.SetArchiver(transcode.NewObjectArchiver(s3Client, cfg.Transcode.OutputExt, logger))
	}
	logger.Info("transcode profiles", zap.Strings("profiles", transcode.Names(cfg.Transcode.Profiles)))
	return orch
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if zcfg.Level.Level() > zapcore.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	logger, _ := zcfg.Build()
	return logger
}
