// Package main runs the standalone transcode worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vodhost/backend/config"
	"github.com/vodhost/backend/internal/transcode"
	"github.com/vodhost/backend/internal/videos"
	"github.com/vodhost/backend/internal/worker"
	"github.com/vodhost/backend/pkg/database"
	"github.com/vodhost/backend/pkg/queue"
	"github.com/vodhost/backend/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var archiver transcode.Archiver
	if cfg.AWS.VideosBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			VideosBucket:         cfg.AWS.VideosBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			archiver = transcode.NewObjectArchiver(s3Client, cfg.Transcode.OutputExt, logger)
		}
	}

	videoRepo := videos.NewRepository(pool)
	engine := transcode.NewFFmpeg(cfg.Transcode.FFmpegPath, cfg.Transcode.Preset, logger)
	orch := transcode.NewOrchestrator(videoRepo, engine, cfg.Transcode.Profiles, transcode.Config{
		ContentRoot: cfg.Storage.ContentRoot,
		OutputExt:   cfg.Transcode.OutputExt,
		TaskTimeout: cfg.Transcode.TaskTimeout,
	}, logger)
	if archiver != nil {
		orch.SetArchiver(archiver)
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewTranscodeProcessor(jobQueue, orch, cfg.Worker.Concurrency, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Run(workerCtx)
	}()
	logger.Info("worker started", zap.Strings("profiles", transcode.Names(cfg.Transcode.Profiles)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := zcfg.Build()
	return logger
}
