// Package main runs the recording processor: it watches each camera's local
// recording store, converts new motion clips and announces them to the Alexa
// Event Gateway.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/goruck/alexa-ip-cam/config"
	"github.com/goruck/alexa-ip-cam/internal/dedup"
	"github.com/goruck/alexa-ip-cam/internal/gateway"
	"github.com/goruck/alexa-ip-cam/internal/middleware"
	"github.com/goruck/alexa-ip-cam/internal/pipeline"
	"github.com/goruck/alexa-ip-cam/internal/playback"
	"github.com/goruck/alexa-ip-cam/internal/recordings"
	"github.com/goruck/alexa-ip-cam/internal/source"
	"github.com/goruck/alexa-ip-cam/internal/token"
	"github.com/goruck/alexa-ip-cam/internal/transcode"
	"github.com/goruck/alexa-ip-cam/pkg/metrics"
	"github.com/goruck/alexa-ip-cam/pkg/redis"
	"github.com/goruck/alexa-ip-cam/pkg/response"
	"github.com/goruck/alexa-ip-cam/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	cameras, err := cfg.LoadCameras()
	if err != nil {
		logger.Fatal("load cameras", zap.Error(err))
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	m := metrics.New()

	lwa := token.NewClient("https://"+cfg.Amazon.LWAHost+cfg.Amazon.LWAPath, cfg.Amazon.ClientID, cfg.Amazon.ClientSecret, logger)
	tokens := token.NewManager(
		token.NewStore(cfg.Amazon.TokenFile),
		lwa,
		cfg.Amazon.GrantCode,
		time.Duration(cfg.Amazon.PreemptiveRefreshSec)*time.Second,
		logger,
	)
	tokens.OnExchange = m.IncTokenExchange

	layout := recordings.Layout{BasePath: cfg.Recordings.BasePath}
	provider, err := newPlayback(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("playback", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sources := make([]source.Source, 0, len(cameras))
	for _, cam := range cameras {
		src, err := newSource(runCtx, cfg, cam, layout, logger)
		if err != nil {
			logger.Fatal("source", zap.String("camera", cam.FriendlyName), zap.Error(err))
		}
		sources = append(sources, src)
	}

	orchestrator := pipeline.New(sources, layout, pipeline.Deps{
		Dedup:      dedup.NewStore(rdb.Client, logger),
		Transcoder: transcode.NewFFmpeg(cfg.Recordings.FFmpegPath, time.Duration(cfg.Recordings.FFmpegTimeout)*time.Second, logger),
		Tokens:     tokens,
		Playback:   provider,
		Publisher:  gateway.NewPublisher("https://"+cfg.Amazon.EventGatewayHost+cfg.Amazon.EventGatewayPath, logger),
		Metrics:    m,
	}, time.Duration(cfg.Recordings.CheckInterval)*time.Second, logger)

	done := make(chan struct{})
	go func() {
		orchestrator.Run(runCtx)
		close(done)
	}()
	logger.Info("processor started",
		zap.Int("cameras", len(cameras)),
		zap.String("source_mode", cfg.Recordings.SourceMode),
		zap.String("playback_mode", cfg.Recordings.PlaybackMode),
	)

	srv := newOpsServer(cfg.Server.MetricsPort, m, logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("in-flight recordings did not finish in time")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown", zap.Error(err))
	}
	logger.Info("processor stopped")
}

// newSource builds the discovery strategy for one camera. In watch mode the
// watcher's event loop is started on runCtx.
func newSource(runCtx context.Context, cfg *config.Config, cam config.Camera, layout recordings.Layout, logger *zap.Logger) (source.Source, error) {
	if cfg.Recordings.SourceMode == "watch" {
		w, err := source.NewSidecarWatcher(cam, layout, logger)
		if err != nil {
			return nil, err
		}
		go w.Run(runCtx)
		return w, nil
	}
	return source.NewIndexPoller(cam, layout, cfg.Recordings.Window, logger), nil
}

func newPlayback(ctx context.Context, cfg *config.Config, logger *zap.Logger) (playback.Provider, error) {
	ttl := time.Duration(cfg.Recordings.URIExpireMin) * time.Minute
	if cfg.Recordings.PlaybackMode == "s3" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			ClipsBucket:     cfg.AWS.ClipsBucket,
		}, logger)
		if err != nil {
			return nil, err
		}
		return playback.NewS3(s3Client, ttl), nil
	}
	return playback.NewLocal(cfg.Recordings.VideoURIBase, ttl), nil
}

// newOpsServer exposes liveness and Prometheus metrics for the processor.
func newOpsServer(port string, m *metrics.Metrics, logger *zap.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.GET("/healthz", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(m.Handler()))
	return &http.Server{Addr: ":" + port, Handler: router}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
