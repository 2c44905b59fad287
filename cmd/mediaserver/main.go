// Package main runs the media server that serves converted clips for local
// playback mode. Published URIs point straight at the recording store, so the
// store's base path doubles as the URL prefix.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/goruck/alexa-ip-cam/config"
	"github.com/goruck/alexa-ip-cam/internal/middleware"
	"github.com/goruck/alexa-ip-cam/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/healthz", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	base := strings.TrimSuffix(cfg.Recordings.BasePath, "/")
	router.Static(base, base)
	router.NoRoute(func(c *gin.Context) { response.NotFound(c, "no such clip") })

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // clips are streamed whole
	}

	go func() {
		logger.Info("media server listening",
			zap.String("port", cfg.Server.Port),
			zap.String("base", base),
			zap.Bool("tls", cfg.Server.TLSCertFile != ""),
		)
		var err error
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("media server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("media server shutdown", zap.Error(err))
	}
	logger.Info("media server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
