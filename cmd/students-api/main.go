package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	_ "github.com/nadsoft/students-api/api/swagger"
	"github.com/nadsoft/students-api/internal/handler"
	"github.com/nadsoft/students-api/internal/repository"
	"github.com/nadsoft/students-api/internal/router"
	"github.com/nadsoft/students-api/internal/service"
	"github.com/nadsoft/students-api/pkg/cache"
	"github.com/nadsoft/students-api/pkg/config"
	"github.com/nadsoft/students-api/pkg/database"
	"github.com/nadsoft/students-api/pkg/logger"
)

// @title Students API
// @version 1.0.0
// @description Student records with per-subject marks
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoSchema {
		if err := database.EnsureSchema(context.Background(), db); err != nil {
			logr.Fatal("failed to apply schema", zap.Error(err))
		}
	}

	metrics := service.NewMetricsService()

	var cacheRepo *repository.CacheRepository
	cacheEnabled := cfg.Cache.Enabled
	if cacheEnabled {
		client, err := cache.NewRedis(context.Background(), cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, cache disabled", zap.String("addr", cache.Addr(cfg.Redis)), zap.Error(err))
			cacheEnabled = false
		} else {
			cacheRepo = repository.NewCacheRepository(client)
			defer cacheRepo.Close()
		}
	}
	var cacheSvc *service.CacheService
	if cacheEnabled {
		cacheSvc = service.NewCacheService(cacheRepo, metrics, cfg.Cache.TTL, logr, true)
	}

	studentRepo := repository.NewStudentRepository(db)
	studentSvc := service.NewStudentService(studentRepo, validator.New(), cacheSvc, metrics, logr)
	reportSvc := service.NewReportService(studentSvc, logr)

	engine := router.New(router.Deps{
		Logger:         logr,
		Metrics:        metrics,
		Students:       handler.NewStudentHandler(studentSvc, reportSvc),
		Observability:  handler.NewMetricsHandler(metrics, studentRepo, logr),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		EnableDocs:     cfg.Env != config.EnvProduction,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "cache", cacheEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
