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

	"vidfetch/internal/bootstrap"
	"vidfetch/internal/config"
	"vidfetch/internal/downloader"
	apphttp "vidfetch/internal/http"
	"vidfetch/internal/repository/sqlite"
	"vidfetch/internal/service"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		config.Config{}.Logger().Fatalf("load config: %v", err)
	}
	logger := cfg.Logger()

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}
	if strings.TrimSpace(cfg.Auth.RegisterPassword) == "" {
		logger.Fatalf("auth registration password is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	repos, err := sqlite.Migrate(ctx, db)
	if err != nil {
		logger.Fatalf("migrate database: %v", err)
	}

	batchService := service.NewBatchService(repos.Batches, repos.Items)
	userService := service.NewUserService(repos.Users, cfg.Auth.RegisterPassword)

	storageSvc, err := bootstrap.Storage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}
	if storageSvc == nil {
		logger.Warn("no storage bucket configured, downloads stay local")
	}
	publisher, err := bootstrap.Publisher(storageSvc, cfg, logger)
	if err != nil {
		logger.Fatalf("setup publisher: %v", err)
	}

	hub := apphttp.NewHub(logger)
	go hub.Run(ctx)

	manager := downloader.NewManager(downloader.Config{
		DownloadRoot:   cfg.Download.SaveDir,
		MaxConcurrent:  1,
		MaxWorkers:     cfg.Download.MaxWorkers,
		MoveOutput:     cfg.Download.MoveOutput,
		MoveLog:        cfg.Download.MoveLog,
		RemoveItemDirs: cfg.Download.RemoveItemDirs,
		Item:           bootstrap.ItemTemplate(cfg, logger),
		NewResolver:    bootstrap.ResolverFactory(cfg, logger),
		Publisher:      publisher,
		Notifier:       hub,
		Logger:         logger,
	}, batchService)

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}
	if err := manager.Resume(ctx); err != nil {
		logger.Warnf("resume batches: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Options{
		Batches:     batchService,
		Users:       userService,
		Manager:     manager,
		Storage:     storageSvc,
		Bucket:      cfg.Storage.Bucket,
		DataRoot:    cfg.Download.SaveDir,
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenTTL:    time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute,
		CORSOrigins: cfg.Server.CORSOrigins,
		Events:      hub,
		Logger:      logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
}
