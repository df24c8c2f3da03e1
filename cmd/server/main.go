// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"liverscan-back/internal/auth"
	"liverscan-back/internal/broadcast"
	"liverscan-back/internal/config"
	"liverscan-back/internal/database"
	"liverscan-back/internal/handlers"
	"liverscan-back/internal/inference"
	"liverscan-back/internal/jobs"
	"liverscan-back/internal/logger"
	"liverscan-back/internal/middleware"
	"liverscan-back/internal/segmentation"
	"liverscan-back/internal/storage"
	"liverscan-back/internal/store"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.Load()

	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	auth.Init(cfg.JWTSecret)

	db, err := database.InitDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.MigrateDB(db); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	minioClient, err := storage.NewMinIOClient(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize MinIO client", zap.Error(err))
	}

	hub := broadcast.NewHub()
	taskStore := store.New(db, hub)
	model := inference.NewHTTPClient(cfg.ModelURL, cfg.InferenceTimeout)
	orch := segmentation.New(taskStore, minioClient, model)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := jobs.NewRunner(orch, hub, cfg.WorkerCount, cfg.QueueSize, cfg.JobMaxRetries)
	runner.Start(ctx)

	r := gin.Default()
	r.Use(middleware.CORSMiddleware())

	// Public routes
	public := r.Group("/api")
	{
		public.POST("/register", handlers.Register(db))
		public.POST("/login", handlers.Login(db))
		public.POST("/logout", handlers.Logout)
	}

	// Protected routes
	protected := r.Group("/api")
	protected.Use(middleware.AuthMiddleware())
	{
		protected.GET("/profile", handlers.GetProfile(db))

		protected.POST("/scans", handlers.CreateScan(db, taskStore, minioClient, orch, runner))
		protected.GET("/scans", handlers.ListScans(db))
		protected.GET("/scans/:id", handlers.GetScan(db, taskStore))
		protected.DELETE("/scans/:id", handlers.DeleteScan(db, taskStore, minioClient))
		protected.POST("/scans/:id/tasks", handlers.CreateRun(db, taskStore, orch, runner))
		protected.GET("/scans/:id/tasks", handlers.ListTasks(db, taskStore))
		protected.GET("/scans/:id/status", handlers.ScanStatus(db, hub))

		protected.GET("/tasks/:id", handlers.GetTask(db, taskStore))
		protected.GET("/tasks/:id/result", handlers.GetTaskResult(db, taskStore, minioClient))
		protected.GET("/tasks/:id/mask", handlers.DownloadMask(db, taskStore, minioClient))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	runner.Stop()
}
