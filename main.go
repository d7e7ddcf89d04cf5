package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"incident-analyze-pipeline/config"
	"incident-analyze-pipeline/database"
	"incident-analyze-pipeline/gemini"
	"incident-analyze-pipeline/handlers"
	"incident-analyze-pipeline/inference"
	"incident-analyze-pipeline/metrics"
	"incident-analyze-pipeline/pipeline"
	"incident-analyze-pipeline/rabbitmq"
	"incident-analyze-pipeline/service"
	"incident-analyze-pipeline/stubinference"
	"incident-analyze-pipeline/video"
)

// SubmittedRoutingKey is the routing key video submissions arrive under.
const SubmittedRoutingKey = "incident.submitted"

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	metrics.Register()

	// Initialize database
	db, err := database.NewDatabase(database.ConnConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Name:     cfg.DBName,
	})
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.CreateIncidentAnalysisTable(); err != nil {
		log.Fatalf("Failed to prepare database schema: %v", err)
	}

	// Inference gateway: real Gemini client, or the deterministic stub in CI
	var gateway inference.Gateway
	if cfg.UseStubGateway {
		log.Warn("Using stub inference gateway, no real analysis will happen")
		gateway = stubinference.New()
	} else {
		gateway = gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiDetectionModel)
	}

	// Analysis pipeline
	pipe, err := pipeline.New(gateway, video.NewSampler(), cfg.Pipeline)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	// RabbitMQ intake and outlet
	subscriber, err := rabbitmq.NewSubscriber(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.RabbitMQQueue, cfg.WorkerCount)
	if err != nil {
		log.Fatalf("Failed to connect RabbitMQ subscriber: %v", err)
	}
	defer subscriber.Close()

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitMQURL, cfg.PublishExchange)
	if err != nil {
		log.Fatalf("Failed to connect RabbitMQ publisher: %v", err)
	}
	defer publisher.Close()

	svc := service.NewService(pipe, db, publisher, gateway.SourceName())

	if err := subscriber.Start(map[string]rabbitmq.CallbackFunc{
		SubmittedRoutingKey: svc.HandleSubmission,
	}); err != nil {
		log.Fatalf("Failed to start subscriber: %v", err)
	}

	// Initialize handlers
	h := handlers.NewHandlers(db, subscriber)

	// Setup HTTP server
	router := gin.Default()

	// API routes
	api := router.Group("/api/v3")
	{
		api.GET("/health", h.HealthCheck)
		api.GET("/status", h.GetStatus)
		api.GET("/report/:id", h.GetReportByIncidentID)
		api.PUT("/report/:id/review", h.UpdateReviewStatus)
		api.GET("/stats", h.GetAnalysisStats)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start HTTP server in a goroutine
	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}
