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
	"github.com/rs/cors"

	"github.com/dialectiq/research-gateway/internal/backend"
	"github.com/dialectiq/research-gateway/internal/config"
	"github.com/dialectiq/research-gateway/internal/logger"
	"github.com/dialectiq/research-gateway/internal/server"
	"github.com/dialectiq/research-gateway/internal/session"
	"github.com/dialectiq/research-gateway/internal/stream"
	"github.com/dialectiq/research-gateway/internal/timeline"
	"github.com/dialectiq/research-gateway/internal/wire"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("Setting Gin mode", "mode", cfg.GinMode)
	gin.SetMode(cfg.GinMode)

	serviceToken := func() string { return cfg.BackendAPIToken }

	normalizer := wire.NewNormalizer(log)
	consumer := stream.NewConsumer(cfg.BackendURL, nil, normalizer, serviceToken, log)
	sessions := session.NewManager(consumer, log)
	builder := timeline.NewBuilder(log)

	httpClient := &http.Client{Timeout: cfg.BackendTimeout}
	backendFor := func(token string) *backend.Client {
		provider := serviceToken
		if token != "" {
			provider = func() string { return token }
		}
		return backend.NewClient(cfg.BackendURL, httpClient, provider)
	}

	handler := server.NewHandler(sessions, consumer, backendFor, builder, cfg.ChatPageSize, cfg.StreamHeartbeatInterval, log)
	router := server.NewRouter(handler)

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
	})

	port := ":" + cfg.Port
	srv := &http.Server{
		Addr:    port,
		Handler: corsWrapper.Handler(router),
	}

	log.Info("research gateway listening on " + port)
	log.Info("research backend", "url", cfg.BackendURL)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server exited")
}
