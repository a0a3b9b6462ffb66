package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/tradelink/settlement/docs"
	"github.com/tradelink/settlement/internal/cache"
	"github.com/tradelink/settlement/internal/config"
	"github.com/tradelink/settlement/internal/database"
	"github.com/tradelink/settlement/internal/gateway"
	"github.com/tradelink/settlement/internal/handlers"
	"github.com/tradelink/settlement/internal/notify"
	"github.com/tradelink/settlement/internal/repository"
	"github.com/tradelink/settlement/internal/services"
)

// @title Escrow Settlement API
// @version 1.0
// @description Payment intents, escrow holds, refunds and gateway webhooks
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	v := viper.GetViper()
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := database.InitDatabase(ctx, v)
	defer db.Close()

	redisClient := database.InitRedis(ctx, v)
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry, err := buildGateways(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize gateways: %v", err)
	}

	var sink notify.Sink = notify.LogSink{}
	if redisClient != nil {
		sink = notify.NewRedisQueue(redisClient, cfg.NotifyQueue)
	}

	repo := repository.NewPostgresRepository(db)
	security := services.NewSecurityLogger()
	escrow := services.NewEscrowLedger(repo, registry, sink, security, cfg.Escrow.HoldPeriod)
	payments := services.NewPaymentLedger(repo, registry, escrow, sink)
	reconciler := services.NewReconciler(repo, registry, payments, escrow,
		cache.NewWebhookCache(redisClient, cfg.Webhook.DedupTTL), security)
	stats := services.NewStatsService(repo)
	sweeper := services.NewSweeper(repo, escrow, cache.NewLeaseLocker(redisClient),
		cfg.Escrow.SweepInterval, cfg.Escrow.SweepBatch, cfg.Escrow.LeaseTTL)

	router := handlers.NewRouter(handlers.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, handlers.NewPaymentHandler(payments, escrow, stats), handlers.NewWebhookHandler(reconciler))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(ctx)
	}()

	go func() {
		log.Printf("Server starting on :%s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	<-sweeperDone

	log.Println("Server stopped")
}

func buildGateways(cfg *config.Config) (*gateway.Registry, error) {
	policy := gateway.DefaultRetryPolicy()
	policy.MaxRetries = uint64(cfg.Gateway.MaxRetries)
	policy.AttemptTimeout = cfg.Gateway.Timeout

	registry := gateway.NewRegistry(cfg.Gateway.Default)
	if cfg.GatewayEnabled(gateway.MercadoPagoName) {
		mp, err := gateway.NewMercadoPago(cfg.MercadoPago.AccessToken, cfg.MercadoPago.PublicKey, cfg.MercadoPago.WebhookSecret)
		if err != nil {
			return nil, err
		}
		registry.Register(gateway.WithRetry(mp, policy))
	}
	if cfg.GatewayEnabled(gateway.SandboxName) {
		registry.Register(gateway.WithRetry(gateway.NewSandbox(cfg.Sandbox.WebhookSecret), policy))
	}
	log.Printf("[GATEWAY] enabled %v, default %s", registry.Names(), cfg.Gateway.Default)
	return registry, nil
}
