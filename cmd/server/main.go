package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/config"
	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/handler"
	"github.com/pesio-ai/be-expense-approvals/internal/lock"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
	"github.com/pesio-ai/be-expense-approvals/migrations"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Expense Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := db.ApplyMigrations(ctx, migrations.FS); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		log.Info().Msg("Database migrations applied")
	}

	// Initialize repositories
	matrixRepo := repository.NewMatrixRepository(db)
	instanceRepo := repository.NewInstanceRepository(db, log)
	directoryRepo := repository.NewDirectoryRepository(db)
	requestRepo := repository.NewExpenseRequestRepository(db)
	settingsRepo := repository.NewCompanySettingsRepository(db)
	rulesRepo := repository.NewAdditionalApproverRulesRepository(db)
	auditRepo := repository.NewApprovalAuditRepository(db)

	// Notifications
	var publisher client.Publisher
	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		publisher = nc
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set, notifications are disabled")
	}
	notifier := client.NewNotificationPublisher(publisher, log)

	// Funds service
	var funds service.FundsGateway
	if cfg.Funds.BaseURL != "" {
		funds = client.NewFundsClient(cfg.Funds.BaseURL, cfg.Funds.Timeout)
		log.Info().Str("base_url", cfg.Funds.BaseURL).Msg("Funds client initialized")
	} else {
		funds = client.NewNoopFunds(log)
		log.Warn().Msg("FUNDS_SERVICE_URL not set, post-approval effects are skipped")
	}

	// Initialize services
	opts := []service.Option{
		service.WithAdditionalApprovers(service.NewThresholdRules(rulesRepo)),
		service.WithAuditLog(auditRepo),
	}
	if cfg.Redis.URL != "" {
		rdb, err := lock.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		opts = append(opts, service.WithLocker(lock.NewRedisLocker(rdb, cfg.Redis.LockTTL, log)))
		log.Info().Msg("Redis instance lock enabled")
	}

	approvalService := service.NewApprovalService(
		matrixRepo,
		instanceRepo,
		requestRepo,
		settingsRepo,
		service.NewApproverResolver(directoryRepo, log),
		notifier,
		funds,
		log,
		opts...,
	)
	matrixService := service.NewMatrixService(matrixRepo, log)

	// HTTP server
	httpHandler := handler.NewHTTPHandler(approvalService, matrixService, log,
		handler.WithAuditTrail(auditRepo),
		handler.WithPolicySettings(settingsRepo),
	)
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpHandler.Router(handler.RouterOptions{
			RateLimit:      cfg.Server.RateLimit,
			RequestTimeout: cfg.Server.WriteTimeout,
			Ready:          func(r *http.Request) error { return db.Ping(r.Context()) },
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.LoggingInterceptor(log)))
	handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(approvalService, log))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Server stopped")
}
