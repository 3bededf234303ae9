// Package main is the entry point for the Atolye control plane server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atolyecloud/atolye/internal/actions"
	"github.com/atolyecloud/atolye/internal/config"
	"github.com/atolyecloud/atolye/internal/database"
	"github.com/atolyecloud/atolye/internal/executor"
	"github.com/atolyecloud/atolye/internal/handler"
	"github.com/atolyecloud/atolye/internal/lifecycle"
	"github.com/atolyecloud/atolye/internal/middleware"
	"github.com/atolyecloud/atolye/internal/paytr"
	"github.com/atolyecloud/atolye/internal/pkg/execx"
	"github.com/atolyecloud/atolye/internal/pkg/response"
	"github.com/atolyecloud/atolye/internal/provisioner"
	"github.com/atolyecloud/atolye/internal/proxy"
	"github.com/atolyecloud/atolye/internal/repository"
	"github.com/atolyecloud/atolye/internal/service"
	"github.com/atolyecloud/atolye/internal/system"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting Atolye control plane",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to Redis
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	pool := db.Pool()

	// Repositories
	workspaceRepo := repository.NewWorkspaceRepository(pool)
	templateRepo := repository.NewTemplateRepository(pool)
	executionRepo := repository.NewExecutionRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	companyRepo := repository.NewCompanyRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)
	subscriptionRepo := repository.NewSubscriptionRepository(pool)
	invoiceRepo := repository.NewInvoiceRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	metricsRepo := repository.NewMetricsRepository(pool)
	rateRepo := repository.NewExchangeRateRepository(pool)

	// Host-level plumbing
	runner := execx.NewRunner()
	accounts := system.NewUserManager(runner, cfg.Workspace.CommandTimeout)
	services := system.NewSystemd(runner, cfg.Workspace.CommandTimeout)
	traefik := proxy.NewManager(proxy.Options{
		Path:          cfg.Proxy.DynamicConfigPath,
		Domain:        cfg.Workspace.Domain,
		EntryPoint:    cfg.Proxy.EntryPoint,
		CertResolver:  cfg.Proxy.CertResolver,
		AuthVerifyURL: cfg.Proxy.AuthVerifyURL,
	}, logger)

	// Template action pipeline and the provisioning machine
	exec := executor.New(actions.NewRegistry(), runner, executionRepo, logger)
	machine := provisioner.New(provisioner.Deps{
		Workspaces: workspaceRepo,
		Templates:  templateRepo,
		Executions: executionRepo,
		Users:      userRepo,
		Companies:  companyRepo,
		Accounts:   accounts,
		Services:   services,
		Proxy:      traefik,
		Executor:   exec,
		Runner:     runner,
	}, cfg.Workspace, logger)

	// Services
	gateway := paytr.NewClient(cfg.PayTR)
	auditSvc := service.NewAuditService(auditRepo, logger)
	workspaceSvc := service.NewWorkspaceService(
		workspaceRepo, executionRepo, companyRepo, userRepo,
		machine, cfg.Workspace.PortMin, cfg.Workspace.PortMax, logger,
	)
	authSvc := service.NewAuthService(
		userRepo, companyRepo, subscriptionRepo, workspaceRepo, auditRepo,
		cfg.Auth, cfg.Workspace.Domain, logger,
	)
	billingSvc := service.NewBillingService(
		pool, paymentRepo, subscriptionRepo, invoiceRepo, companyRepo, workspaceRepo,
		userRepo, rateRepo, gateway, accounts, cfg.Workspace.BaseDir, logger,
	)

	// Re-dispatch provisioning runs interrupted by the last shutdown.
	if err := machine.ResumePending(context.Background()); err != nil {
		logger.Error("failed to resume pending workspaces", "error", err)
	}

	// Background jobs
	scheduler := lifecycle.NewScheduler(logger, cfg.Workspace.CommandTimeout)
	jobs := []struct {
		schedule string
		job      lifecycle.Job
	}{
		{cfg.Lifecycle.AutoStopSchedule, lifecycle.NewAutoStop(workspaceRepo, auditRepo, services, logger)},
		{cfg.Lifecycle.MetricsSchedule, lifecycle.NewCollector(workspaceRepo, metricsRepo, lifecycle.HostSampler{}, services, logger)},
		{cfg.Lifecycle.RetentionSchedule, lifecycle.NewRetention(metricsRepo, cfg.Lifecycle.MetricsKeepDays, logger)},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if err := scheduler.Add(j.schedule, j.job); err != nil {
			log.Fatalf("Failed to schedule %s: %v", j.job.Name(), err)
		}
	}
	scheduler.Start()

	// HTTP surface
	sessions := middleware.NewSessionAuth(cfg.Auth, cfg.Server.Environment != "dev")
	authHandler := handler.NewAuthHandler(authSvc, auditSvc, sessions)
	workspaceHandler := handler.NewWorkspaceHandler(workspaceSvc, auditSvc)
	billingHandler := handler.NewBillingHandler(billingSvc, auditSvc)
	verifyHandler := handler.NewVerifyHandler(authSvc, sessions, cfg.Auth.LoginURL)
	auditHandler := handler.NewAuditHandler(auditSvc)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Workspace.Domain))
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))
	r.Handle("/metrics", promhttp.Handler())

	// Traefik forward auth subrequests, one per proxied workspace request.
	r.Mount("/api/auth", verifyHandler.Routes())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			response.OK(w, map[string]string{
				"name":    "Atolye Control Plane API",
				"version": "1.0.0",
			})
		})

		r.Mount("/auth", authHandler.Routes())

		// The gateway posts callbacks without a session.
		r.Post("/billing/callback", billingHandler.Callback)

		r.Group(func(r chi.Router) {
			r.Use(sessions.RequireSession)
			r.Mount("/workspaces", workspaceHandler.Routes())
			r.Mount("/billing", billingHandler.Routes())
			r.With(middleware.RequireAdmin).Mount("/audit", auditHandler.Routes())
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	// Let in-flight provisioning runs land before the process exits.
	machine.Wait()

	logger.Info("Server stopped gracefully")
}

// healthHandler reports liveness only.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies database and Redis connections.
func readyHandler(db *database.Postgres, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}
		if err := redis.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected"}`))
	}
}
