package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ig-notification/api/pkg/clients/email"
	"ig-notification/api/pkg/config"
	"ig-notification/api/pkg/db"
	"ig-notification/api/pkg/health"
	"ig-notification/api/pkg/logger"
	"ig-notification/api/pkg/ratelimit"
	"ig-notification/api/services/notification"
	"ig-notification/api/services/storage"
)

const (
	serviceName     = "ig-notification"
	shutdownTimeout = 5 * time.Second
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ig-notification",
		Short:         "Email notification relay with a durable send log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "optional YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the MCP JSON-RPC listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}

	root.AddCommand(serve, migrate)
	// Running the binary without a subcommand serves, like the old entrypoint.
	root.RunE = serve.RunE
	return root
}

// setup loads configuration, installs the default logger and opens the pool.
func setup(ctx context.Context, configPath string) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return nil, nil, err
	}

	slog.SetDefault(logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.LogLevel),
		SentryDSN:   cfg.SentryDSN,
		Environment: cfg.Phase,
	}, logger.RequestIDExtractor))

	pool, err := db.Connect(ctx, cfg.Database.Pool(cfg.DatabaseURL), slog.Default())
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return nil, nil, err
	}
	return cfg, pool, nil
}

func runMigrate(ctx context.Context, configPath string) error {
	_, pool, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, slog.Default()); err != nil {
		slog.Error("Failed to apply migrations", "error", err)
		return err
	}
	slog.Info("Migrations applied")
	return nil
}

func runServe(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, pool, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer logger.Flush(2 * time.Second)

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool, slog.Default()); err != nil {
			slog.Error("Failed to apply migrations", "error", err)
			return err
		}
	}

	pgStore, err := storage.NewInstance(pool)
	if err != nil {
		slog.Error("Failed to create store instance", "error", err)
		return err
	}

	dispatcher, err := notification.NewDispatcher(pgStore, email.NewSMTPClient(), notification.DispatchConfig{
		Settings:     cfg.SMTP.Settings(),
		AllowedHosts: cfg.SMTP.AllowedHosts,
	})
	if err != nil {
		slog.Error("Failed to create dispatcher", "error", err)
		return err
	}

	notificationService, err := notification.NewService(pgStore, dispatcher, notification.Options{
		APIKey:      cfg.APIKey,
		SendLimiter: ratelimit.PerMinute(cfg.RateLimitPerMinute),
		TrustProxy:  cfg.TrustProxy,
	})
	if err != nil {
		slog.Error("Failed to create notification service", "error", err)
		return err
	}

	servers := []*http.Server{
		newServer(cfg.APIPort, apiRouter(notificationService, pool), cfg.AllowedOrigins),
		newServer(cfg.MCPPort, mcpRouter(notificationService), cfg.AllowedOrigins),
	}

	slog.Info("Starting notification relay",
		"phase", cfg.Phase, "apiPort", cfg.APIPort, "mcpPort", cfg.MCPPort,
		"apiKeyEnabled", cfg.APIKey != "", "allowedSmtpHosts", len(cfg.SMTP.AllowedHosts))

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			slog.Info("Starting server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("Could not stop server gracefully", "addr", srv.Addr, "error", err)
				srv.Close()
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		return err
	}
	return nil
}

func apiRouter(svc *notification.Service, pool *pgxpool.Pool) *mux.Router {
	mainRouter := mux.NewRouter()
	mainRouter.Use(notification.RequestID, notification.Recover)

	mainRouter.Handle("/api/health", health.LivenessHandler(health.WithService(serviceName))).Methods("GET")
	mainRouter.Handle("/api/health/ready", health.ReadinessHandler(
		health.Checks{"database": db.HealthCheck(pool)},
		health.WithService(serviceName),
	)).Methods("GET")

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	svc.LoadRoutes(apiRouter)
	return mainRouter
}

func mcpRouter(svc *notification.Service) *mux.Router {
	router := mux.NewRouter()
	router.Use(notification.RequestID, notification.Recover)
	router.Handle("/health", health.LivenessHandler(health.WithService(serviceName))).Methods("GET")
	svc.LoadRPCRoutes(router)
	return router
}

func newServer(port int, handler http.Handler, origins []string) *http.Server {
	return &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           notification.CORS(origins)(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
