package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/viant/afs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-approval-workflows/internal/client"
	"github.com/pesio-ai/be-approval-workflows/internal/config"
	"github.com/pesio-ai/be-approval-workflows/internal/database"
	"github.com/pesio-ai/be-approval-workflows/internal/handler"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/middleware"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
	"github.com/pesio-ai/be-approval-workflows/internal/tracing"
)

// healthCheckInterval is how often store liveness is pushed into gRPC health.
const healthCheckInterval = 10 * time.Second

type cli struct {
	configFile string
	cfg        *config.Config
	log        *logger.Logger
}

func main() {
	c := &cli{}

	root := &cobra.Command{
		Use:               "approvals",
		Short:             "Multi-step approval workflow service",
		PersistentPreRunE: c.setup,
		SilenceUsage:      true,
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "Path to config file.")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and gRPC servers",
			RunE:  c.serve,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE:  c.migrate,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	c.cfg = cfg
	c.log = logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return nil
}

func (c *cli) openDatabase(ctx context.Context) (*database.DB, error) {
	d := c.cfg.Database
	return database.New(ctx, database.Config{
		Host:        d.Host,
		Port:        d.Port,
		User:        d.User,
		Password:    d.Password,
		Database:    d.Database,
		SSLMode:     d.SSLMode,
		MaxConns:    d.MaxConns,
		MinConns:    d.MinConns,
		MaxConnTime: d.MaxConnTime,
		MaxIdleTime: d.MaxIdleTime,
		HealthCheck: d.HealthCheck,
	})
}

func (c *cli) migrate(cmd *cobra.Command, args []string) error {
	if c.cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate requires the postgres driver, got %q", c.cfg.Database.Driver)
	}

	db, err := c.openDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := repository.Migrate(cmd.Context(), db)
	if err != nil {
		return err
	}
	c.log.Info().Strs("applied", applied).Msg("Migrations complete")
	return nil
}

type stores struct {
	flows    service.FlowRepository
	requests service.RequestRepository
	history  service.HistoryRepository
	health   handler.Pinger
	close    func()
}

func (c *cli) openStores(ctx context.Context) (*stores, error) {
	if c.cfg.Database.Driver == "memory" {
		c.log.Warn().Msg("Using in-memory store; data is lost on restart")
		m := memory.New()
		return &stores{flows: m, requests: m, history: m, health: m, close: func() {}}, nil
	}

	db, err := c.openDatabase(ctx)
	if err != nil {
		return nil, err
	}
	c.log.Info().Msg("Database connection established")
	return &stores{
		flows:    repository.NewFlowTypeRepository(db),
		requests: repository.NewApprovalRequestRepository(db),
		history:  repository.NewApprovalHistoryRepository(db),
		health:   db,
		close:    db.Close,
	}, nil
}

func (c *cli) serve(cmd *cobra.Command, args []string) error {
	cfg, log := c.cfg, c.log

	log.Info().
		Str("environment", cfg.Service.Environment).
		Str("driver", cfg.Database.Driver).
		Msg("Starting Approval Workflows Service")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.Tracing.Enabled {
		if err := tracing.Init(cfg.Service.Name, cfg.Service.Version, cfg.Tracing.Output); err != nil {
			return fmt.Errorf("failed to initialise tracing: %w", err)
		}
		defer func() {
			if err := tracing.Shutdown(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Tracing shutdown failed")
			}
		}()
	}

	st, err := c.openStores(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.close()

	// Notifications
	var dispatcher service.Dispatcher = client.NewLogDispatcher(log.WithComponent("notifications"))
	if cfg.NATS.Enabled {
		publisher, err := client.ConnectNotificationPublisher(ctx, cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.NATS.Timeout, log.WithComponent("nats"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer publisher.Close()
		dispatcher = publisher
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notification publisher connected")
	}

	attachments := client.NewAttachmentStore(afs.New(), cfg.Attachments.BaseURL)

	// Services
	registry := service.NewFlowRegistryService(st.flows, cfg.Registry.CacheTTL, log.WithComponent("registry"))
	approvals := service.NewApprovalService(
		registry, st.requests, st.history, dispatcher, log.WithComponent("approvals"),
		service.WithNotifyTimeout(cfg.NATS.Timeout),
		service.WithAttachmentStore(attachments),
	)

	// HTTP
	router := mux.NewRouter()
	handler.NewHTTPHandler(registry, approvals, st.health, log).Register(router)

	var h http.Handler = middleware.Principal(router)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.UnaryRecoveryInterceptor(log.Logger),
		handler.UnaryLoggingInterceptor(log.Logger),
		handler.UnaryPrincipalInterceptor,
	))
	handler.RegisterApprovalServer(grpcServer, handler.NewGRPCHandler(approvals, log.Logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	go handler.WatchHealth(ctx, st.health, healthServer, healthCheckInterval, log.Logger)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	// Let in-flight notifications finish before the dispatcher closes.
	approvals.Wait()

	log.Info().Msg("Server stopped")
	return nil
}
