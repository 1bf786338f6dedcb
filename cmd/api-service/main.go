package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/tiulinh/otaku-agent-sub003/internal/agent"
	"github.com/tiulinh/otaku-agent-sub003/internal/api/handler"
	"github.com/tiulinh/otaku-agent-sub003/internal/api/router"
	"github.com/tiulinh/otaku-agent-sub003/internal/config"
	"github.com/tiulinh/otaku-agent-sub003/internal/dispatch"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/storage"
	"github.com/tiulinh/otaku-agent-sub003/internal/payment"
	"github.com/tiulinh/otaku-agent-sub003/shared/logger"
	"github.com/tiulinh/otaku-agent-sub003/shared/postgresql"
	"github.com/tiulinh/otaku-agent-sub003/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// dispatcher is a jobs.Dispatcher whose results flow back into the manager
type dispatcher interface {
	jobs.Dispatcher
	Start(ctx context.Context, sink dispatch.ResultSink) error
	Stop()
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("dispatch_mode", cfg.Dispatch.Mode),
		slog.String("replay_backend", cfg.Payment.Replay.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec, err := payment.NewCodec(payment.Config{
		Network:           cfg.Payment.Network,
		Asset:             cfg.Payment.Asset,
		AssetName:         cfg.Payment.AssetName,
		AssetVersion:      cfg.Payment.AssetVersion,
		AssetDecimals:     cfg.Payment.AssetDecimals,
		Price:             cfg.Payment.Price,
		PayTo:             cfg.Payment.PayTo,
		MaxTimeoutSeconds: cfg.Payment.MaxTimeoutSeconds,
		Description:       cfg.Payment.Description,
		MimeType:          "application/json",
		ResourceBaseURL:   cfg.Server.PublicURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize payment codec: %w", err)
	}

	appLogger.Info("Payment requirement configured",
		slog.String("network", cfg.Payment.Network),
		slog.String("price", cfg.Payment.Price),
		slog.String("amount", codec.Amount()),
		slog.String("pay_to", cfg.Payment.PayTo),
	)

	// The database is only needed for the durable replay guard
	var dbClient *postgresql.Client
	var guard payment.ReplayGuard = payment.NewMemoryGuard()
	if cfg.Payment.Replay.Backend == config.ReplayPostgres {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Component("postgresql"))
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		pgGuard := payment.NewPostgresGuard(dbClient.GetDB(), appLogger.Component("replay"))
		if err := pgGuard.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare replay guard schema: %w", err)
		}
		guard = pgGuard

		appLogger.Info("Database connection established")
	}
	go payment.RunPruner(ctx, guard, cfg.Payment.Replay.PruneInterval, cfg.Payment.Replay.Retention, appLogger.Component("replay"))

	verifier := payment.NewVerifier(&payment.VerifierConfig{
		Facilitator: payment.NewHTTPFacilitator(&payment.FacilitatorConfig{
			URL:     cfg.Payment.Facilitator.URL,
			APIKey:  cfg.Payment.Facilitator.APIKey,
			Timeout: cfg.Payment.Facilitator.Timeout,
		}),
		Guard:       guard,
		Logger:      appLogger.Component("verifier"),
		MaxValidity: cfg.Payment.Replay.Retention,
	})

	var rabbitClient *rabbitmq.Client
	var backend dispatcher
	switch cfg.Dispatch.Mode {
	case config.DispatchRabbitMQ:
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")

		backend = &queueDispatcher{
			Queue: dispatch.NewQueue(&dispatch.QueueConfig{
				Publisher:  rabbitClient,
				RoutingKey: cfg.RabbitMQ.Requests.RoutingKey,
				Logger:     appLogger.Component("dispatch"),
			}),
			results: dispatch.NewResultConsumer(&dispatch.ResultConsumerConfig{
				Consumer:    rabbitClient,
				Queue:       cfg.RabbitMQ.Results.Name,
				ConsumerTag: cfg.App.Name + "-results",
				Logger:      appLogger.Component("results"),
			}),
		}
	default:
		executor, err := initExecutor(&cfg.Agent, appLogger.Component("agent"))
		if err != nil {
			return fmt.Errorf("failed to initialize agent executor: %w", err)
		}
		backend = &localDispatcher{
			Local: dispatch.NewLocal(&dispatch.LocalConfig{
				Executor:    executor,
				Concurrency: cfg.Dispatch.Concurrency,
				QueueSize:   cfg.Dispatch.QueueSize,
				Logger:      appLogger.Component("dispatch"),
			}),
		}
	}

	manager := jobs.NewManager(&jobs.Config{
		Storage: storage.NewStorage(&storage.Config{
			MaxJobs: cfg.Jobs.MaxJobs,
			Logger:  appLogger.Component("storage"),
		}),
		Dispatcher:       backend,
		Logger:           appLogger.Component("jobs"),
		DefaultTimeout:   cfg.Jobs.DefaultTimeout,
		MaxTimeout:       cfg.Jobs.MaxTimeout,
		MaxPromptBytes:   cfg.Jobs.MaxPromptBytes,
		HandoffTimeout:   cfg.Jobs.HandoffTimeout,
		SweepInterval:    cfg.Jobs.SweepInterval,
		EvictionInterval: cfg.Jobs.EvictionInterval,
		Retention:        cfg.Jobs.Retention,
	})

	if err := backend.Start(ctx, manager); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	manager.Start(ctx)

	deps := &handler.Dependencies{
		Logger:   appLogger.Component("http"),
		Manager:  manager,
		Codec:    codec,
		Verifier: verifier,
	}
	if dbClient != nil {
		deps.Database = dbClient
	}

	r := initRouter(cfg, deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	// stop intake before the loops that would record its results
	cancel()
	backend.Stop()
	manager.Stop()

	appLogger.Info("Server shutdown complete")
	return nil
}

type localDispatcher struct {
	*dispatch.Local
}

func (d *localDispatcher) Start(ctx context.Context, sink dispatch.ResultSink) error {
	d.Local.Start(ctx, sink)
	return nil
}

type queueDispatcher struct {
	*dispatch.Queue
	results *dispatch.ResultConsumer
}

func (d *queueDispatcher) Start(ctx context.Context, sink dispatch.ResultSink) error {
	return d.results.Start(ctx, sink)
}

func (d *queueDispatcher) Stop() {
	d.results.Stop()
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client with the request and result queues
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Queues: []rabbitmq.QueueConfig{
			queueConfig(cfg.Requests),
			queueConfig(cfg.Results),
		},
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

func queueConfig(q config.QueueConfig) rabbitmq.QueueConfig {
	return rabbitmq.QueueConfig{
		Name:       q.Name,
		RoutingKey: q.RoutingKey,
		Durable:    q.Durable,
		AutoDelete: q.AutoDelete,
		Exclusive:  q.Exclusive,
	}
}

// initExecutor builds the agent executor selected by the provider setting
func initExecutor(cfg *config.AgentConfig, logger *slog.Logger) (agent.Executor, error) {
	switch cfg.Provider {
	case config.ProviderEcho:
		return &agent.Echo{Delay: cfg.EchoDelay}, nil
	case config.ProviderOpenAI:
		return agent.NewOpenAI(&agent.OpenAIConfig{
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			Model:         cfg.Model,
			Temperature:   cfg.Temperature,
			MaxTokens:     cfg.MaxTokens,
			Timeout:       cfg.Timeout,
			SystemPrompts: cfg.SystemPrompts,
			MaxRetries:    cfg.MaxRetries,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unsupported agent provider: %q", cfg.Provider)
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Config{
		ServiceName: cfg.App.Name,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
}
