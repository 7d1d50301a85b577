package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ledger-saga/internal/client"
	"ledger-saga/internal/config"
	"ledger-saga/internal/domain"
	"ledger-saga/internal/events"
	"ledger-saga/internal/handler"
	"ledger-saga/internal/outbox"
	"ledger-saga/internal/repository"
	"ledger-saga/internal/service"
	"ledger-saga/migrations"
)

// Dependencies are the infrastructure a service runs on. NewServer builds them from
// config; tests can hand in in-memory versions.
type Dependencies struct {
	// DB is optional and only used for the health check and shutdown.
	DB        *sql.DB
	Store     domain.Store
	Bus       events.Bus
	Validator service.BalanceValidator
}

// Server represents one service process: the HTTP API plus its background workers.
type Server struct {
	cfg     *config.Config
	router  *mux.Router
	server  *http.Server
	db      *sql.DB
	bus     events.Bus
	logger  *slog.Logger
	port    string
	workers []func(ctx context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewServer connects to Postgres and the event bus and wires the service named by cfg.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// Initialize database connection
	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test database connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Successfully connected to database", "database", cfg.DBName)

	if cfg.AutoMigrate {
		fsys := migrations.Account()
		if cfg.Service == config.ServiceDeposit {
			fsys = migrations.Deposit()
		}
		if err := repository.RunMigrations(context.Background(), db, fsys, logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	bus, err := newBus(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	deps := Dependencies{
		DB:    db,
		Store: repository.NewStore(db, logger),
		Bus:   bus,
	}
	if cfg.Service == config.ServiceDeposit {
		deps.Validator = client.NewAccountClient(client.Config{
			BaseURL:          cfg.AccountServiceURL,
			Timeout:          cfg.ValidationTimeout,
			FailureThreshold: cfg.BreakerFailureThreshold,
			OpenTimeout:      cfg.BreakerOpenTimeout,
		}, logger)
	}

	return New(cfg, deps, logger), nil
}

func newBus(cfg *config.Config, logger *slog.Logger) (events.Bus, error) {
	retry := events.DefaultRetryPolicy()
	retry.MaxRetries = cfg.ListenerMaxRetry

	switch cfg.EventBusDriver {
	case config.BusDriverRabbitMQ:
		return events.NewRabbitBus(cfg.RabbitMQURL, events.RabbitBusConfig{
			Partitions:     cfg.EventPartitions,
			Consumer:       cfg.ConsumerName,
			Retry:          retry,
			ConfirmTimeout: cfg.RabbitMQConfirmTimeout,
		}, logger)
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return events.NewRedisBus(rdb, events.RedisBusConfig{
			Partitions: cfg.EventPartitions,
			Consumer:   cfg.ConsumerName,
			Retry:      retry,
		}, logger), nil
	}
}

// New wires the account or deposit service on top of deps.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Server {
	relay := outbox.NewRelay(deps.Store, deps.Bus, outbox.Config{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	}, logger)

	// Setup router
	router := mux.NewRouter()

	// Add middleware for logging
	router.Use(loggingMiddleware(logger))

	s := &Server{
		cfg:    cfg,
		router: router,
		db:     deps.DB,
		bus:    deps.Bus,
		logger: logger,
	}

	switch cfg.Service {
	case config.ServiceDeposit:
		deposits := service.NewDepositService(deps.Store, deps.Validator, relay, service.DepositConfig{
			Currency:    cfg.Currency,
			RollbackTTL: cfg.DepositRollbackTTL,
		}, logger)
		service.NewDepositListener(deps.Store, relay, cfg.Currency, logger).Register(deps.Bus)
		handler.NewDepositHandler(deposits).RegisterRoutes(router)

		s.workers = append(s.workers, func(ctx context.Context) error {
			return deposits.RunHoldSweeper(ctx, cfg.HoldSweepInterval)
		})

	default:
		saga := service.NewSagaOrchestrator(deps.Store, relay, logger)
		relay.SetHooks(outbox.Hooks{
			OnPublished: saga.OnOutboxPublished,
			OnGiveUp:    saga.OnOutboxGiveUp,
		})
		accounts := service.NewAccountService(deps.Store, relay, cfg.Currency, logger)
		service.NewAccountListener(deps.Store, logger).Register(deps.Bus)
		handler.NewAccountHandler(accounts, saga).RegisterRoutes(router)
	}

	s.workers = append(s.workers, relay.Run, deps.Bus.Run)

	// Health check
	router.HandleFunc("/health", s.health).Methods("GET")

	return s
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Check database connectivity in health check
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"service":   s.cfg.Service,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response wrapper to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server on the specified port along with the background workers.
func (s *Server) Start(port string) (string, error) {
	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	// Get the actual port being used
	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.cfg.ValidationTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	for _, worker := range s.workers {
		worker := worker
		group.Go(func() error { return worker(gctx) })
	}
	s.mu.Lock()
	s.cancel, s.group = cancel, group
	s.mu.Unlock()

	s.logger.Info("Starting server", "service", s.cfg.Service, "port", s.port)

	// Start server in background
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed to start", "error", err)
		}
	}()

	return s.port, nil
}

// Stop gracefully shuts down the HTTP server, then the workers, the bus and the database.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server", "service", s.cfg.Service)

	var shutdownErr error
	if s.server != nil {
		shutdownErr = s.server.Shutdown(ctx)
	}

	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		done := make(chan error, 1)
		go func() { done <- group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				s.logger.Error("Background worker failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Warn("Timed out waiting for background workers")
		}
	}

	if err := s.bus.Close(); err != nil {
		s.logger.Warn("Failed to close event bus", "error", err)
	}

	// Close database connection
	if s.db != nil {
		s.db.Close()
	}
	return shutdownErr
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer builds and starts the service described by cfg.
func StartServer(cfg *config.Config) (*Server, string, error) {
	// Initialize logger - use io.Discard for tests to avoid panic
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		// Test environment - use discard logger
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		// Production environment - use stdout
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.Service)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	// Start the server and get the actual port
	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		return nil, "", err
	}

	return server, port, nil
}
