package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/alerts"
	"brainlytree.dev/moldwatch/internal/cascade"
	"brainlytree.dev/moldwatch/internal/lineage"
	"brainlytree.dev/moldwatch/internal/session"
	"brainlytree.dev/moldwatch/internal/store"
	"brainlytree.dev/moldwatch/pkg/metrics"
	"brainlytree.dev/moldwatch/pkg/mq"
	"brainlytree.dev/moldwatch/pkg/mqttc"
)

// ServerConfig holds the configuration for the ingest Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// RabbitMQ configuration
	RabbitMQURL string
	QueueName   string

	// MQTT configuration
	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTTopic     string

	// Redis configuration for the chunk buffer
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ChunkTTL      time.Duration

	// Local image storage
	ImageDir string

	// External scoring service; empty disables scoring submission
	ScoringURL    string
	ScoringAPIKey string

	// Prometheus endpoint address, e.g. ":9100"
	MetricsAddr string
}

// Server wires the full ingestion pipeline: MQTT bridge, durable queue
// consumer, session opener, chunk sweeper, and the score reconciler.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	metrics *metrics.IngestMetrics

	db       *gorm.DB
	rdb      *redis.Client
	mqtt     *mqttc.Client
	consumer *Consumer
	bridge   *Bridge
	metSrv   *http.Server
}

// NewServer creates a new ingest Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}
	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}
	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}
	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}
	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	if cfg.MQTTBrokerURL == "" {
		return nil, errors.New("mqtt broker URL cannot be empty")
	}
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if cfg.ImageDir == "" {
		return nil, errors.New("image directory cannot be empty")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the ingest server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting ingest server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	s.metrics = metrics.NewIngestMetrics("moldwatch")

	db, err := store.NewDB(&store.DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	s.rdb = redis.NewClient(&redis.Options{
		Addr:     s.config.RedisAddr,
		Password: s.config.RedisPassword,
		DB:       s.config.RedisDB,
	})
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	pipeline, err := s.buildPipeline()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	runErr := make(chan error, 3)

	// MQTT bridge
	mqttClient, err := mqttc.New(&mqttc.Config{
		Logger:    s.logger,
		BrokerURL: s.config.MQTTBrokerURL,
		ClientID:  s.config.MQTTClientID,
		Username:  s.config.MQTTUsername,
		Password:  s.config.MQTTPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	s.mqtt = mqttClient

	bridge, err := NewBridge(&BridgeConfig{
		Logger:  s.logger,
		MQTT:    mqttClient,
		Queue:   pipeline.queue,
		Tracker: pipeline.tracker,
		Topic:   s.config.MQTTTopic,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mqtt bridge: %w", err)
	}
	s.bridge = bridge
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mqtt bridge: %w", err)
	}

	// Durable queue consumer
	consumer, err := NewConsumer(&ConsumerConfig{
		Logger:      s.logger,
		Handler:     pipeline.handler,
		RabbitMQURL: s.config.RabbitMQURL,
		QueueName:   s.config.QueueName,
		Metrics:     s.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	s.consumer = consumer
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	// Background jobs
	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.opener.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.sweeper.Run(ctx)
	}()
	if pipeline.reconciler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pipeline.reconciler.Run(ctx)
		}()
	}

	// Metrics endpoint
	if s.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.metSrv = &http.Server{Addr: s.config.MetricsAddr, Handler: mux}
		go func() {
			s.logger.Info("metrics endpoint listening", "addr", s.config.MetricsAddr)
			if err := s.metSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				runErr <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	s.logger.Info("ingest server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-runErr:
		s.logger.Error("ingest server error", "error", err)
		cancel()
		s.shutdown(&wg)
		return err
	}

	s.shutdown(&wg)
	return nil
}

// pipeline groups the wired ingestion components.
type pipeline struct {
	queue      mq.ClientInterface
	handler    *Handler
	tracker    *ChunkTracker
	opener     *session.Opener
	sweeper    *Sweeper
	reconciler *cascade.Reconciler
}

func (s *Server) buildPipeline() (*pipeline, error) {
	resolver, err := lineage.NewResolver(&lineage.ResolverConfig{
		Logger: s.logger,
		DB:     s.db,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize lineage resolver: %w", err)
	}

	sessions, err := session.NewManager(&session.ManagerConfig{
		Logger:  s.logger,
		DB:      s.db,
		Metrics: s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}

	opener, err := session.NewOpener(&session.OpenerConfig{
		Logger:  s.logger,
		Manager: sessions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session opener: %w", err)
	}

	evaluator, err := alerts.NewEvaluator(&alerts.EvaluatorConfig{
		Logger: s.logger,
		DB:     s.db,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize alert evaluator: %w", err)
	}

	handler, err := NewHandler(&HandlerConfig{
		Logger:   s.logger,
		DB:       s.db,
		Resolver: resolver,
		Sessions: sessions,
		Alerts:   evaluator,
		Metrics:  s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize wake handler: %w", err)
	}

	buffer, err := NewChunkBuffer(s.rdb, s.config.ChunkTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chunk buffer: %w", err)
	}

	blobs, err := NewFileStore(s.config.ImageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize image store: %w", err)
	}

	var scorer ScoreRequester
	var reconciler *cascade.Reconciler
	if s.config.ScoringURL != "" {
		client, err := cascade.NewScoringClient(&cascade.ScoringClientConfig{
			Logger:  s.logger,
			BaseURL: s.config.ScoringURL,
			APIKey:  s.config.ScoringAPIKey,
			Metrics: s.metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize scoring client: %w", err)
		}
		scorer = client

		reconciler, err = cascade.NewReconciler(&cascade.ReconcilerConfig{
			Logger:  s.logger,
			DB:      s.db,
			Scorer:  client,
			Metrics: s.metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize score reconciler: %w", err)
		}
	} else {
		s.logger.Warn("scoring URL not configured, images will not be scored")
	}

	tracker, err := NewChunkTracker(&TrackerConfig{
		Logger:  s.logger,
		DB:      s.db,
		Buffer:  buffer,
		Blobs:   blobs,
		Scoring: scorer,
		Metrics: s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chunk tracker: %w", err)
	}

	sweeper, err := NewSweeper(&SweeperConfig{
		Logger:  s.logger,
		Tracker: tracker,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sweeper: %w", err)
	}

	queue := mq.New(s.config.QueueName, s.config.RabbitMQURL, s.logger)

	return &pipeline{
		queue:      queue,
		handler:    handler,
		tracker:    tracker,
		opener:     opener,
		sweeper:    sweeper,
		reconciler: reconciler,
	}, nil
}

func (s *Server) shutdown(wg *sync.WaitGroup) {
	s.logger.Info("shutting down ingest server")

	if s.bridge != nil {
		s.bridge.Stop()
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
		}
	}
	if s.metSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to stop metrics server", "error", err)
		}
		cancel()
	}

	wg.Wait()

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("failed to close redis client", "error", err)
		}
	}
	if s.db != nil {
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
		}
	}

	s.logger.Info("ingest server shutdown completed")
}
