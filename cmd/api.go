package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/alerts"
	"brainlytree.dev/moldwatch/internal/api"
	"brainlytree.dev/moldwatch/internal/cascade"
	"brainlytree.dev/moldwatch/internal/ingest"
	"brainlytree.dev/moldwatch/internal/lineage"
	"brainlytree.dev/moldwatch/internal/outlier"
	"brainlytree.dev/moldwatch/internal/review"
	"brainlytree.dev/moldwatch/internal/session"
	"brainlytree.dev/moldwatch/internal/snapshot"
	"brainlytree.dev/moldwatch/internal/store"
	"brainlytree.dev/moldwatch/pkg/metrics"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP API server",
	Long: `Run the HTTP API server that:
- Accepts wake and score submissions over HTTP
- Serves the alert, threshold and snapshot read models
- Drives the score review workflow`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)

	// API-specific flags
	apiCmd.Flags().String("listen-addr", ":8080", "HTTP listen address")
	apiCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	apiCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	apiCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	apiCmd.Flags().String("db-password", "", "PostgreSQL password")
	apiCmd.Flags().String("db-name", "moldwatch", "PostgreSQL database name")
	apiCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	apiCmd.Flags().String("redis-addr", "localhost:6379", "Redis address for the chunk buffer")
	apiCmd.Flags().String("redis-password", "", "Redis password")
	apiCmd.Flags().Int("redis-db", 0, "Redis database number")
	apiCmd.Flags().Duration("chunk-ttl", time.Hour, "Chunk buffer TTL")
	apiCmd.Flags().String("image-dir", "/var/lib/moldwatch/images", "Directory for assembled images")
	apiCmd.Flags().String("scoring-url", "", "Scoring service base URL (empty disables resubmission)")
	apiCmd.Flags().String("scoring-api-key", "", "Scoring service API key")

	// Bind flags to viper
	_ = viper.BindPFlag("api.listen_addr", apiCmd.Flags().Lookup("listen-addr"))
	_ = viper.BindPFlag("api.db.host", apiCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("api.db.port", apiCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("api.db.user", apiCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("api.db.password", apiCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("api.db.name", apiCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("api.db.sslmode", apiCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("api.redis.addr", apiCmd.Flags().Lookup("redis-addr"))
	_ = viper.BindPFlag("api.redis.password", apiCmd.Flags().Lookup("redis-password"))
	_ = viper.BindPFlag("api.redis.db", apiCmd.Flags().Lookup("redis-db"))
	_ = viper.BindPFlag("api.chunk_ttl", apiCmd.Flags().Lookup("chunk-ttl"))
	_ = viper.BindPFlag("api.image_dir", apiCmd.Flags().Lookup("image-dir"))
	_ = viper.BindPFlag("api.scoring.url", apiCmd.Flags().Lookup("scoring-url"))
	_ = viper.BindPFlag("api.scoring.api_key", apiCmd.Flags().Lookup("scoring-api-key"))
}

func runAPI(_ *cobra.Command, _ []string) error {
	logger := GetLogger("api")
	logger.Info("starting api service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(&store.DBConfig{
		Logger:   logger,
		Host:     viper.GetString("api.db.host"),
		Port:     viper.GetInt("api.db.port"),
		User:     viper.GetString("api.db.user"),
		Password: viper.GetString("api.db.password"),
		DBName:   viper.GetString("api.db.name"),
		SSLMode:  viper.GetString("api.db.sslmode"),
	})
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		return err
	}
	defer func() {
		if err := store.CloseDB(db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("api.redis.addr"),
		Password: viper.GetString("api.redis.password"),
		DB:       viper.GetInt("api.redis.db"),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		return err
	}
	defer rdb.Close()

	ingestMetrics := metrics.NewIngestMetrics("moldwatch")
	apiMetrics := metrics.NewAPIMetrics("moldwatch")

	services, err := buildAPIServices(logger, db, rdb, ingestMetrics)
	if err != nil {
		logger.Error("failed to build api services", "error", err)
		return err
	}

	server, err := api.NewServer(&api.Config{
		Logger:     logger,
		ListenAddr: viper.GetString("api.listen_addr"),
		DB:         db,
		Ingestor:   services.handler,
		Retrier:    services.tracker,
		Scores:     services.cascade,
		Alerts:     services.evaluator,
		Snapshots:  services.snapshots,
		Review:     services.review,
		Metrics:    apiMetrics,
	})
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		return err
	}

	if err := server.Run(ctx); err != nil {
		logger.Error("api server error", "error", err)
		return err
	}

	logger.Info("api server stopped")
	return nil
}

type apiServices struct {
	handler   *ingest.Handler
	tracker   *ingest.ChunkTracker
	cascade   *cascade.Cascade
	evaluator *alerts.Evaluator
	snapshots *snapshot.Generator
	review    *review.Service
}

func buildAPIServices(logger *slog.Logger, db *gorm.DB, rdb *redis.Client, m *metrics.IngestMetrics) (*apiServices, error) {
	resolver, err := lineage.NewResolver(&lineage.ResolverConfig{Logger: logger, DB: db})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize lineage resolver: %w", err)
	}

	sessions, err := session.NewManager(&session.ManagerConfig{Logger: logger, DB: db, Metrics: m})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}

	evaluator, err := alerts.NewEvaluator(&alerts.EvaluatorConfig{Logger: logger, DB: db})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize alert evaluator: %w", err)
	}

	handler, err := ingest.NewHandler(&ingest.HandlerConfig{
		Logger:   logger,
		DB:       db,
		Resolver: resolver,
		Sessions: sessions,
		Alerts:   evaluator,
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize wake handler: %w", err)
	}

	buffer, err := ingest.NewChunkBuffer(rdb, viper.GetDuration("api.chunk_ttl"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chunk buffer: %w", err)
	}

	blobs, err := ingest.NewFileStore(viper.GetString("api.image_dir"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize image store: %w", err)
	}

	var scorer ingest.ScoreRequester
	if url := viper.GetString("api.scoring.url"); url != "" {
		client, err := cascade.NewScoringClient(&cascade.ScoringClientConfig{
			Logger:  logger,
			BaseURL: url,
			APIKey:  viper.GetString("api.scoring.api_key"),
			Metrics: m,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize scoring client: %w", err)
		}
		scorer = client
	}

	tracker, err := ingest.NewChunkTracker(&ingest.TrackerConfig{
		Logger:  logger,
		DB:      db,
		Buffer:  buffer,
		Blobs:   blobs,
		Scoring: scorer,
		Metrics: m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chunk tracker: %w", err)
	}

	sink, err := cascade.NewErrorSink(logger, db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize error sink: %w", err)
	}

	scanner, err := outlier.NewScanner(&outlier.ScannerConfig{
		Logger:  logger,
		DB:      db,
		Policy:  outlier.DefaultPolicy(),
		Metrics: m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize outlier scanner: %w", err)
	}

	casc, err := cascade.New(&cascade.Config{
		Logger:  logger,
		DB:      db,
		Sink:    sink,
		Outlier: scanner,
		Alerts:  evaluator,
		Metrics: m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cascade: %w", err)
	}

	snapshots, err := snapshot.NewGenerator(&snapshot.GeneratorConfig{Logger: logger, DB: db})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize snapshot generator: %w", err)
	}

	reviewSvc, err := review.NewService(&review.ServiceConfig{
		Logger:     logger,
		DB:         db,
		Propagator: casc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize review service: %w", err)
	}

	return &apiServices{
		handler:   handler,
		tracker:   tracker,
		cascade:   casc,
		evaluator: evaluator,
		snapshots: snapshots,
		review:    reviewSvc,
	}, nil
}
