package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirelabs/dermatrack/internal/ai"
	"github.com/mirelabs/dermatrack/internal/analysis"
	"github.com/mirelabs/dermatrack/internal/annotate"
	"github.com/mirelabs/dermatrack/internal/config"
	"github.com/mirelabs/dermatrack/internal/database/postgres"
	"github.com/mirelabs/dermatrack/internal/landmark"
	"github.com/mirelabs/dermatrack/internal/logging"
	"github.com/mirelabs/dermatrack/internal/storage"
	"github.com/mirelabs/dermatrack/internal/tasks"
	"github.com/mirelabs/dermatrack/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis API server",
	Long: `Start the DermaTrack API server.
The server accepts face photo submissions, runs the skin analysis pipeline
and serves progress comparisons against the active plan-window baseline.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
}

// resolveServeHostPort resolves port and host from flags and environment variables.
func resolveServeHostPort(cmd *cobra.Command) (int, string) {
	port := mustGetInt(cmd, "port")
	host := mustGetString(cmd, "host")

	if envPort := os.Getenv("WEB_PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", &port)
	}
	if envHost := os.Getenv("WEB_HOST"); envHost != "" {
		host = envHost
	}
	return port, host
}

// buildAnalyzer constructs the configured vision model provider.
func buildAnalyzer(ctx context.Context, cfg *config.Config) (ai.Analyzer, error) {
	switch cfg.AI.Provider {
	case config.ProviderGemini:
		return ai.NewGeminiAnalyzer(ctx, cfg.AI.GeminiAPIKey, cfg.AI.GeminiModel, cfg.AI.Timeout)
	default:
		return ai.NewOpenAIAnalyzer(cfg.AI.OpenAIToken, cfg.AI.OpenAIModel, cfg.AI.Timeout), nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New()
	ctx := context.Background()

	pool, err := postgres.Initialize(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to PostgreSQL, schema up to date")

	recordRepo := postgres.NewRecordRepository(pool)
	subjectRepo := postgres.NewSubjectRepository(pool)

	var (
		resolver analysis.Resolver
		uploader annotate.Uploader
	)
	if cfg.Storage.Endpoint != "" {
		store, err := storage.New(ctx, cfg.Storage.Endpoint, cfg.Storage.Bucket,
			cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.UseSSL)
		if err != nil {
			return fmt.Errorf("failed to connect to object storage: %w", err)
		}
		resolver, uploader = store, store
		logger.Info().Str("bucket", cfg.Storage.Bucket).Msg("object storage enabled")
	} else {
		pt := storage.Passthrough{}
		resolver, uploader = pt, pt
		logger.Warn().Msg("no object storage configured, image references must be URLs")
	}

	analyzer, err := buildAnalyzer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build %s analyzer: %w", cfg.AI.Provider, err)
	}
	logger.Info().Str("model", analyzer.Name()).Msg("vision model configured")

	landmarks := landmark.NewClient(cfg.Landmark.URL, cfg.Landmark.Timeout)
	annotator := annotate.NewCoordinator(
		annotate.NewClient(cfg.Annotation.URL, cfg.Annotation.Timeout),
		uploader, recordRepo, logger,
		cfg.Annotation.DetachTimeout, cfg.Storage.MaxOverlaySizePx,
	)

	var regenerator analysis.TaskRegenerator
	if cfg.Tasks.URL != "" {
		regenerator = tasks.NewClient(cfg.Tasks.URL, 30*time.Second)
	} else {
		regenerator = tasks.Noop{Logger: logger}
	}

	pipeline := analysis.NewPipeline(analysis.PipelineDeps{
		Repo:       recordRepo,
		Subjects:   subjectRepo,
		Resolver:   resolver,
		Landmarks:  landmarks,
		Analyzer:   analyzer,
		Annotator:  annotator,
		Tasks:      regenerator,
		PresignTTL: cfg.Storage.PresignTTL,
		Logger:     logger,
	})

	port, host := resolveServeHostPort(cmd)
	server := web.NewServer(port, host, pipeline, recordRepo, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error during shutdown")
		}
	}()

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
