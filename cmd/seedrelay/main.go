// seedrelay - torrent download and cloud upload pipeline daemon
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seedrelay/seedrelay/internal/background"
	"github.com/seedrelay/seedrelay/internal/config"
	"github.com/seedrelay/seedrelay/internal/constants"
	"github.com/seedrelay/seedrelay/internal/download"
	"github.com/seedrelay/seedrelay/internal/fabric"
	"github.com/seedrelay/seedrelay/internal/health"
	"github.com/seedrelay/seedrelay/internal/jobs"
	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
	"github.com/seedrelay/seedrelay/internal/upload"
	"github.com/seedrelay/seedrelay/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:           "seedrelay",
		Short:         "Torrent download and cloud upload pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var jsonLogs bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(jsonLogs)
		},
	}
	serve.Flags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON log lines instead of console output")

	cancelCmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not yet reached a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(args[0])
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("seedrelay %s (built %s)\n", version.Version, version.BuildTime)
		},
	}

	root.AddCommand(serve, cancelCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runServe wires the full pipeline and blocks until SIGINT/SIGTERM.
func runServe(jsonLogs bool) error {
	logger := logging.NewDefaultLogger()
	if jsonLogs {
		logger = logging.NewJSONLogger(os.Stdout)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer st.Close()

	redisClient, err := fabric.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	locker := fabric.NewRedisLocker(redisClient)
	cache := fabric.NewRedisCache(redisClient)
	publisher := fabric.NewPublisher(redisClient)

	transitions := jobs.NewService(st, logger)
	queue := background.NewQueue(cfg.MaxConcurrentJobs, logger)

	downloadWorker := download.NewWorker(st, transitions, publisher, cfg, logger)
	queue.Register(download.TargetExecuteDownload, downloadWorker.Handler)

	gdrive := upload.NewExecutor(st, transitions, locker, cfg, upload.NewGDriveExecutor(st, cache, logger), logger)
	queue.Register(upload.TargetExecuteGDriveUpload, gdrive.Handler)

	s3 := upload.NewExecutor(st, transitions, locker, cfg, upload.NewS3Executor(st, logger), logger)
	queue.Register(upload.TargetExecuteS3Upload, s3.Handler)

	gdriveWorker := upload.NewStreamWorker(redisClient,
		constants.GDriveStreamKey, constants.GDriveGroupName,
		upload.NewDispatcher(st, queue, models.ProviderGoogleDrive, logger), logger)
	s3Worker := upload.NewStreamWorker(redisClient,
		constants.S3StreamKey, constants.S3GroupName,
		upload.NewDispatcher(st, queue, models.ProviderS3, logger), logger)

	monitor := health.NewMonitor(st, queue, cfg.HealthCheckInterval, cfg.HealthStaleThreshold, logger)

	go func() {
		if err := gdriveWorker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Google Drive stream worker exited")
		}
	}()
	go func() {
		if err := s3Worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("S3 stream worker exited")
		}
	}()
	go func() {
		if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Health monitor exited")
		}
	}()

	logger.Info().
		Str("version", version.Version).
		Str("redis", cfg.RedisAddr).
		Str("database", cfg.DatabasePath).
		Str("downloads", cfg.DownloadBasePath).
		Int("max_concurrent_jobs", cfg.MaxConcurrentJobs).
		Msg("seedrelay started")

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	queue.Shutdown()
	return nil
}

// runCancel marks a job cancelled directly in the database. Running workers
// notice the terminal status on their next heartbeat and stop.
func runCancel(arg string) error {
	jobID, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid job id %q", arg)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer st.Close()

	transitions := jobs.NewService(st, logging.Nop())
	if err := transitions.Cancel(context.Background(), uint(jobID), models.SourceUser); err != nil {
		return err
	}
	fmt.Printf("Job %d cancelled\n", jobID)
	return nil
}
