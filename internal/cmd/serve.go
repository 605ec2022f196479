package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/asterope/uws/internal/config"
	"github.com/asterope/uws/internal/observability"
	"github.com/asterope/uws/internal/queryrunner"
	"github.com/asterope/uws/internal/server"
	"github.com/asterope/uws/internal/server/handlers"
	"github.com/asterope/uws/internal/service"
	"github.com/asterope/uws/pkg/filestore"
	"github.com/asterope/uws/pkg/jobstore"
	"github.com/asterope/uws/pkg/params"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP job service",
	Long: `Run the job service: restore persisted jobs, start the destruction
sweeper, and serve the job collection API until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}
	log := observability.CLILogger
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildFileStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	files := filestore.NewResultFiles(store)

	desc, err := queryrunner.LoadDescriptor(cfg.Service.Descriptor)
	if err != nil {
		return fmt.Errorf("load service descriptor: %w", err)
	}
	factory, err := queryrunner.NewFactory(desc, files, log)
	if err != nil {
		return fmt.Errorf("build worker factory: %w", err)
	}

	engineCfg, err := buildEngineConfig(cfg)
	if err != nil {
		return err
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	records := jobstore.NewStore(cfg.Storage.JobsDir)
	svc := service.New(engineCfg, service.Deps{
		Factory:   factory,
		ParamOpts: factory.ParamOptions,
		Files:     files,
		Store:     records,
		Log:       observability.NewJobLog(log),
		Metrics:   metrics,
		MetricsOn: cfg.Server.MetricsEnabled,
	})

	if err := svc.Restore(); err != nil {
		return fmt.Errorf("restore persisted jobs: %w", err)
	}
	log.Info("job service ready",
		zap.String("service", desc.Name),
		zap.Int("restored_jobs", len(svc.List())),
		zap.Int("max_running_jobs", engineCfg.MaxRunningJobs))

	go svc.Run(ctx)

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("job_records", recordsHealthChecker{root: records.RootDir()})

	srv := server.New(cfg.Server, server.Options{
		Service: svc,
		Log:     log,
		Version: versionInfo.Version,
		Metrics: metrics,
		Health:  health,
	})

	err = srv.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	svc.Shutdown(shutdownCtx)
	log.Info("job service stopped")
	return err
}

func buildFileStore(ctx context.Context, cfg *config.Config) (filestore.Store, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return filestore.NewS3(ctx, filestore.S3Config{
			Bucket:          cfg.Storage.S3.Bucket,
			Prefix:          cfg.Storage.S3.Prefix,
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			Profile:         cfg.Storage.S3.Profile,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			ForcePathStyle:  cfg.Storage.S3.ForcePathStyle,
		})
	default:
		return filestore.NewLocal(filestore.LocalConfig{BaseDir: cfg.Storage.Local.BaseDir})
	}
}

func buildEngineConfig(cfg *config.Config) (service.Config, error) {
	out := service.Config{
		MaxRunningJobs: cfg.Engine.MaxRunningJobs,
		StopGrace:      cfg.Engine.StopGrace,
	}

	var err error
	if out.DefaultExecutionDurationMS, err = optionalDuration(cfg.Engine.DefaultExecutionDuration); err != nil {
		return out, fmt.Errorf("engine.default_execution_duration: %w", err)
	}
	if out.MaxExecutionDurationMS, err = optionalDuration(cfg.Engine.MaxExecutionDuration); err != nil {
		return out, fmt.Errorf("engine.max_execution_duration: %w", err)
	}

	defDestroy, err := optionalDuration(cfg.Engine.DefaultDestructionInterval)
	if err != nil {
		return out, fmt.Errorf("engine.default_destruction_interval: %w", err)
	}
	maxDestroy, err := optionalDuration(cfg.Engine.MaxDestructionInterval)
	if err != nil {
		return out, fmt.Errorf("engine.max_destruction_interval: %w", err)
	}
	out.DefaultDestruction = time.Duration(defDestroy) * time.Millisecond
	out.MaxDestruction = time.Duration(maxDestroy) * time.Millisecond
	return out, nil
}

// optionalDuration parses the parameter duration syntax ("600s", "1W"),
// empty meaning disabled.
func optionalDuration(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return params.ParseDuration(s)
}

// recordsHealthChecker verifies the job record directory is writable.
type recordsHealthChecker struct {
	root string
}

func (c recordsHealthChecker) CheckHealth(_ context.Context) error {
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return fmt.Errorf("job record directory unavailable: %w", err)
	}
	f, err := os.CreateTemp(c.root, ".healthcheck-*")
	if err != nil {
		return fmt.Errorf("job record directory not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}
