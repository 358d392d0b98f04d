package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/etsy/jenkins-master-project/internal/config"
	"github.com/etsy/jenkins-master-project/internal/host"
	"github.com/etsy/jenkins-master-project/internal/logging"
	"github.com/etsy/jenkins-master-project/internal/master"
	"github.com/etsy/jenkins-master-project/internal/metrics"
	"github.com/etsy/jenkins-master-project/internal/notify"
	"github.com/etsy/jenkins-master-project/internal/orchestrator"
	"github.com/etsy/jenkins-master-project/internal/params"
	"github.com/etsy/jenkins-master-project/internal/server"
	"github.com/etsy/jenkins-master-project/internal/store"
	"github.com/etsy/jenkins-master-project/internal/testhost"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	// A missing .env is fine; variables may come from the process environment.
	_ = godotenv.Load()

	cfg := config.DefaultServerConfig()
	cfg.ApplyEnv()
	var debug bool

	cmd := &cobra.Command{
		Use:   "master-server",
		Short: "Serve the master build API",
		Long: heredoc.Doc(`
			Runs master builds: fans each one out to its sub-projects on the host
			system, retries failed sub-builds and serves the REST API masterctl
			talks to. Settings come from flags, then MASTER_* variables (a .env file
			in the working directory is loaded first), then defaults.
		`),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				cfg.LogLevel = "debug"
			}
			logger := logging.NewLoggerWithWriter(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())
			return run(cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	f.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.masterbuild/master.db)")
	f.StringVar(&cfg.ProjectsFile, "projects", cfg.ProjectsFile, "YAML file declaring master projects")
	f.StringVar(&cfg.StagingDir, "staging-dir", cfg.StagingDir, "Directory for staged file parameters (default ~/.masterbuild/files)")
	f.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "Base URL sub-builds download file parameters from")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Sleep between watcher passes")
	f.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "Concurrent watchers")
	f.BoolVar(&cfg.MetricsEnabled, "metrics", cfg.MetricsEnabled, "Expose Prometheus metrics on /metrics")
	f.BoolVar(&debug, "debug", false, "Shorthand for --log-level=debug")
	return cmd
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir, err := dataDir()
	if err != nil {
		return err
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "master.db")
	}

	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", dbPath)

	// Master projects.
	projects := &config.ProjectsConfig{}
	if cfg.ProjectsFile != "" {
		projects, err = config.LoadProjects(cfg.ProjectsFile)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no projects file configured", "hint", "set -projects or MASTER_PROJECTS_FILE")
	}
	registry := config.NewRegistry(projects)
	if cfg.ProjectsFile != "" {
		watcher, err := config.NewWatcher(cfg.ProjectsFile, registry, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	var stager params.Stager
	if cfg.MinIO.Endpoint != "" {
		stager, err = params.NewMinIOStager(ctx, cfg.MinIO)
		if err != nil {
			return err
		}
		logger.Info("staging file parameters in object storage", "endpoint", cfg.MinIO.Endpoint, "bucket", cfg.MinIO.Bucket)
	} else {
		dir := cfg.StagingDir
		if dir == "" {
			dir = filepath.Join(dataDir, "files")
		}
		stager, err = params.NewLocalStager(dir)
		if err != nil {
			return err
		}
		logger.Info("staging file parameters locally", "dir", dir)
	}

	h, err := newHost(cfg, projects, stager, filepath.Join(dataDir, "workspaces"), logger)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NATS.URL != "" {
		n, err := notify.DialNATS(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return err
		}
		defer n.Close()
		notifier = n
	}

	var (
		recorder   metrics.Recorder = metrics.NoopRecorder{}
		serverOpts []server.Option
	)
	if cfg.MetricsEnabled {
		pr := metrics.NewPrometheusRecorder(nil)
		recorder = pr
		serverOpts = append(serverOpts, server.WithMetricsHandler(pr.Handler()))
	}
	if name, err := os.Hostname(); err == nil {
		serverOpts = append(serverOpts, server.WithHostName(name))
	}

	orch := orchestrator.New(h, orchestrator.Config{PollInterval: cfg.PollInterval, PoolSize: cfg.PoolSize}, recorder, logger)
	svc := master.NewService(st, registry, orch, logger,
		master.WithStager(stager),
		master.WithNotifier(notifier),
		master.WithMetrics(recorder),
		master.WithSaveRetries(cfg.SaveRetries),
	)
	defer svc.Close()

	if n, err := svc.AbandonInterrupted(ctx); err != nil {
		logger.Error("abandon interrupted master builds", "error", err)
	} else if n > 0 {
		logger.Warn("abandoned master builds interrupted by restart", "count", n)
	}

	crons, err := master.NewCronTriggers(svc, logger)
	if err != nil {
		return err
	}
	crons.Start()
	defer func() {
		if err := crons.Shutdown(); err != nil {
			logger.Error("cron shutdown error", "error", err)
		}
	}()

	srv := server.New(cfg, svc, logger, serverOpts...)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// newHost returns the Buildkite host when a token is configured. Otherwise it
// returns an in-process host knowing every configured sub-project, which
// fetches file parameters into workspace.
func newHost(cfg config.ServerConfig, projects *config.ProjectsConfig, stager params.Stager, workspace string, logger *slog.Logger) (host.Host, error) {
	if cfg.Buildkite.Token != "" {
		bk, err := host.NewBuildkite(cfg.Buildkite.Org, cfg.Buildkite.Token, logger)
		if err != nil {
			return nil, err
		}
		if cfg.PublicURL == "" {
			logger.Warn("no public URL; builds receive staged file locations", "hint", "set --public-url or MASTER_PUBLIC_URL")
		}
		logger.Info("using Buildkite host", "org", cfg.Buildkite.Org)
		return bk.WithFileBaseURL(cfg.PublicURL), nil
	}

	th := testhost.New()
	th.UseStager(stager, workspace)
	seen := make(map[string]bool)
	for _, p := range projects.Projects {
		for _, names := range [][]string{p.SubProjects, p.HiddenSubProjects} {
			for _, name := range names {
				if !seen[name] {
					seen[name] = true
					th.AddProject(name, testhost.WithDuration(2*time.Second))
				}
			}
		}
	}
	logger.Warn("no Buildkite token; using the in-process host", "projects", len(seen))
	return th, nil
}

func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".masterbuild")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return dir, nil
}
