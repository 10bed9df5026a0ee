// Package loomserver is the pipeline service: it accepts trigger
// submissions over HTTP, schedules the resulting runs on a shared
// runtime, and streams status, logs and artifacts back out.
package loomserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/loom/artifact"
	"tangled.sh/tangled.sh/loom/config"
	"tangled.sh/tangled.sh/loom/db"
	"tangled.sh/tangled.sh/loom/engine"
	"tangled.sh/tangled.sh/loom/engine/docker"
	"tangled.sh/tangled.sh/loom/engine/host"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/notifier"
	"tangled.sh/tangled.sh/loom/queue"
	"tangled.sh/tangled.sh/loom/secrets"
	"tangled.sh/tangled.sh/loom/telemetry"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:   "server",
		Usage:  "run a loom server",
		Action: Run,
		Description: `
Environment variables:
	LOOM_SERVER_LISTEN_ADDR               (default: 0.0.0.0:6781)
	LOOM_SERVER_DB_PATH                   (default: loom.db)
	LOOM_SERVER_LOG_DIR                   (default: /var/log/loom)
	LOOM_SERVER_ARTIFACT_DIR              (default: /var/lib/loom/artifacts)
	LOOM_SERVER_COVERAGE_URL              (optional coverage service)
	LOOM_SERVER_DEV                       (default: false)
	LOOM_SERVER_SECRETS_PROVIDER          (default: sqlite)
	LOOM_SERVER_SECRETS_OPENBAO_ADDR
	LOOM_SERVER_SECRETS_OPENBAO_ROLE_ID
	LOOM_SERVER_SECRETS_OPENBAO_SECRET_ID
	LOOM_SERVER_SECRETS_OPENBAO_MOUNT     (default: loom)
	LOOM_RUNNER_DRIVER                    (docker or host, default: docker)
	LOOM_RUNNER_DEFAULT_IMAGE
	LOOM_RUNNER_MAX_PARALLEL              (default: 4)
	LOOM_RUNNER_JOB_TIMEOUT               (default: 30m)
	LOOM_RUNNER_PLATFORMS                 (host driver, comma-separated)
	LOOM_RUNNER_QUEUE_SIZE                (default: 100)
	LOOM_RUNNER_WORKERS                   (default: 2)
`,
	}
}

type Server struct {
	cfg   *config.Config
	db    *db.DB
	l     *slog.Logger
	n     *notifier.Notifier
	jq    *queue.Queue
	rt    engine.Runtime
	store *artifact.Store
	sm    secrets.Manager
	sink  artifact.CoverageSink
	t     *telemetry.Telemetry
	rm    *telemetry.RunMetrics

	// schedulers of in-flight runs, keyed by run id
	mu   sync.Mutex
	live map[string]*engine.Scheduler
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	n := notifier.New()

	sm, err := newSecretsManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to setup secrets manager: %w", err)
	}
	if stopper, ok := sm.(secrets.Stopper); ok {
		defer stopper.Stop()
	}

	store, err := artifact.NewStore(cfg.Server.ArtifactDir, logger)
	if err != nil {
		return fmt.Errorf("failed to setup artifact store: %w", err)
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to setup runtime: %w", err)
	}

	tel, err := telemetry.NewTelemetry(ctx, "loom", versioninfo.Short(), cfg.Server.Dev)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.Shutdown(context.WithoutCancel(ctx))

	s := &Server{
		cfg:   cfg,
		db:    d,
		l:     logger,
		n:     &n,
		jq:    queue.NewQueue(cfg.Runner.QueueSize, cfg.Runner.Workers),
		rt:    rt,
		store: store,
		sm:    sm,
		t:     tel,
		rm:    tel.RunMetrics(),
		live:  make(map[string]*engine.Scheduler),
	}
	if cfg.Server.CoverageURL != "" {
		s.sink = artifact.NewHTTPSink(cfg.Server.CoverageURL, logger)
	}

	// starts the run workers in the background
	s.jq.Start()
	defer s.jq.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: otelhttp.NewHandler(s.Router(), "loomserver"),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting loom server", "address", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.cancelLive()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)
	mux.Use(s.t.RequestDuration())
	mux.Use(s.t.RequestInFlight())

	mux.Post("/pipelines", s.SubmitRun)
	mux.Get("/pipelines", s.ListRuns)
	mux.Get("/pipelines/{id}", s.GetRun)
	mux.Post("/pipelines/{id}/cancel", s.CancelRun)
	mux.Get("/pipelines/{id}/artifacts", s.ListArtifacts)
	mux.Get("/pipelines/{id}/artifacts/*", s.DownloadArtifact)
	mux.HandleFunc("/events", s.Events)
	mux.Get("/logs/{id}/{job}", s.Logs)
	mux.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(versioninfo.Short()))
	})

	return mux
}

func newSecretsManager(cfg *config.Config, logger *slog.Logger) (secrets.Manager, error) {
	sc := cfg.Server.Secrets
	switch sc.Provider {
	case "openbao":
		return secrets.NewOpenBaoManager(
			sc.OpenBao.Addr,
			sc.OpenBao.RoleID,
			sc.OpenBao.SecretID,
			logger.With("component", "openbao"),
			secrets.WithMountPath(sc.OpenBao.Mount),
		)
	case "sqlite":
		return secrets.NewSQLiteManager(cfg.Server.DBPath)
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", sc.Provider)
	}
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Runtime, error) {
	timeout := jobTimeout(cfg, logger)

	switch cfg.Runner.Driver {
	case "docker":
		return docker.New(ctx, docker.Options{
			DefaultImage: cfg.Runner.DefaultImage,
			JobTimeout:   timeout,
		})
	case "host":
		return host.New(ctx, host.Options{
			Platforms:  cfg.Runner.Platforms,
			JobTimeout: timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown runner driver %q", cfg.Runner.Driver)
	}
}

func jobTimeout(cfg *config.Config, logger *slog.Logger) time.Duration {
	timeout, err := time.ParseDuration(cfg.Runner.JobTimeout)
	if err != nil {
		logger.Error("failed to parse job timeout", "error", err, "timeout", cfg.Runner.JobTimeout)
		timeout = 30 * time.Minute
	}
	return timeout
}

func (s *Server) cancelLive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range s.live {
		sched.Cancel()
	}
}
