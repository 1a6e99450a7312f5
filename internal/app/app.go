package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/tend/internal/census"
	"github.com/MrSnakeDoc/tend/internal/config"
	"github.com/MrSnakeDoc/tend/internal/hooks"
	"github.com/MrSnakeDoc/tend/internal/httpserver"
	"github.com/MrSnakeDoc/tend/internal/httpserver/deps"
	"github.com/MrSnakeDoc/tend/internal/launcher"
	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/metrics"
	"github.com/MrSnakeDoc/tend/internal/redis"
	"github.com/MrSnakeDoc/tend/internal/scheduler"
	"github.com/MrSnakeDoc/tend/internal/spec"
	"github.com/MrSnakeDoc/tend/internal/status"
	redisstore "github.com/MrSnakeDoc/tend/internal/store/redis"
	"github.com/MrSnakeDoc/tend/internal/supervisor"
	"github.com/MrSnakeDoc/tend/internal/utils"
	"github.com/MrSnakeDoc/tend/internal/version"
)

type App struct {
	cfg          *config.Config
	logger       logger.Logger
	server       *httpserver.Server
	redisClient  *goredis.Client
	runner       *hooks.ExecRunner
	manager      *supervisor.Manager
	tickLoop     *scheduler.TickLoop
	specWatcher  *scheduler.SpecWatcher
	statusSyncer *scheduler.StatusSyncer
	dirWatcher   *scheduler.DirWatcher
	ready        *atomic.Bool
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheus(reg)

	var (
		provider     census.Provider
		redisClient  *goredis.Client
		statusSyncer *scheduler.StatusSyncer
	)
	registry := status.NewRegistry()

	switch cfg.CensusBackend {
	case config.CensusRedis:
		// Fail fast: without the census there is nothing to supervise against.
		client, err := redis.Connect(context.Background(), redis.OptionsFromConfig(cfg), loggerClient)
		if err != nil {
			loggerClient.Errorf("Failed to connect to Redis: %v", err)
			os.Exit(1)
		}
		redisClient = client
		provider = census.NewRedis(client)
		statusSyncer = scheduler.NewStatusSyncer(
			redisstore.NewStore(client, cfg.StatusTTL),
			registry,
			cfg.MemberID,
			loggerClient,
			cfg.StatusTTL/2,
		)
	default:
		provider = census.NewMemory()
	}

	runner := hooks.NewExecRunner(cfg.HookTimeout, loggerClient, sink)

	manager := supervisor.NewManager(supervisor.Options{
		SvcRoot:        cfg.SvcRoot,
		UserConfigRoot: cfg.UserConfigRoot,
		EnvPrefix:      cfg.EnvPrefix,
		HealthInterval: cfg.HealthInterval,
		MemberID:       cfg.MemberID,
		Hostname:       cfg.Hostname,
		IP:             cfg.SysIP,
	}, supervisor.Deps{
		Log:      loggerClient,
		Metrics:  sink,
		Runner:   runner,
		Registry: registry,
		Census:   provider,
		NewLauncher: func(svcDir string, log logger.Logger) launcher.Launcher {
			return launcher.NewProcess(svcDir, log)
		},
	})

	reloadTrigger := make(chan struct{}, 1)
	tickLoop := scheduler.NewTickLoop(provider, manager, loggerClient, cfg.TickInterval, reloadTrigger)
	specWatcher := scheduler.NewSpecWatcher(
		spec.NewLoader(cfg.SpecDir),
		cfg.PkgRoot,
		manager,
		loggerClient,
		cfg.SpecInterval,
	)

	dirWatcher, err := scheduler.NewDirWatcher(loggerClient)
	if err != nil {
		loggerClient.Warn("file watching disabled, relying on polling", logger.Error(err))
	}

	ready := &atomic.Bool{}

	d := deps.Deps{
		Logger:        loggerClient,
		StartTime:     time.Now(),
		Version:       version.Version,
		Commit:        version.Commit,
		BuildDate:     version.BuildDate,
		GoVersion:     version.GoVersion,
		TimeNow:       time.Now,
		AllowedCIDRS:  cfg.AllowedCIDRS,
		TrustProxy:    cfg.TrustProxy,
		Registry:      registry,
		Gatherer:      reg,
		CensusBackend: cfg.CensusBackend,
		RedisClient:   redisClient,
		RedactConfig:  cfg.RedactConfig,
		Ready:         ready.Load,
		ReloadTrigger: reloadTrigger,
		ReloadLimit:   deps.ReloadLimit{PerMinute: cfg.ReloadPerMinute, Burst: cfg.ReloadBurst},
	}

	return &App{
		cfg:          cfg,
		logger:       loggerClient,
		server:       httpserver.New(cfg.ListenAddr, d),
		redisClient:  redisClient,
		runner:       runner,
		manager:      manager,
		tickLoop:     tickLoop,
		specWatcher:  specWatcher,
		statusSyncer: statusSyncer,
		dirWatcher:   dirWatcher,
		ready:        ready,
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting %s on %s", version.String(), a.cfg.ListenAddr)
	a.logger.Info("supervisor identity",
		logger.String("member_id", a.cfg.MemberID),
		logger.String("hostname", a.cfg.Hostname),
		logger.String("ip", a.cfg.SysIP),
		logger.String("census", a.cfg.CensusBackend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.specWatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start spec watcher: %w", err)
	}
	a.logger.Info("spec watcher started",
		logger.String("dir", a.cfg.SpecDir),
		logger.Strings("services", a.manager.Names()))

	if err := a.tickLoop.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tick loop: %w", err)
	}
	a.ready.Store(true)
	a.logger.Info("tick loop started", logger.Duration("interval", a.cfg.TickInterval))

	if a.dirWatcher != nil {
		a.watch(a.cfg.SpecDir, a.specWatcher.Trigger())
		a.watch(a.cfg.UserConfigRoot, a.tickLoop.FileTrigger())
	}

	if a.statusSyncer != nil {
		a.statusSyncer.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
	}

	a.shutdown()
	return runErr
}

func (a *App) watch(dir string, trigger chan<- struct{}) {
	if err := a.dirWatcher.Add(dir, trigger); err != nil {
		a.logger.Warn("failed to watch directory", logger.String("dir", dir), logger.Error(err))
	}
}

func (a *App) shutdown() {
	a.ready.Store(false)
	a.tickLoop.Stop()
	a.specWatcher.Stop()
	if a.dirWatcher != nil {
		utils.CloseLogged(a.dirWatcher, a.logger, "file watcher")
	}

	// Service stops carry their own shutdown timeouts.
	if err := a.manager.Shutdown(context.Background()); err != nil {
		a.logger.Warn("some services did not stop cleanly", logger.Error(err))
	}
	a.runner.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if a.statusSyncer != nil {
		a.statusSyncer.Stop()
		if err := a.statusSyncer.Clear(shutdownCtx); err != nil {
			a.logger.Warn("failed to clear published statuses", logger.Error(err))
		}
	}

	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.Warn("failed to stop server", logger.Error(err))
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	a.logger.Info("✅ tend stopped cleanly")
}
