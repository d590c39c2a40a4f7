package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/shellcache/internal/config"
	"github.com/l0p7/shellcache/internal/expr"
	"github.com/l0p7/shellcache/internal/logging"
	"github.com/l0p7/shellcache/internal/metrics"
	"github.com/l0p7/shellcache/internal/server"
	"github.com/l0p7/shellcache/internal/templates"
	"github.com/l0p7/shellcache/internal/worker"
	"github.com/l0p7/shellcache/internal/worker/storage"
)

const closeTimeout = 5 * time.Second

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchManifest(context.Context, config.Config, func(config.WorkerConfig), func(error)) (manifestWatcher, error)
}

type manifestWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchManifest(ctx context.Context, cfg config.Config, onChange func(config.WorkerConfig), onError func(error)) (manifestWatcher, error) {
	w, err := l.Loader.WatchManifest(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return fileLoader{config.NewLoader(envPrefix, configFile)}
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "SHELLCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, *envPrefix, *configFile)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	workerCfg, err := worker.FromConfig(cfg.Server.Worker)
	if err != nil {
		return fmt.Errorf("worker configuration: %w", err)
	}

	store := buildStorage(logger.With(slog.String("agent", "storage_factory")), cfg.Server.Cache)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("cache storage shutdown failed", slog.Any("error", err))
		}
	}()

	renderer := templates.NewRenderer(buildSandbox(logger, cfg.Server.Templates))
	offline, err := worker.NewOfflinePage(renderer, cfg.Server.Offline)
	if err != nil {
		return fmt.Errorf("offline page: %w", err)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return fmt.Errorf("route environment: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	transport := http.DefaultTransport.(*http.Transport).Clone()
	network := worker.NewHTTPNetwork(workerCfg.Origin, workerCfg.FetchTimeout, transport)
	workerLogger := logger.With(slog.String("agent", "worker"))

	build := func(wc worker.Config) (*worker.Worker, error) {
		router, err := worker.NewRouter(env, wc.Routes)
		if err != nil {
			return nil, err
		}
		return worker.New(wc, store, network, worker.Options{
			Logger:  workerLogger,
			Metrics: recorder,
			Router:  router,
			Offline: offline,
		})
	}
	reg := worker.NewRegistration(build, workerLogger, recorder)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := reg.Close(closeCtx); err != nil {
			logger.Error("worker drain failed", slog.Any("error", err))
		}
	}()

	if _, err := reg.Register(ctx, workerCfg); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	if strings.TrimSpace(cfg.Server.Worker.ManifestFile) != "" {
		watcher, err := loader.WatchManifest(ctx, cfg, func(next config.WorkerConfig) {
			reinstall(ctx, workerLogger, reg, next)
		}, func(err error) {
			logger.Error("manifest watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	app := worker.NewHandler(reg, worker.NewPassthrough(workerCfg.Origin, transport, workerLogger), worker.HandlerOptions{
		Logger:            workerLogger,
		Metrics:           recorder,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	handler := server.NewHandler(cfg.Server.Admin.Prefix, reg, recorder.Handler(), app)

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

// reinstall registers a worker for a reloaded manifest. The running
// controller keeps serving when the new config is rejected.
func reinstall(ctx context.Context, logger *slog.Logger, reg *worker.Registration, next config.WorkerConfig) {
	wc, err := worker.FromConfig(next)
	if err != nil {
		logger.Error("reloaded manifest rejected", slog.Any("error", err))
		return
	}
	if ctrl := reg.Controller(); ctrl != nil && ctrl.CacheName() == wc.CacheName() {
		logger.Info("manifest reloaded without a version change", slog.String("cache", wc.CacheName()))
	}
	if _, err := reg.Register(ctx, wc); err != nil {
		logger.Error("worker reinstall failed", slog.String("cache", wc.CacheName()), slog.Any("error", err))
	}
}

func buildSandbox(logger *slog.Logger, cfg config.TemplatesConfig) *templates.Sandbox {
	folder := strings.TrimSpace(cfg.TemplatesFolder)
	if folder == "" {
		return nil
	}
	sandbox, err := templates.NewSandbox(folder, cfg.TemplatesAllowEnv, cfg.TemplatesAllowedEnv)
	if err != nil {
		logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		return nil
	}
	return sandbox
}

func buildStorage(logger *slog.Logger, cfg config.CacheConfig) storage.CacheStorage {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache storage")
		return storage.NewMemory()
	case "redis":
		redisStore, err := storage.NewRedis(storage.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Namespace,
			TLS: storage.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache storage initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache storage")
			return storage.NewMemory()
		}
		logger.Info("using redis cache storage", slog.String("address", cfg.Redis.Address), slog.String("namespace", cfg.Namespace))
		return redisStore
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return storage.NewMemory()
	}
}
