package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"
	"github.com/always-cache/offline-cache/host"
	"github.com/always-cache/offline-cache/metrics"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/worker"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	dbFilenameFlag     string
	providerFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file (default $OFFLINE_CACHE_CONFIG)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL of the app (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file or directory (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Storage provider: sqlite, leveldb or memory (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	configFilename := configFilenameFlag
	if configFilename == "" {
		configFilename = os.Getenv("OFFLINE_CACHE_CONFIG")
	}
	if configFilename == "" {
		log.Fatal().Msg("Please specify config file")
	}
	cfg, err := loadConfig(configFilename)
	if err != nil {
		log.Fatal().Err(err).Str("config", configFilename).Msg("Invalid config")
	}

	storage, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open cache storage")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	origin, _ := cfg.OriginURL()
	a := &app{
		configFilename: configFilename,
		metrics:        metrics.New(registry),
		client:         &http.Client{Timeout: cfg.Network.Timeout},
	}
	a.manager = cache.NewManager(cache.ManagerConfig{
		Storage:     storage,
		Keyer:       cachekey.NewCacheKeyer(origin),
		Client:      a.client,
		Concurrency: cfg.Workers.Populate,
	})
	a.registration = host.New(host.Config{
		Origin:       origin,
		ClientHeader: cfg.Clients.Header,
		IdleTimeout:  cfg.Clients.IdleTimeout,
		Upstreams:    cfg.Upstreams,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.registration.Register(ctx, a.newWorker(cfg)); err != nil {
		// requests are passed through until an update succeeds
		log.Error().Err(err).Str("version", cfg.Version).Msg("Initial install failed")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           a.router(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	log.Info().Msgf("Serving %s (version %s) on port %d", origin.String(), cfg.Version, cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}

	a.registration.Close()
	if err := a.manager.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close cache storage")
	}
	log.Info().Msg("Stopped")
}

// loadConfig reads the config file and applies the command line overrides.
func loadConfig(filename string) (config.Config, error) {
	overrides := config.Config{
		Origin: originFlag,
		Port:   portFlag,
		Storage: config.Storage{
			Provider: providerFlag,
			Path:     dbFilenameFlag,
		},
	}
	return config.LoadWithOverrides(filename, func(c *config.Config) {
		// unset flags are zero values and leave the file's settings alone
		if err := mergo.Merge(c, overrides, mergo.WithOverride); err != nil {
			log.Error().Err(err).Msg("Could not apply command line overrides")
		}
	})
}

func openStorage(s config.Storage) (cache.Storage, error) {
	quota, err := cache.ParseSize(s.Quota)
	if err != nil {
		return nil, err
	}
	switch s.Provider {
	case config.ProviderSQLite:
		// use 'memory' for an in-memory db
		if s.Path == "memory" {
			return cache.NewSQLiteStorage("", quota)
		}
		return cache.NewSQLiteStorage(s.Path, quota)
	case config.ProviderLevelDB:
		return cache.NewLevelDBStorage(s.Path, quota)
	case config.ProviderMemory:
		return cache.NewMemStorage(quota), nil
	default:
		return nil, errors.Errorf("unsupported cache provider: %s", s.Provider)
	}
}

type app struct {
	configFilename string
	manager        *cache.Manager
	registration   *host.Registration
	client         *http.Client
	metrics        *metrics.Metrics
}

func (a *app) newWorker(cfg config.Config) *worker.Worker {
	return worker.New(worker.Config{
		Version:           cfg.Version,
		Manifest:          cfg.Assets,
		Fallback:          cfg.Fallback,
		Bypass:            cfg.Bypass,
		Manager:           a.manager,
		Client:            a.client,
		SkipWaiting:       cfg.SkipWaiting,
		Claim:             cfg.Claim,
		BackgroundWorkers: cfg.Workers.Background,
		BackgroundTimeout: cfg.Network.Timeout * 3,
		Metrics:           a.metrics,
	})
}
