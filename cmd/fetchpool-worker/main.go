package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fetchpool/fetchpool/cache"
	"github.com/fetchpool/fetchpool/config"
	"github.com/fetchpool/fetchpool/worker"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	idFlag             string
	cacheDirFlag       string
	providerFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", os.Getenv("FETCHPOOL_CONFIG"), "Config file (YAML)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&idFlag, "id", "", "Worker id (default worker-<port>)")
	flag.StringVar(&cacheDirFlag, "cache-dir", "", "Shared cache location (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider: file, sqlite, leveldb or memory (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()
	setupLogging()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)
	wc := cfg.Worker

	store, err := cache.Open(wc.Provider, wc.CacheDir)
	if err != nil {
		log.Fatal().Err(err).Str("provider", wc.Provider).Msg("Could not open cache")
	}
	defer store.Close()

	w := worker.New(worker.Config{
		ID: wc.WorkerID(),
		Cache: cache.New(cache.Config{
			Store: store,
			TTL:   wc.CacheTTLDur,
		}),
		CacheType:    fmt.Sprintf("%s (%s)", wc.Provider, wc.CacheDir),
		FetchTimeout: wc.FetchTimeoutDur,
		UserAgent:    wc.UserAgent,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", wc.Port),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("worker", w.ID()).Str("provider", wc.Provider).Msgf("Serving RPC on port %d", wc.Port)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func setupLogging() {
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
		With().Str("version", version).Logger()
}

func applyFlags(cfg *config.Config) {
	if flag.NArg() > 0 {
		port, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid port argument")
		}
		cfg.Worker.Port = port
	}
	if portFlag != 0 {
		cfg.Worker.Port = portFlag
	}
	if idFlag != "" {
		cfg.Worker.ID = idFlag
	}
	if cacheDirFlag != "" {
		cfg.Worker.CacheDir = cacheDirFlag
	}
	if providerFlag != "" {
		cfg.Worker.Provider = providerFlag
	}
	if err := cfg.Resolve(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
}
