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

	"github.com/fetchpool/fetchpool"
	"github.com/fetchpool/fetchpool/config"
	"github.com/fetchpool/fetchpool/rpc"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	workersFlag        string
	logDirFlag         string
	originFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", os.Getenv("FETCHPOOL_CONFIG"), "Config file (YAML)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&workersFlag, "workers", "", "Comma separated worker RPC addresses (overrides config)")
	flag.StringVar(&logDirFlag, "log-dir", "", "Directory of the access log (overrides config)")
	flag.StringVar(&originFlag, "origin", "", "Origin for requests not in proxy form (overrides config)")
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

	accessLog, err := fetchpool.OpenAccessLog(cfg.Proxy.LogDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open access log")
	}
	defer accessLog.Close()

	client := rpc.NewClient(cfg.Proxy.RPCTimeoutDur, nil)
	registry := fetchpool.NewRegistry(cfg.Proxy.Workers)
	monitor := fetchpool.NewMonitor(fetchpool.MonitorConfig{
		Registry:     registry,
		Prober:       client,
		Interval:     cfg.Proxy.HealthIntervalDur,
		ProbeTimeout: cfg.Proxy.ProbeTimeoutDur,
	})
	proxy := fetchpool.NewProxy(fetchpool.Config{
		Picker:        fetchpool.NewBalancer(registry),
		Fetcher:       client,
		AccessLog:     accessLog,
		DefaultOrigin: cfg.Proxy.DefaultOrigin,
		RPCTimeout:    cfg.Proxy.RPCTimeoutDur,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	live := monitor.ProbeAll(ctx)
	for _, s := range registry.Status() {
		if s.Live {
			log.Info().Str("endpoint", s.Endpoint.Address).Int("entries", s.CacheEntries).Msg("Worker OK")
		} else {
			log.Warn().Str("endpoint", s.Endpoint.Address).Str("reason", s.Err).Msg("Worker DOWN")
		}
	}
	if live == 0 {
		log.Error().Msg("No RPC workers available, requests will fail until a worker comes up")
	}
	go monitor.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Proxy.Port),
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Msgf("Proxying port %d to %d/%d live workers", cfg.Proxy.Port, live, len(registry.Endpoints()))
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

// applyFlags lets command-line flags and the positional port win over
// config file and environment.
func applyFlags(cfg *config.Config) {
	if flag.NArg() > 0 {
		port, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid port argument")
		}
		cfg.Proxy.Port = port
	}
	if portFlag != 0 {
		cfg.Proxy.Port = portFlag
	}
	if workersFlag != "" {
		cfg.Proxy.Workers = config.SplitList(workersFlag)
	}
	if logDirFlag != "" {
		cfg.Proxy.LogDir = logDirFlag
	}
	if originFlag != "" {
		cfg.Proxy.DefaultOrigin = originFlag
	}
	if err := cfg.Resolve(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
}
