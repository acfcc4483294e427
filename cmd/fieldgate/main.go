package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/stratumsix/fieldgate/pkg/catalog"
	"github.com/stratumsix/fieldgate/pkg/lifecycle"
	"github.com/stratumsix/fieldgate/pkg/logger"
	"github.com/stratumsix/fieldgate/pkg/metrics"
	_ "github.com/stratumsix/fieldgate/pkg/protocol/mc"
	_ "github.com/stratumsix/fieldgate/pkg/protocol/modbus"
	_ "github.com/stratumsix/fieldgate/pkg/protocol/mqtt"
	"github.com/stratumsix/fieldgate/pkg/server"
	"github.com/stratumsix/fieldgate/pkg/session"
	"github.com/stratumsix/fieldgate/pkg/sink"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:3020"
	defaultMetricsAddr     = "0.0.0.0:0"
	defaultShutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "run postgres migrations on startup")
	recoverEnableFlag := flag.Bool("recover", true, "restart sessions left running by a previous process")

	// Postgres configuration
	databaseURLFlag := flag.String("database-url", "", "Postgres connection string (or set DATABASE_URL env var)")

	// Sink configuration
	sinkURLFlag := flag.String("sink-url", "http://localhost:8086", "InfluxDB URL (or set SINK_URL env var)")
	sinkTokenFlag := flag.String("sink-token", "", "InfluxDB token (or set SINK_TOKEN env var)")
	sinkOrgFlag := flag.String("sink-org", "", "InfluxDB organization (or set SINK_ORG env var)")
	sinkBucketFlag := flag.String("sink-bucket", "", "InfluxDB bucket (or set SINK_BUCKET env var)")
	sinkFallbackFlag := flag.StringSlice("sink-fallback", nil, "fallback write command for failed batches, line protocol on stdin")

	// Engine configuration
	batchSizeFlag := flag.Int("batch-size", 50, "buffer length that triggers a flush")
	batchTimeoutFlag := flag.Duration("batch-timeout", 5*time.Second, "time since last flush that triggers a flush")
	connectionTimeoutFlag := flag.Duration("connection-timeout", 30*time.Second, "read staleness that marks a device timed out")
	maxReconnectFlag := flag.Int("max-reconnect-attempts", 3, "consecutive connect failures before a device is disconnected")
	pollIntervalFlag := flag.Duration("poll-interval", time.Second, "default tick cadence for tasks without their own")
	callTimeoutFlag := flag.Duration("call-timeout", 10*time.Second, "per-call transport deadline")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	// Override flags with environment variables if set
	if env := os.Getenv("DATABASE_URL"); env != "" {
		*databaseURLFlag = env
	}
	if env := os.Getenv("SINK_URL"); env != "" {
		*sinkURLFlag = env
	}
	if env := os.Getenv("SINK_TOKEN"); env != "" {
		*sinkTokenFlag = env
	}
	if env := os.Getenv("SINK_ORG"); env != "" {
		*sinkOrgFlag = env
	}
	if env := os.Getenv("SINK_BUCKET"); env != "" {
		*sinkBucketFlag = env
	}
	if *databaseURLFlag == "" {
		return fmt.Errorf("database URL is required (--database-url or DATABASE_URL)")
	}

	log := logger.New(*verboseFlag)
	clock := clockwork.NewRealClock()

	log.Info("fieldgate starting",
		"version", version,
		"commit", commit,
		"listen_addr", *listenAddrFlag,
		"sink_url", *sinkURLFlag,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	m.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	if *metricsAddrFlag != "" {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	if *migrationsEnableFlag {
		if err := session.RunMigrations(ctx, log, *databaseURLFlag); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, *databaseURLFlag)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	store, err := session.NewStore(session.Config{Logger: log, Clock: clock, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	cat, err := catalog.New(catalog.Config{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create catalog: %w", err)
	}

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Logger:   log,
		Clock:    clock,
		Store:    store,
		Tasks:    cat,
		Metrics:  m,
		SinkKind: sink.KindInfluxDB,
		SinkConfig: sink.Config{
			URL:             *sinkURLFlag,
			Token:           *sinkTokenFlag,
			Org:             *sinkOrgFlag,
			Bucket:          *sinkBucketFlag,
			FallbackCommand: *sinkFallbackFlag,
		},
		BatchSize:         *batchSizeFlag,
		BatchTimeout:      *batchTimeoutFlag,
		ConnectionTimeout: *connectionTimeoutFlag,
		MaxReconnect:      *maxReconnectFlag,
		PollInterval:      *pollIntervalFlag,
		CallTimeout:       *callTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create lifecycle manager: %w", err)
	}

	if *recoverEnableFlag {
		if err := manager.Recover(ctx); err != nil {
			log.Error("failed to recover stale sessions", "error", err)
		}
	}

	srv, err := server.New(server.Config{
		Logger:  log,
		Manager: manager,
		DB:      pool,
		Version: version,
		Commit:  commit,
		Date:    date,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "address", *listenAddrFlag)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	log.Info("shutting down")
	srv.SetShuttingDown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop sessions cleanly", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down http server", "error", err)
	}

	log.Info("fieldgate stopped")
	return nil
}
