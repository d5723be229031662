package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Codinablack/SpacetimeDB/internal/config"
	"github.com/Codinablack/SpacetimeDB/internal/httpapi"
	"github.com/Codinablack/SpacetimeDB/internal/logging"
	"github.com/Codinablack/SpacetimeDB/internal/metrics"
	"github.com/Codinablack/SpacetimeDB/internal/modulehost"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "1.0.0"

const defaultConfigPath = "~/.config/spacetimedb-listend/config.yaml"

// reaperInterval is how often the module registry sweeps for hosts whose
// module has already signaled it is gone.
const reaperInterval = 30 * time.Second

func printVersion() {
	fmt.Printf("spacetimedb-listend v%s\n", version)
	fmt.Println("WebSocket subscribe endpoint for a database module host")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  spacetimedb-listend [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        Path to YAML config file (default %q)\n", defaultConfigPath)
	fmt.Println()
	fmt.Println("  -print-default-config")
	fmt.Println("        Print a default YAML config to stdout and exit")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Override logging.level from config (error, warn, info, debug)")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath         = flag.String("config", "", "Path to YAML config file")
		printDefaultConfig = flag.Bool("print-default-config", false, "Print default YAML config and exit")
		logLevelOverride   = flag.String("log-level", "", "Override logging.level from config (error, warn, info, debug)")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *printDefaultConfig {
		b, err := yaml.Marshal(config.DefaultConfig())
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: marshal default config:", err)
			os.Exit(1)
		}
		fmt.Println(string(b))
		return
	}
	if *configPath == "" {
		*configPath = defaultConfigPath
	}

	cfg, err := config.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if *logLevelOverride != "" {
		cfg.Logging.Level = *logLevelOverride
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error: invalid config:", err)
		os.Exit(1)
	}

	logger := logging.NewFromConfigString(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	sink := metrics.NewWorkerMetrics(reg)

	registry := modulehost.NewRegistry(logger, cfg.Session.OutboundQueueCapacity)
	registry.Add("test", "test_db", "local", func(h *modulehost.Host) {
		h.Register("echo", func(_ context.Context, args json.RawMessage) (any, error) {
			var v any
			if err := json.Unmarshal(args, &v); err != nil {
				return nil, fmt.Errorf("echo: decode args: %w", err)
			}
			return v, nil
		})
	})

	api := httpapi.NewServer(
		ctx,
		cfg.Session,
		logger,
		sink,
		registry,
		registry,
		registry,
		httpapi.HeaderIdentityExtractor("X-Identity"),
	)

	router := mux.NewRouter()
	api.Register(router)
	accessLogged := handlers.CombinedLoggingHandler(os.Stdout, router)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: accessLogged,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    cfg.Metrics.ListenAddr,
		Handler: metricsMux,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("subscribe endpoint listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("subscribe endpoint: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("metrics endpoint listening", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return registry.Reap(ctx, reaperInterval)
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
