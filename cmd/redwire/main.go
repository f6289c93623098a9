package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/redwire"
	"github.com/timzifer/redwire/config"
	"github.com/timzifer/redwire/internal/logging"
	"github.com/timzifer/redwire/internal/reload"
	"github.com/timzifer/redwire/telemetry"
)

func main() {
	cfgPath := flag.String("config", "redwire.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	ping := flag.Bool("ping", false, "Ping the configured deployment and exit")
	watch := flag.Bool("watch", false, "Restart the factory when the configuration changes")
	pingInterval := flag.Duration("ping-interval", 10*time.Second, "Liveness probe interval")
	metricsListen := flag.String("metrics-listen", ":19090", "Metrics listen address")
	flag.Parse()

	if *configCheck {
		os.Exit(executeConfigCheck(*cfgPath))
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *ping {
		if err := executePing(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "ping failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	stopMetrics := startMetricsListener(cfg.Telemetry, *metricsListen)
	defer stopMetrics()

	if *watch {
		if err := runWithWatch(ctx, *cfgPath, cfg, collector, *pingInterval); err != nil {
			if err == context.Canceled {
				return
			}
			log.Fatal().Err(err).Msg("factory stopped")
		}
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	factory, err := buildFactory(cfg, logger, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create factory")
	}
	if err := factory.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start factory")
	}
	defer factory.Destroy(context.Background())

	if err := runFactory(ctx, factory, *pingInterval, logger); err != nil {
		logger.Fatal().Err(err).Msg("factory stopped with error")
	}
}

func buildFactory(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) (*redwire.ConnectionFactory, error) {
	topo, err := cfg.Deployment()
	if err != nil {
		return nil, err
	}
	builder := redwire.FromConfig(cfg)
	if err := builder.SetLogger(logger); err != nil {
		return nil, err
	}
	if err := builder.SetCollector(collector); err != nil {
		return nil, err
	}
	opts, err := builder.Build()
	if err != nil {
		return nil, err
	}
	return redwire.New(topo, opts)
}

// runFactory keeps the factory alive and probes the deployment on a fixed
// interval until the context is cancelled.
func runFactory(ctx context.Context, factory *redwire.ConnectionFactory, interval time.Duration, logger zerolog.Logger) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			started := time.Now()
			if err := factory.Ping(ctx); err != nil {
				logger.Warn().Err(err).Msg("deployment ping failed")
				continue
			}
			logger.Debug().Dur("rtt", time.Since(started)).Msg("deployment ping")
		}
	}
}

func executePing(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout(cfg))
	defer cancel()

	factory, err := buildFactory(cfg, zerolog.Nop(), telemetry.Noop())
	if err != nil {
		return err
	}
	if err := factory.Start(ctx); err != nil {
		return err
	}
	defer factory.Destroy(context.Background())

	started := time.Now()
	if err := factory.Ping(ctx); err != nil {
		return err
	}
	fmt.Printf("PONG from %s deployment in %s\n", factory.Topology().Kind(), time.Since(started).Round(time.Microsecond))
	return nil
}

func pingTimeout(cfg *config.Config) time.Duration {
	timeout := cfg.Client.ConnectTimeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return timeout + cfg.Client.CommandTimeout.Duration
}

func executeConfigCheck(path string) int {
	if err := config.ValidateSchemaFile(path); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	topo, err := cfg.Deployment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	name := cfg.Name
	if name == "" {
		name = "<unnamed>"
	}
	fmt.Printf("Configuration %q\n", name)
	fmt.Printf("  Topology: %s\n", topo.Kind())
	printList("Endpoints", describeEndpoints(topo))

	client := cfg.Client
	fmt.Printf("  Sharing: %s\n", onOff(client.SharesConnection()))
	fmt.Printf("  Eager init: %s\n", onOff(client.EagerInit))
	fmt.Printf("  Validation: %s\n", onOff(client.ValidateConnections))
	fmt.Printf("  TLS: %s\n", onOff(client.TLS.Enabled))
	if cfg.Pool != nil && cfg.Pool.Enabled {
		fmt.Printf("  Pool: max_idle %d, warmup %d\n", cfg.Pool.MaxIdle, cfg.Pool.Warmup)
	} else {
		fmt.Println("  Pool: disabled")
	}

	exitCode := 0
	files := cfg.ReferencedFiles()
	if len(files) > 0 {
		fmt.Println("  Referenced files:")
		for _, file := range files {
			if _, err := os.Stat(file); err != nil {
				fmt.Printf("    - %s (missing)\n", file)
				exitCode = 1
				continue
			}
			fmt.Printf("    - %s\n", file)
		}
	}

	fmt.Println()
	if exitCode == 0 {
		fmt.Println("Configuration check completed successfully.")
	} else {
		fmt.Println("Configuration check completed with errors.")
	}
	return exitCode
}

func printList(label string, entries []string) {
	fmt.Printf("  %s:\n", label)
	if len(entries) == 0 {
		fmt.Println("    <none>")
		return
	}
	for _, entry := range entries {
		fmt.Printf("    - %s\n", entry)
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func describeEndpoints(t config.Topology) []string {
	switch topo := t.(type) {
	case config.Standalone:
		return []string{topo.Node().Addr()}
	case config.Socket:
		return []string{topo.Path}
	case config.Sentinel:
		entries := make([]string, 0, len(topo.Sentinels)+1)
		entries = append(entries, fmt.Sprintf("master %q", topo.Master))
		for _, addr := range topo.Addrs() {
			entries = append(entries, "sentinel "+addr)
		}
		return entries
	case config.Cluster:
		return topo.Addrs()
	case config.StaticMasterReplica:
		entries := []string{"master " + topo.Master().Addr()}
		for _, node := range topo.Replicas() {
			entries = append(entries, "replica "+node.Addr())
		}
		return entries
	default:
		return nil
	}
}

func runWithWatch(ctx context.Context, cfgPath string, initialCfg *config.Config, collector telemetry.Collector, interval time.Duration) error {
	if collector == nil {
		collector = telemetry.Noop()
	}
	watcher, err := reload.NewWatcher(cfgPath, initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return err
		}
		log.Logger = logger

		factory, err := buildFactory(cfg, logger, collector)
		if err != nil {
			cleanup()
			return err
		}
		if err := factory.Start(ctx); err != nil {
			factory.Destroy(context.Background())
			cleanup()
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- runFactory(runCtx, factory, interval, logger)
		}()

		reloadRequested := false

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				if err := <-errCh; err != nil {
					factory.Destroy(context.Background())
					cleanup()
					return err
				}
				factory.Destroy(context.Background())
				cleanup()
				return ctx.Err()
			case err := <-errCh:
				factory.Destroy(context.Background())
				cleanup()
				return err
			case <-ticker.C:
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				cancelRun()
				if err := <-errCh; err != nil {
					logger.Error().Err(err).Msg("factory stopped during reload")
				}
				factory.Destroy(context.Background())
				cleanup()
				if err := watcher.Update(cfgPath, newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				log.Info().Strs("files", changes).Msg("configuration changed, restarting factory")
				cfg = newCfg
				reloadRequested = true
				break loop
			}
		}

		if !reloadRequested {
			return nil
		}
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func startMetricsListener(cfg config.TelemetryConfig, addr string) func() {
	if !cfg.Enabled || addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}
