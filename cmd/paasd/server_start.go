package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/paasd/pkg/auth"
	"github.com/cuemby/paasd/pkg/collector"
	"github.com/cuemby/paasd/pkg/config"
	"github.com/cuemby/paasd/pkg/container"
	"github.com/cuemby/paasd/pkg/daemon"
	"github.com/cuemby/paasd/pkg/deploy"
	"github.com/cuemby/paasd/pkg/ingest"
	"github.com/cuemby/paasd/pkg/log"
	"github.com/cuemby/paasd/pkg/metrics"
	"github.com/cuemby/paasd/pkg/statsapi"
)

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the paasd daemon, stats dashboard, and telemetry pipeline in the foreground",
	RunE:  runServerStart,
}

func init() {
	serverStartCmd.Flags().String("daemon-addr", "127.0.0.1:8022", "Daemon HTTP API listen address")
	serverStartCmd.Flags().String("stats-addr", "127.0.0.1:8023", "Stats HTTP API listen address")
	serverStartCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Self-observability /metrics, /health, /ready, /live listen address")
	serverStartCmd.Flags().String("ingest-addr", "127.0.0.1:8125", "UDP ingest listen address")
	serverStartCmd.Flags().String("container-binary", container.DefaultBinary, "Container runtime CLI to shell out to")
	serverStartCmd.Flags().Float64("push-rate-limit", 2, "Per-client requests/second allowed against /push and /status (0 disables)")
	serverStartCmd.Flags().Int("push-rate-burst", 5, "Per-client token bucket burst for /push and /status")
}

func runServerStart(cmd *cobra.Command, args []string) error {
	dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")
	daemonAddr, _ := cmd.Flags().GetString("daemon-addr")
	statsAddr, _ := cmd.Flags().GetString("stats-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	ingestAddr, _ := cmd.Flags().GetString("ingest-addr")
	containerBinary, _ := cmd.Flags().GetString("container-binary")
	pushRateLimit, _ := cmd.Flags().GetFloat64("push-rate-limit")
	pushRateBurst, _ := cmd.Flags().GetInt("push-rate-burst")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	deployCacheDir := filepath.Join(dataDir, "deploy_cache")
	statsDBDir := filepath.Join(dataDir, "stats")

	cfg, err := config.Load(filepath.Join(dataDir, "config.toml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	authenticator := auth.New(filepath.Join(dataDir, "authorized_keys"))
	driver := container.New(containerBinary)
	orchestrator := deploy.New(driver)

	statsCollector, err := collector.New(statsDBDir, 60)
	if err != nil {
		return fmt.Errorf("failed to open telemetry store: %w", err)
	}
	defer statsCollector.Close()

	ingestListener, err := ingest.Listen(ingestAddr, statsCollector)
	if err != nil {
		return fmt.Errorf("failed to bind UDP ingest: %w", err)
	}
	defer ingestListener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := ingestListener.Serve(ctx); err != nil {
			log.Errorf("ingest: listener stopped", err)
		}
	}()
	log.Info("UDP ingest listening on " + ingestAddr)

	telemetry, err := daemon.NewTelemetryProducer(ingestAddr)
	if err != nil {
		return fmt.Errorf("failed to start telemetry producer: %w", err)
	}
	go telemetry.Run(ctx)

	daemonServer := daemon.NewServer(authenticator, driver, orchestrator, cfg.Env, deployCacheDir, pushRateLimit, pushRateBurst)
	statsServer := statsapi.NewServer(statsCollector)
	statsServer.DaemonURL = "http://" + daemonAddr

	metricsCollector := metrics.NewCollector(driver)
	metricsCollector.Start()
	defer metricsCollector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("itemstore", true, "ready")
	metrics.RegisterComponent("container", true, "ready")
	metrics.RegisterComponent("daemon", false, "starting")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/health", metrics.HealthHandler())
	metricsMux.Handle("/ready", metrics.ReadyHandler())
	metricsMux.Handle("/live", metrics.LivenessHandler())
	metricsHTTP := &http.Server{Addr: metricsAddr, Handler: metricsMux}

	daemonHTTP := &http.Server{Addr: daemonAddr, Handler: daemonServer.Handler()}
	statsHTTP := &http.Server{Addr: statsAddr, Handler: statsServer.Handler()}

	errCh := make(chan error, 3)
	go func() { errCh <- serveOrNil(metricsHTTP) }()
	go func() { errCh <- serveOrNil(daemonHTTP) }()
	go func() { errCh <- serveOrNil(statsHTTP) }()

	time.Sleep(100 * time.Millisecond)
	metrics.RegisterComponent("daemon", true, "ready")

	fmt.Printf("paasd daemon listening on http://%s\n", daemonAddr)
	fmt.Printf("paasd stats dashboard listening on http://%s\n", statsAddr)
	fmt.Printf("metrics/health endpoints listening on http://%s\n", metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nserver error: %v\n", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = daemonHTTP.Shutdown(shutdownCtx)
	_ = statsHTTP.Shutdown(shutdownCtx)
	_ = metricsHTTP.Shutdown(shutdownCtx)

	fmt.Println("✓ Shutdown complete")
	return nil
}

func serveOrNil(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
