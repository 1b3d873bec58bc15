package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cubigato/gmc-geiger-mqtt/internal/adapters/gmc"
	"github.com/cubigato/gmc-geiger-mqtt/internal/adapters/mqtt"
	"github.com/cubigato/gmc-geiger-mqtt/internal/adapters/observability"
	"github.com/cubigato/gmc-geiger-mqtt/internal/aggregate"
	"github.com/cubigato/gmc-geiger-mqtt/internal/app/bridge"
	"github.com/cubigato/gmc-geiger-mqtt/internal/app/config"
	"github.com/cubigato/gmc-geiger-mqtt/internal/ports"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "read":
		err = readCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "clean":
		err = cleanCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("gmc-geiger-mqtt %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	obs := observability.New(logger, prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startMetricsServer(ctx, cfg.Metrics.Addr, obs)

	dev, err := gmc.NewDevice(cfg.Device, obs)
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if err := dev.Connect(ctx); err != nil {
		return fmt.Errorf("connect device: %w", err)
	}
	defer dev.Close()

	info := dev.Info()
	obs.LogInfo("device_identified",
		ports.Field{Key: "model", Value: info.Model},
		ports.Field{Key: "firmware", Value: info.Version},
		ports.Field{Key: "serial", Value: info.Serial})

	agg, err := aggregate.New(cfg.Sampling.WindowDuration(), cfg.Sampling.ConversionFactor)
	if err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	if !cfg.MQTT.Enabled {
		obs.LogInfo("mqtt_disabled_console_mode")
		return consoleLoop(ctx, dev, agg, obs, cfg.Sampling)
	}

	client := mqtt.NewClient(cfg.MQTT, obs)
	pub := mqtt.NewPublisher(client, cfg.MQTT, obs, info, cfg.Sampling.ConversionFactor)

	if err := client.Connect(ctx, pub.AvailabilityTopic()); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	if err := pub.Startup(ctx); err != nil {
		return fmt.Errorf("publish startup state: %w", err)
	}

	if cfg.MQTT.HomeAssistant.Discovery {
		disc := mqtt.NewDiscovery(client, cfg.MQTT, obs, info, cfg.Sampling.WindowDuration())
		if err := disc.Publish(ctx); err != nil {
			return fmt.Errorf("publish discovery: %w", err)
		}
	}

	b := bridge.New(dev, pub, agg, obs, bridge.Params{
		PollInterval:        cfg.Sampling.IntervalDuration(),
		AggregationInterval: cfg.Sampling.AggregationIntervalDuration(),
	})
	runErr := b.Run(ctx)

	// The run context is gone by now; shutdown gets its own deadline so
	// the retained "offline" still makes it out.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Shutdown(shutdownCtx); err != nil {
		obs.LogError("shutdown_publish_failed", err)
	}
	if err := client.Disconnect(shutdownCtx); err != nil {
		obs.LogError("broker_disconnect_failed", err)
	}

	return runErr
}

// readCommand polls the counter and prints readings to stdout. No
// broker involved, useful for checking wiring and conversion factors.
func readCommand(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	obs := observability.New(logger, prometheus.NewRegistry())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := gmc.NewDevice(cfg.Device, obs)
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if err := dev.Connect(ctx); err != nil {
		return fmt.Errorf("connect device: %w", err)
	}
	defer dev.Close()

	info := dev.Info()
	fmt.Printf("Connected to %s (serial %s)\n", info.String(), info.Serial)

	agg, err := aggregate.New(cfg.Sampling.WindowDuration(), cfg.Sampling.ConversionFactor)
	if err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	return consoleLoop(ctx, dev, agg, obs, cfg.Sampling)
}

// consoleLoop is the broker-less sampling loop shared by the read
// command and mqtt-disabled runs.
func consoleLoop(ctx context.Context, dev ports.Device, agg *aggregate.Aggregator, obs ports.Observability, s config.SamplingConfig) error {
	interval := s.IntervalDuration()
	for {
		r, err := dev.ReadCPM(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			obs.LogError("read_failed", err)
		} else {
			agg.Add(r)
			fmt.Printf("[%s] %d CPM  %.4f µSv/h\n",
				r.Timestamp.Format(time.RFC3339), r.CPM, r.USvPerHour(s.ConversionFactor))
			if agg.ShouldEmit(r.Timestamp, s.AggregationIntervalDuration()) {
				if a, ok := agg.Aggregate(); ok {
					fmt.Printf("[%s] avg %.1f CPM  min %d  max %d  %.4f µSv/h  (%d samples / %s)\n",
						a.Timestamp.Format(time.RFC3339), a.CPMAvg, a.CPMMin, a.CPMMax,
						a.USvHAvg, a.SampleCount, a.Window)
				}
				agg.MarkEmitted(r.Timestamp)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := config.Load(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good ✅\n", *cfgPath)
	return nil
}

// cleanCommand deletes the retained Home Assistant discovery configs
// for a device. Without -device-id it connects to the counter to learn
// the ID; with it, the device can stay unplugged.
func cleanCommand(args []string) error {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to configuration file")
	deviceID := fs.String("device-id", "", "Device ID to clean (skips querying the device)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	obs := observability.New(logger, prometheus.NewRegistry())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := *deviceID
	if id == "" {
		dev, err := gmc.NewDevice(cfg.Device, obs)
		if err != nil {
			return fmt.Errorf("device: %w", err)
		}
		if err := dev.Connect(ctx); err != nil {
			return fmt.Errorf("connect device (pass -device-id to skip): %w", err)
		}
		id = dev.Info().ID()
		dev.Close()
	}

	client := mqtt.NewClient(cfg.MQTT, obs)
	if err := client.Connect(ctx, ""); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer client.Disconnect(context.Background())

	disc := mqtt.NewDiscoveryForID(client, cfg.MQTT, obs, id)
	if err := disc.Remove(ctx); err != nil {
		return fmt.Errorf("remove discovery: %w", err)
	}
	fmt.Printf("removed discovery configs for device %s\n", id)
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		observability.MetricReadings:     0,
		observability.MetricCurrentCPM:          0,
		observability.MetricWindowSize:   0,
		observability.MetricDeviceErrors: 0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] readings=%.0f cpm=%.0f window=%.0f device_errors=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets[observability.MetricReadings],
		targets[observability.MetricCurrentCPM],
		targets[observability.MetricWindowSize],
		targets[observability.MetricDeviceErrors],
	)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func startMetricsServer(ctx context.Context, addr string, obs ports.Observability) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		obs.LogInfo("metrics_listening", ports.Field{Key: "addr", Value: addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.LogError("metrics_server_failed", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func printUsage() {
	fmt.Printf(`gmc-geiger-mqtt

Usage:
  gmc-geiger-mqtt <command> [flags]

Commands:
  run        Poll the counter and publish readings to MQTT
  read       Poll the counter and print readings to stdout (no broker)
  validate   Load and validate a config file without starting anything
  clean      Remove retained Home Assistant discovery configs
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  gmc-geiger-mqtt run -config ./config.yaml
  gmc-geiger-mqtt read -config ./config.yaml
  gmc-geiger-mqtt validate -config ./config.yaml
  gmc-geiger-mqtt clean -config ./config.yaml -device-id 1234567890abcd
  gmc-geiger-mqtt stats -url http://localhost:9100/metrics -interval 1s
`)
}
