package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dbehnke/ptt-trunk/pkg/call"
	"github.com/dbehnke/ptt-trunk/pkg/config"
	"github.com/dbehnke/ptt-trunk/pkg/database"
	"github.com/dbehnke/ptt-trunk/pkg/logger"
	"github.com/dbehnke/ptt-trunk/pkg/metrics"
	"github.com/dbehnke/ptt-trunk/pkg/network"
	"github.com/dbehnke/ptt-trunk/pkg/subscriber"
	"github.com/dbehnke/ptt-trunk/pkg/trunk"
	"github.com/dbehnke/ptt-trunk/pkg/web"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("PTT-Trunk %s (%s, built %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate only mode
	if *validate {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	log, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	log.Info("Starting PTT-Trunk",
		logger.String("version", version),
		logger.String("build_time", buildTime),
		logger.String("config_file", *configFile))
	web.SetVersionInfo(version, commit, buildTime)

	if err := run(cfg, log); err != nil {
		log.Error("PTT-Trunk failed", logger.Error(err))
		os.Exit(1)
	}
	log.Info("PTT-Trunk stopped")
}

func newLogger(cfg config.LoggingConfig) (*logger.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closeFn = func() { _ = f.Close() }
	}
	return logger.New(logger.Config{Level: cfg.Level, Format: cfg.Format, Output: out}), closeFn, nil
}

func run(cfg *config.Config, log *logger.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Membership store: configuration first, then anything the database adds
	subscribers := subscriber.NewDatabase()
	trunk.Provision(subscribers, cfg.Provisioning)

	var repo *database.ProvisioningRepository
	if cfg.Database.Enabled {
		db, err := database.NewDB(database.Config{Path: cfg.Database.Path}, log)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		repo = db.Provisioning()
		if err := repo.ImportConfig(cfg.Provisioning); err != nil {
			return fmt.Errorf("import provisioning: %w", err)
		}
		if err := repo.LoadInto(subscribers); err != nil {
			return err
		}
	}
	subs, groups, _ := subscribers.Counts()
	log.Info("Provisioning loaded",
		logger.Int("subscribers", subs),
		logger.Int("groups", groups))

	// Initialize wait group for goroutines
	var wg sync.WaitGroup

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector()

	server := network.NewServer(cfg.Network, nil, log)
	manager := trunk.NewManager(subscribers, server, trunk.Config{
		Timing: call.Timing{
			PacketInterval: cfg.Call.PacketInterval(),
			FlywheelPeriod: cfg.Call.FlywheelPeriod(),
			HangRepeats:    cfg.Call.HangRepeats,
		},
		IdleTimeout:     cfg.Call.IdleTimeout,
		CleanupInterval: cfg.Call.CleanupInterval,
	}, log)
	server.WithHandler(manager)

	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(cfg.Web, manager, subscribers, log)
	}

	obs := &observers{
		log:     log.WithComponent("events"),
		metrics: metricsCollector,
		repo:    repo,
	}
	if webServer != nil {
		obs.hub = webServer.GetHub()
	}
	manager.WithHooks(obs.hooks())

	// Start Prometheus metrics server if enabled
	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metricsServer := metrics.NewPrometheusServer(
				metrics.PrometheusConfig{
					Enabled: cfg.Metrics.Prometheus.Enabled,
					Port:    cfg.Metrics.Prometheus.Port,
					Path:    cfg.Metrics.Prometheus.Path,
				},
				metricsCollector,
				log,
			)
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Prometheus metrics server error", logger.Error(err))
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			pollTransport(ctx, server, metricsCollector)
		}()
	}

	// Start web server if enabled
	if webServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webServer.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Web server error", logger.Error(err))
			}
		}()
	}

	// Idle processor reaper
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = manager.Run(ctx)
	}()

	// UDP transport
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil && err != context.Canceled {
			serverErr <- err
		}
	}()

	log.Info("PTT-Trunk initialized",
		logger.String("server_name", cfg.Server.Name),
		logger.String("listen", fmt.Sprintf("%s:%d", cfg.Network.IP, cfg.Network.Port)))

	// Wait for shutdown signal or a transport failure
	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal",
			logger.String("signal", sig.String()))
	case runErr = <-serverErr:
	}

	// Cancel context to trigger graceful shutdown
	cancel()

	// Wait for all components to stop
	wg.Wait()
	manager.Close()

	return runErr
}

// pollTransport copies the socket byte counters into the collector
func pollTransport(ctx context.Context, server *network.Server, c *metrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := server.Stats()
			c.SetTransferred(st.BytesReceived, st.BytesSent)
		}
	}
}
