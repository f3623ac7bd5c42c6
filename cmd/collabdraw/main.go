package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/collabdraw/internal/config"
	"github.com/cortexuvula/collabdraw/internal/health"
	"github.com/cortexuvula/collabdraw/internal/imageinfo"
	"github.com/cortexuvula/collabdraw/internal/logging"
	"github.com/cortexuvula/collabdraw/internal/logring"
	"github.com/cortexuvula/collabdraw/internal/metrics"
	"github.com/cortexuvula/collabdraw/internal/room"
	"github.com/cortexuvula/collabdraw/internal/security"
	"github.com/cortexuvula/collabdraw/internal/server"
	"github.com/cortexuvula/collabdraw/internal/session"
	"github.com/cortexuvula/collabdraw/internal/setup"
	"github.com/cortexuvula/collabdraw/internal/store"
	"github.com/cortexuvula/collabdraw/internal/video"
	"github.com/cortexuvula/collabdraw/internal/workers"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabdraw",
		Short: "Realtime shared whiteboard server",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("collabdraw %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s%s\n", cfg.Server.ListenAddress, cfg.Server.WebsocketPath)
			fmt.Printf("  Store: %s %s\n", cfg.Store.Backend, cfg.Store.Address)
			fmt.Printf("  Images: %s\n", cfg.Images.RootDir)
			fmt.Printf("  Video: %v\n", cfg.Video.Enabled)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	renderCmd := &cobra.Command{
		Use:   "render ROOM PAGE",
		Short: "Render the stroke log of one page to a video and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.Atoi(args[1])
			if err != nil || page < 1 {
				return fmt.Errorf("invalid page %q", args[1])
			}
			return renderOnce(configPath, room.Key{Room: args[0], Page: page})
		},
	}
	renderCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/collabdraw/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, renderCmd, healthCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	lj := logging.Setup(cfg.Logging)
	if lj != nil {
		defer lj.Close()
	}

	var recent *logring.Ring
	if cfg.Monitoring.RecentLogs > 0 {
		recent = logring.New(cfg.Monitoring.RecentLogs)
		slog.SetDefault(slog.New(logring.Wrap(slog.Default().Handler(), recent)))
	}

	slog.Info("starting collabdraw",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"store", cfg.Store.Backend,
		"health", cfg.Health.ListenAddress,
	)

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	backend, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer backend.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Store.DialTimeout)
	if err := backend.Ping(pingCtx); err != nil {
		// Sessions degrade per operation; the server still starts.
		slog.Warn("store not reachable at startup", "address", cfg.Store.Address, "error", err)
	}
	pingCancel()

	strokes := store.NewStrokeStore(backend, cfg.Store.OpTimeout, m)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	pool := workers.NewPool(shutdownCtx)
	hub := room.NewHub(room.NewRegistry(), backend, pool, cfg.Rooms.BridgeIdleGrace, m)
	images := imageinfo.NewReader(cfg.Images)

	deps := session.Deps{
		Hub:     hub,
		Store:   strokes,
		Images:  images,
		Metrics: m,
	}
	if cfg.Video.Enabled {
		encoder := video.FFmpeg{Path: cfg.Video.FFmpegPath, FrameRate: cfg.Video.FrameRate}
		deps.Videos = video.NewRenderer(cfg.Video, strokes, encoder, pool, m)
		slog.Info("video rendering enabled", "output_dir", cfg.Video.OutputDir, "max_concurrent", cfg.Video.MaxConcurrent)
	}

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		rl = security.NewRateLimiter(security.PerMinute(cfg.Security.RateLimit.ConnectionsPerMinute))
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
			"messages_per_second", cfg.Security.RateLimit.MessagesPerSecond,
		)
	}

	tracker := server.NewTracker()
	srv := server.New(cfg, server.Options{
		Deps:        deps,
		Tracker:     tracker,
		RateLimiter: rl,
		Metrics:     m,
		FilesDir:    images.FilesDir(),
		ShutdownCtx: shutdownCtx,
	})

	realtimeServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(tracker, strokes, Version, cfg.Health.Detailed)
		healthHandler.SetBridges(hub)
		if m != nil {
			healthHandler.SetMetrics(m)
		}
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)

		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}
		if recent != nil {
			healthMux.Handle(cfg.Monitoring.LogsEndpoint, recent)
		}

		healthServer = &http.Server{
			Addr:              cfg.Health.ListenAddress,
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("realtime server listening", "address", cfg.Server.ListenAddress, "path", cfg.Server.WebsocketPath)
		if err := realtimeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("realtime server error", "error", err)
		}
	}()

	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Watchdog heartbeat every 15s for a 30s WatchdogSec.
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}

			for _, w := range config.IsReloadSafe(cfg, newCfg) {
				slog.Warn("config reload warning", "warning", w)
			}

			cfg = cfg.ApplyReloadableFields(newCfg)
			if verbose {
				cfg.Logging.Level = "debug"
			}
			srv.UpdateConfig(cfg)

			if cfg.Security.RateLimit.Enabled && rl != nil {
				rl.UpdateRate(security.PerMinute(cfg.Security.RateLimit.ConnectionsPerMinute))
			}
			logging.SetLevel(cfg.Logging.Level)

			slog.Info("config reloaded successfully", "log_level", logging.Level().String())

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
			defer cancel()

			var wg sync.WaitGroup
			if healthServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					healthServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				realtimeServer.Shutdown(ctx)
			}()

			// Upgraded connections are not tracked by http.Server.
			srv.StartDrain()
			if err := srv.Wait(ctx); err != nil {
				slog.Warn("connections still open after drain timeout", "active", tracker.ActiveConnections())
			}
			wg.Wait()

			shutdownCancel()
			if err := pool.Shutdown(ctx); err != nil {
				slog.Warn("background work did not finish", "active", pool.Active(), "error", err)
			}
			hub.Close()

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

// renderOnce renders one page synchronously using the configured store and
// encoder.
func renderOnce(configPath string, key room.Key) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	lj := logging.Setup(cfg.Logging)
	if lj != nil {
		defer lj.Close()
	}

	backend, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer backend.Close()

	strokes := store.NewStrokeStore(backend, cfg.Store.OpTimeout, nil)
	encoder := video.FFmpeg{Path: cfg.Video.FFmpegPath, FrameRate: cfg.Video.FrameRate}
	renderer := video.NewRenderer(cfg.Video, strokes, encoder, nil, nil)

	res, err := renderer.Render(context.Background(), key)
	if err != nil {
		return fmt.Errorf("rendering %s: %w", key, err)
	}
	fmt.Printf("%s: %d frames in %s\n", res.Output, res.Frames, res.Elapsed.Round(time.Millisecond))
	return nil
}

func checkHealth(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=collabdraw - Realtime Whiteboard Server
After=network-online.target redis.service
Wants=network-online.target

[Service]
Type=notify
User=collabdraw
Group=collabdraw
ExecStartPre=/usr/local/bin/collabdraw validate --config /etc/collabdraw/config.yaml
ExecStart=/usr/local/bin/collabdraw start --config /etc/collabdraw/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/collabdraw
LogsDirectory=collabdraw
StateDirectory=collabdraw
LimitNOFILE=65535

# Video frames are written under the state directory
MemoryMax=512M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=collabdraw

[Install]
WantedBy=multi-user.target
`)
}
