package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"androidmonitor/adb"
	"androidmonitor/api"
	"androidmonitor/bridge"
	"androidmonitor/config"
	"androidmonitor/models"
	"androidmonitor/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// setupLogging creates a log file in the log directory with timestamp
// Returns the logger and the log file handle (caller should defer Close())
func setupLogging(logDir string, level zerolog.Level) (zerolog.Logger, *os.File, error) {
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	base := func(w io.Writer) zerolog.Logger {
		return zerolog.New(w).Level(level).With().Timestamp().Logger()
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return base(console), nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// log/2025-12-08_21-52-35.log
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return base(console), nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := base(zerolog.MultiLevelWriter(console, logFile))
	logger.Info().Str("path", logPath).Msg("Logging to file")
	return logger, logFile, nil
}

func main() {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:           "androidmonitor",
		Short:         "Android device monitoring backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, debug)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ./"+config.FileName+")")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger, logFile, err := setupLogging(cfg.Server.LogDir, level)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to setup file logging")
	} else {
		defer logFile.Close()
	}

	logger.Info().Str("version", bridge.ProtocolVersion).Msg("Starting Android Monitor Backend")

	db, err := config.InitDatabase(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	adbClient := adb.NewClient(cfg.Server.ADBPath)
	windows := service.NewWindowManager(
		service.ScrcpyLauncher{Path: cfg.Server.ScrcpyPath},
		service.WindowOptions{
			Bitrate:     service.DefaultWindowOptions().Bitrate,
			StayAwake:   cfg.Server.Window.StayAwake,
			Borderless:  cfg.Server.Window.Borderless,
			AlwaysOnTop: cfg.Server.Window.AlwaysOnTop,
		},
		logger,
	)
	deviceManager := service.NewDeviceManager(adbClient, windows, service.ManagerConfig{
		WatchInterval:  cfg.Server.WatchInterval,
		ConnectTimeout: cfg.Server.ConnectTimeout,
		MaxStreams:     cfg.Server.MaxStreams,
	}, logger)

	settings := service.NewSettingsService(config.NewSettingsStore(db), deviceManager, logger)
	if err := settings.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load settings, using defaults")
	}

	// Initialize WebSocket hub
	wsHub := api.NewWebSocketHub(logger)
	go wsHub.Run(ctx)

	deviceManager.OnChange(func(devices []models.Device) {
		if err := wsHub.Broadcast(bridge.EventDevicesChanged, bridge.DevicesChanged{Devices: devices}); err != nil {
			logger.Error().Err(err).Msg("Failed to broadcast device list")
		}
	})

	if err := deviceManager.Start(ctx); err != nil {
		return err
	}
	defer deviceManager.Stop()

	// Setup HTTP server
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger))
	api.SetupRoutes(router, api.NewBridgeHandler(deviceManager, settings, logger), wsHub)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
