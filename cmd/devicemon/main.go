// Command devicemon watches and drives attached Android devices through the
// androidmonitor backend. It falls back to demo data when the backend is
// unreachable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"androidmonitor/bridge"
	"androidmonitor/config"
	"androidmonitor/monitor"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configFlag  string
	backendFlag string
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "devicemon",
	Short: "Monitor and control attached Android devices",
	Long: `devicemon keeps a live view of the devices known to the androidmonitor
backend and sends commands to it.

Examples:
  devicemon watch
  devicemon connect R58M123ABCDEF
  devicemon fps R58M123ABCDEF 60`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default ./"+config.FileName+")")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "backend URL (overrides client.backend_url)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log bridge activity to stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verboseFlag {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).With().Timestamp().Logger()
}

// session is one monitor bound to the configured backend.
type session struct {
	mon    *monitor.Monitor
	logger zerolog.Logger
}

// openSession loads config, builds the bridge and starts a monitor. With
// push false no websocket subscription is made.
func openSession(ctx context.Context, push bool) (*session, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	if backendFlag != "" {
		cfg.Client.BackendURL = backendFlag
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger := newLogger()

	adapter := bridge.NewAdapter(
		bridge.NewHTTPBackend(cfg.Client.BackendURL, nil),
		logger,
		bridge.WithCallTimeout(cfg.Client.CallTimeout),
		bridge.WithProbeTimeout(cfg.Client.ProbeTimeout),
	)
	var events bridge.EventSource
	if push {
		events = bridge.NewWSEvents(cfg.Client.BackendURL, logger)
	}
	mon := monitor.New(monitor.Config{
		PollInterval:   cfg.Client.PollInterval,
		Debounce:       cfg.Client.Debounce,
		ConnectTimeout: cfg.Client.ConnectTimeout,
	}, adapter, events, logger)

	if err := mon.Start(ctx); err != nil {
		return nil, err
	}
	if mon.Demo() {
		fmt.Fprintln(os.Stderr, bannerStyle.Render("Backend unreachable at "+cfg.Client.BackendURL+", showing demo data"))
	}
	return &session{mon: mon, logger: logger}, nil
}

func (s *session) Close() { s.mon.Close() }

// withSession runs fn on a started monitor without push updates.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
