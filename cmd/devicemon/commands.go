package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"androidmonitor/config"
	"androidmonitor/models"
	"androidmonitor/monitor"

	"github.com/spf13/cobra"
)

// Command-specific flags
var (
	settingsFPS         int
	settingsMaxSize     int
	settingsBitrate     int
	settingsAutoConnect string
	settingsAutoPreview string
	configureFPS        int
	configureMaxSize    int
	initConfigForce     bool
)

var errCommandFailed = errors.New("command failed")

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show the device list and redraw it on every change",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		banner := s.mon.Banner
		banner.OnChange(func(n *monitor.Notice) {
			if n == nil && banner.Active() {
				fmt.Println(mutedStyle.Render("Notice dismissed"))
				return
			}
			fmt.Println(renderNotice(n))
		})
		go dismissOnEnter(ctx, os.Stdin, banner)

		cancel := s.mon.Subscribe(func(snap monitor.Snapshot) {
			fmt.Println(renderSnapshot(snap, s.mon.Demo()))
			fmt.Println()
		})
		defer cancel()

		<-ctx.Done()
		return nil
	},
}

// dismissOnEnter hides the poll-failure notice each time a line is read from
// r. It returns at EOF or once ctx is done.
func dismissOnEnter(ctx context.Context, r io.Reader, banner *monitor.Banner) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		banner.Dismiss()
	}
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Print the current device list",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			fmt.Println(renderSnapshot(s.mon.Store.Snapshot(), s.mon.Demo()))
			return nil
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Ask the backend to re-enumerate devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			snap, err := s.mon.Refresh(ctx)
			if err != nil {
				return err
			}
			fmt.Println(renderSnapshot(snap, s.mon.Demo()))
			return nil
		})
	},
}

// deviceCommand builds a command taking a single device id.
func deviceCommand(use, short string, send func(*monitor.Gateway, context.Context, string) (models.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <device-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				return report(send(s.mon.Gateway, ctx, args[0]))
			})
		},
	}
}

// globalCommand builds a command acting on every device.
func globalCommand(use, short string, send func(*monitor.Gateway, context.Context) (models.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				return report(send(s.mon.Gateway, ctx))
			})
		},
	}
}

func report(res models.Result, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(renderResult(res))
	if !res.Success {
		return errCommandFailed
	}
	return nil
}

func intArg(name, raw string) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, models.NewError(models.KindValidation, name, fmt.Sprintf("%q is not a number", raw))
	}
	return v, nil
}

var fpsCmd = &cobra.Command{
	Use:   "fps <device-id> <fps>",
	Short: fmt.Sprintf("Set the stream frame rate (%d-%d)", models.MinFPS, models.MaxFPS),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fps, err := intArg("fps", args[1])
		if err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			return report(s.mon.Gateway.SetFPS(ctx, args[0], fps))
		})
	},
}

var sizeCmd = &cobra.Command{
	Use:   "size <device-id> <max-size>",
	Short: "Set the stream max size (0 keeps the original resolution)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := intArg("max_size", args[1])
		if err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			return report(s.mon.Gateway.SetSize(ctx, args[0], size))
		})
	},
}

var configureCmd = &cobra.Command{
	Use:   "configure <device-id>",
	Short: "Set frame rate and max size of one device in a single restart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fps, size *int
		if cmd.Flags().Changed("fps") {
			fps = models.IntPtr(configureFPS)
		}
		if cmd.Flags().Changed("size") {
			size = models.IntPtr(configureMaxSize)
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			return report(s.mon.Gateway.SetSettings(ctx, args[0], fps, size))
		})
	},
}

func parseBoolFlag(name, raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, models.NewError(models.KindValidation, name, fmt.Sprintf("%q is not a boolean", raw))
	}
	return &v, nil
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or update the global settings",
	Long: `Without flags, print the global settings. With flags, update them.

Examples:
  devicemon settings
  devicemon settings --fps 60 --bitrate 8
  devicemon settings --auto-connect=true`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch models.SettingsPatch
		if cmd.Flags().Changed("fps") {
			patch.FPS = models.IntPtr(settingsFPS)
		}
		if cmd.Flags().Changed("size") {
			patch.MaxSize = models.IntPtr(settingsMaxSize)
		}
		if cmd.Flags().Changed("bitrate") {
			patch.Bitrate = models.IntPtr(settingsBitrate)
		}
		var err error
		if patch.AutoConnect, err = parseBoolFlag("auto_connect", settingsAutoConnect); err != nil {
			return err
		}
		if patch.AutoPreview, err = parseBoolFlag("auto_preview", settingsAutoPreview); err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			settings := s.mon.Settings()
			if !patch.Empty() {
				if settings, err = s.mon.UpdateSettings(ctx, patch); err != nil {
					return err
				}
			}
			fmt.Println(renderSettings(settings))
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print backend counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			stats, err := s.mon.Gateway.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Println(renderStats(stats))
			return nil
		})
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write the default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.FileName
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !initConfigForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("✓ Wrote " + path))
		return nil
	},
}

func init() {
	settingsCmd.Flags().IntVar(&settingsFPS, "fps", models.DefaultFPS, "default frame rate")
	settingsCmd.Flags().IntVar(&settingsMaxSize, "size", models.DefaultMaxSize, "default max size")
	settingsCmd.Flags().IntVar(&settingsBitrate, "bitrate", 4, "video bitrate in Mbps")
	settingsCmd.Flags().StringVar(&settingsAutoConnect, "auto-connect", "", "connect devices as they come online (true|false)")
	settingsCmd.Flags().StringVar(&settingsAutoPreview, "auto-preview", "", "open previews automatically (true|false)")

	configureCmd.Flags().IntVar(&configureFPS, "fps", models.DefaultFPS, "frame rate")
	configureCmd.Flags().IntVar(&configureMaxSize, "size", models.DefaultMaxSize, "max size")

	initConfigCmd.Flags().BoolVar(&initConfigForce, "force", false, "overwrite an existing file")

	rootCmd.AddCommand(
		watchCmd,
		listCmd,
		refreshCmd,
		deviceCommand("connect", "Start mirroring a device", (*monitor.Gateway).Connect),
		deviceCommand("disconnect", "Stop mirroring a device", (*monitor.Gateway).Disconnect),
		deviceCommand("open", "Open the mirroring window of a device", (*monitor.Gateway).OpenWindow),
		deviceCommand("close", "Close the mirroring window of a device", (*monitor.Gateway).CloseWindow),
		globalCommand("disconnect-all", "Stop mirroring every device", (*monitor.Gateway).DisconnectAll),
		globalCommand("stop-all", "Close every mirroring window", (*monitor.Gateway).StopAll),
		fpsCmd,
		sizeCmd,
		configureCmd,
		settingsCmd,
		statsCmd,
		initConfigCmd,
	)
}
