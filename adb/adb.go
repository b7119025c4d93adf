package adb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"androidmonitor/models"
)

// DefaultTimeout bounds a single adb invocation.
const DefaultTimeout = 5 * time.Second

// Runner executes name with args and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// DetectedDevice is one line of `adb devices -l`.
type DetectedDevice struct {
	Serial    string
	Model     string
	Status    models.AdbStatus
	Transport string // "usb" or "tcp"
}

// Client wraps ADB command execution
type Client struct {
	Path    string
	Timeout time.Duration
	run     Runner
}

// NewClient creates a client that shells out to the adb binary at path.
func NewClient(path string) *Client {
	return NewClientWithRunner(path, execRunner)
}

// NewClientWithRunner creates a client with a custom command runner.
func NewClientWithRunner(path string, run Runner) *Client {
	if path == "" {
		path = "adb" // Assumes ADB is in PATH
	}
	return &Client{Path: path, Timeout: DefaultTimeout, run: run}
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// ListDevices returns every device adb knows about, whatever its state.
func (c *Client) ListDevices(ctx context.Context) ([]DetectedDevice, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	output, err := c.run(ctx, c.Path, "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return ParseDeviceList(string(output)), nil
}

// ParseDeviceList parses the output of 'adb devices -l'.
// Daemon chatter ("* daemon started successfully") and the header are skipped.
func ParseDeviceList(output string) []DetectedDevice {
	var devices []DetectedDevice
	seen := make(map[string]bool)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of") || strings.HasPrefix(line, "*") {
			continue
		}

		// Expected format: <serial> <state> [device info]
		parts := strings.Fields(line)
		if len(parts) < 2 || seen[parts[0]] {
			continue
		}
		serial := parts[0]
		seen[serial] = true

		device := DetectedDevice{
			Serial:    serial,
			Model:     "Unknown",
			Status:    parseState(parts[1:]),
			Transport: "usb",
		}
		if isWiFiConnection(serial) {
			device.Transport = "tcp"
		}

		for _, part := range parts[2:] {
			if model, ok := strings.CutPrefix(part, "model:"); ok && model != "" {
				device.Model = strings.ReplaceAll(model, "_", " ")
			}
		}
		devices = append(devices, device)
	}
	return devices
}

// parseState reads the state word, which adb prints as two words for
// "no permissions".
func parseState(fields []string) models.AdbStatus {
	if fields[0] == "no" && len(fields) > 1 && fields[1] == "permissions" {
		return models.AdbUnauthorized
	}
	return models.ParseAdbStatus(fields[0])
}

// isWiFiConnection checks if the device ID is a WiFi connection (IP:port format)
func isWiFiConnection(serial string) bool {
	return strings.Contains(serial, ":")
}
