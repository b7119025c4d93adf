package main

import (
	"fmt"
	"strings"

	"androidmonitor/models"
	"androidmonitor/monitor"

	"github.com/charmbracelet/lipgloss"
)

// Semantic colors for device state
const (
	colorSuccess lipgloss.Color = "2" // Green
	colorError   lipgloss.Color = "1" // Red
	colorWarning lipgloss.Color = "3" // Yellow
	colorInfo    lipgloss.Color = "6" // Cyan
	colorMuted   lipgloss.Color = "8" // Gray
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle  = lipgloss.NewStyle().Foreground(colorError)
	okStyle     = lipgloss.NewStyle().Foreground(colorSuccess)
	bannerStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Border(lipgloss.NormalBorder()).
			BorderForeground(colorWarning).
			Padding(0, 1)
)

type column struct {
	title string
	width int
}

var deviceColumns = []column{
	{"DEVICE", 20},
	{"MODEL", 18},
	{"STATE", 13},
	{"FPS", 5},
	{"SIZE", 6},
	{"ERROR", 0},
}

func stateColor(s models.DeviceState) lipgloss.Color {
	switch s {
	case models.StateStreaming:
		return colorSuccess
	case models.StateConnecting:
		return colorInfo
	case models.StateError:
		return colorError
	case models.StateUnauthorized, models.StateOffline:
		return colorWarning
	default:
		return colorMuted
	}
}

func cell(text string, width int, style lipgloss.Style) string {
	if width == 0 {
		return style.Render(text)
	}
	if lipgloss.Width(text) > width-1 {
		text = text[:width-2] + "…"
	}
	return style.Width(width).Render(text)
}

// renderDevices renders a snapshot as a plain table.
func renderDevices(devices []models.Device) string {
	if len(devices) == 0 {
		return mutedStyle.Render("No devices attached")
	}

	var b strings.Builder
	for _, c := range deviceColumns {
		b.WriteString(cell(c.title, c.width, headerStyle))
	}
	b.WriteString("\n")

	for _, d := range devices {
		size := "orig"
		if d.MaxSize > 0 {
			size = fmt.Sprint(d.MaxSize)
		}
		state := lipgloss.NewStyle().Foreground(stateColor(d.State))
		b.WriteString(cell(d.DeviceID, deviceColumns[0].width, lipgloss.NewStyle()))
		b.WriteString(cell(d.Model, deviceColumns[1].width, lipgloss.NewStyle()))
		b.WriteString(cell(string(d.State), deviceColumns[2].width, state))
		b.WriteString(cell(fmt.Sprint(d.FPS), deviceColumns[3].width, lipgloss.NewStyle()))
		b.WriteString(cell(size, deviceColumns[4].width, lipgloss.NewStyle()))
		b.WriteString(cell(d.ErrorMessage(), deviceColumns[5].width, errorStyle))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSnapshot(s monitor.Snapshot, demo bool) string {
	meta := fmt.Sprintf("generation %d via %s at %s", s.Generation, s.Source, s.AppliedAt.Format("15:04:05"))
	if demo {
		meta += " (demo data, backend unreachable)"
	}
	return renderDevices(s.Devices) + "\n" + mutedStyle.Render(meta)
}

func renderNotice(n *monitor.Notice) string {
	if n == nil {
		return okStyle.Render("Polling recovered")
	}
	return bannerStyle.Render(fmt.Sprintf("Poll failed since %s: %s (Enter to dismiss)", n.Since.Format("15:04:05"), n.Message))
}

func renderResult(r models.Result) string {
	if !r.Success {
		return errorStyle.Render("✗ " + r.Error)
	}
	parts := []string{"✓"}
	if r.Message != "" {
		parts = append(parts, r.Message)
	}
	if r.PID != nil {
		parts = append(parts, fmt.Sprintf("pid=%d", *r.PID))
	}
	if r.FPS != nil {
		parts = append(parts, fmt.Sprintf("fps=%d", *r.FPS))
	}
	if r.MaxSize != nil {
		parts = append(parts, fmt.Sprintf("max_size=%d", *r.MaxSize))
	}
	if r.Count != nil {
		parts = append(parts, fmt.Sprintf("count=%d", *r.Count))
	}
	return okStyle.Render(strings.Join(parts, " "))
}

func renderSettings(s models.GlobalSettings) string {
	rows := [][2]string{
		{"fps", fmt.Sprint(s.FPS)},
		{"max_size", fmt.Sprint(s.MaxSize)},
		{"bitrate", fmt.Sprintf("%d Mbps", s.Bitrate)},
		{"auto_connect", fmt.Sprint(s.AutoConnect)},
		{"auto_preview", fmt.Sprint(s.AutoPreview)},
	}
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(cell(r[0], 14, headerStyle) + r[1] + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderStats(s models.Stats) string {
	running := errorStyle.Render("stopped")
	if s.IsRunning {
		running = okStyle.Render("running")
	}
	return fmt.Sprintf("%s %d devices, %d streaming, backend %s",
		headerStyle.Render("Stats:"), s.DeviceCount, s.StreamingCount, running)
}
