package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

var (
	ErrWindowOpen     = errors.New("window already open")
	ErrWindowNotFound = errors.New("window not found")
)

const (
	// defaultStartupDelay is how long a window process must stay up before it
	// counts as running.
	defaultStartupDelay = time.Second
	stopGrace           = 3 * time.Second

	// Cascade layout for new windows.
	windowOriginX = 50
	windowOriginY = 50
	windowWidth   = 320
	windowGap     = 10
	windowWrapX   = 1400
	windowRowStep = 500
)

// WindowState represents the lifecycle state of a device mirroring window
type WindowState int

const (
	WindowClosed   WindowState = iota // No process
	WindowStarting                    // Process launched, not yet settled
	WindowRunning                     // Mirroring
	WindowError                       // Process exited during startup
)

func (s WindowState) String() string {
	return [...]string{"closed", "starting", "running", "error"}[s]
}

// WindowOptions are the global mirroring flags applied to every new window.
type WindowOptions struct {
	Bitrate     int // Mbps
	StayAwake   bool
	Borderless  bool
	AlwaysOnTop bool
}

func DefaultWindowOptions() WindowOptions {
	return WindowOptions{Bitrate: 4, StayAwake: true}
}

// LaunchSpec describes one scrcpy window.
type LaunchSpec struct {
	Serial  string
	Title   string
	FPS     int
	MaxSize int
	X, Y    int
	WindowOptions
}

// Args renders the scrcpy command line.
func (s LaunchSpec) Args() []string {
	args := []string{
		"-s", s.Serial,
		"--max-fps", strconv.Itoa(s.FPS),
		"--window-title", s.Title,
		"--window-x", strconv.Itoa(s.X),
		"--window-y", strconv.Itoa(s.Y),
	}
	if s.MaxSize > 0 {
		args = append(args, "--max-size", strconv.Itoa(s.MaxSize))
	}
	if s.Bitrate > 0 {
		args = append(args, "--video-bit-rate", fmt.Sprintf("%dM", s.Bitrate))
	}
	if s.StayAwake {
		args = append(args, "--stay-awake")
	}
	if s.Borderless {
		args = append(args, "--window-borderless")
	}
	if s.AlwaysOnTop {
		args = append(args, "--always-on-top")
	}
	return args
}

// Process is a launched mirroring window.
type Process interface {
	PID() int
	// Wait blocks until the process exits.
	Wait() error
	Stop() error
}

// Launcher starts mirroring windows.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ScrcpyLauncher runs the scrcpy binary.
type ScrcpyLauncher struct {
	Path string
}

func (l ScrcpyLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.Path
	if path == "" {
		path = "scrcpy"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("scrcpy not found: %w", err)
	}

	p := &execProcess{cmd: exec.Command(resolved, spec.Args()...), done: make(chan struct{})}
	p.cmd.Stderr = &p.stderr
	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scrcpy: %w", err)
	}
	go func() {
		err := p.cmd.Wait()
		if err != nil {
			if line := lastLine(p.stderr.String()); line != "" {
				err = fmt.Errorf("%w: %s", err, line)
			}
		}
		p.err = err
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr bytes.Buffer
	done   chan struct{}
	err    error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(stopGrace):
		return p.cmd.Process.Kill()
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// window holds the device-scoped process state
type window struct {
	deviceID  string
	proc      Process
	startedAt time.Time

	mu    sync.Mutex
	state WindowState
}

func (w *window) setState(s WindowState) (changed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == s {
		return false
	}
	w.state = s
	return true
}

// transition moves the window from one state to another, failing when it
// has already left from.
func (w *window) transition(from, to WindowState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return false
	}
	w.state = to
	return true
}

func (w *window) active() bool {
	s := w.getState()
	return s == WindowStarting || s == WindowRunning
}

func (w *window) getState() WindowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// WindowStateFunc is told about state changes of windows that were not
// closed through the manager.
type WindowStateFunc func(deviceID string, state WindowState, err error)

// WindowManager owns one mirroring window per device.
type WindowManager struct {
	launcher     Launcher
	windows      cmap.ConcurrentMap[string, *window]
	startupDelay time.Duration

	mu           sync.Mutex
	opts         WindowOptions
	nextX, nextY int
	onState      WindowStateFunc

	logger zerolog.Logger
}

func NewWindowManager(launcher Launcher, opts WindowOptions, logger zerolog.Logger) *WindowManager {
	return &WindowManager{
		launcher:     launcher,
		windows:      cmap.New[*window](),
		startupDelay: defaultStartupDelay,
		opts:         opts,
		nextX:        windowOriginX,
		nextY:        windowOriginY,
		logger:       logger.With().Str("component", "window_manager").Logger(),
	}
}

// OnStateChanged registers the callback for window state changes.
func (m *WindowManager) OnStateChanged(fn WindowStateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *WindowManager) Options() WindowOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// SetOptions changes the flags used for windows opened from now on.
func (m *WindowManager) SetOptions(opts WindowOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = opts
}

// OpenRequest identifies the device and stream settings for a new window.
type OpenRequest struct {
	DeviceID string
	Model    string
	FPS      int
	MaxSize  int
}

// Open launches a window for the device and returns its process id. The
// window reports running once the process has survived the startup delay.
func (m *WindowManager) Open(ctx context.Context, req OpenRequest) (int, error) {
	if w, ok := m.windows.Get(req.DeviceID); ok && w.active() {
		return 0, ErrWindowOpen
	}

	spec := m.nextSpec(req)
	proc, err := m.launcher.Launch(ctx, spec)
	if err != nil {
		m.logger.Error().Err(err).Str("device", req.DeviceID).Msg("Window launch failed")
		return 0, err
	}

	w := &window{deviceID: req.DeviceID, proc: proc, startedAt: time.Now(), state: WindowStarting}
	opened := false
	m.windows.Upsert(req.DeviceID, w, func(exist bool, old, nw *window) *window {
		if exist && old.active() {
			return old
		}
		opened = true
		return nw
	})
	if !opened {
		// Lost a race with another Open for the same device.
		proc.Stop()
		return 0, ErrWindowOpen
	}

	m.logger.Info().Str("device", req.DeviceID).Int("pid", proc.PID()).
		Int("x", spec.X).Int("y", spec.Y).Msg("Window starting")
	go m.watch(w)
	return proc.PID(), nil
}

func (m *WindowManager) nextSpec(req OpenRequest) LaunchSpec {
	m.mu.Lock()
	defer m.mu.Unlock()

	short := req.DeviceID
	if len(short) > 8 {
		short = short[:8] + "..."
	}
	spec := LaunchSpec{
		Serial:        req.DeviceID,
		Title:         fmt.Sprintf("%s (%s)", req.Model, short),
		FPS:           req.FPS,
		MaxSize:       req.MaxSize,
		X:             m.nextX,
		Y:             m.nextY,
		WindowOptions: m.opts,
	}

	m.nextX += windowWidth + windowGap
	if m.nextX > windowWrapX {
		m.nextX = windowOriginX
		m.nextY += windowRowStep
	}
	return spec
}

// watch follows one process from launch to exit.
func (m *WindowManager) watch(w *window) {
	exited := make(chan error, 1)
	go func() { exited <- w.proc.Wait() }()

	timer := time.NewTimer(m.startupDelay)
	defer timer.Stop()

	select {
	case err := <-exited:
		if err == nil {
			err = errors.New("scrcpy exited during startup")
		}
		if w.transition(WindowStarting, WindowError) {
			m.logger.Warn().Err(err).Str("device", w.deviceID).Msg("Window failed to start")
			m.emit(w, WindowError, err)
		}
		return
	case <-timer.C:
	}

	if w.transition(WindowStarting, WindowRunning) {
		m.emit(w, WindowRunning, nil)
	}

	err := <-exited
	if w.setState(WindowClosed) {
		m.logger.Info().Str("device", w.deviceID).Dur("uptime", time.Since(w.startedAt)).Msg("Window closed")
		m.emit(w, WindowClosed, err)
	}
}

// emit notifies only for the device's current window.
func (m *WindowManager) emit(w *window, state WindowState, err error) {
	if current, ok := m.windows.Get(w.deviceID); !ok || current != w {
		return
	}
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(w.deviceID, state, err)
	}
}

// Close stops the device's window. No state callback fires for it.
func (m *WindowManager) Close(deviceID string) error {
	w, ok := m.windows.Pop(deviceID)
	if !ok {
		return ErrWindowNotFound
	}
	w.setState(WindowClosed)
	if err := w.proc.Stop(); err != nil {
		m.logger.Warn().Err(err).Str("device", deviceID).Msg("Window stop failed")
		return err
	}
	m.logger.Info().Str("device", deviceID).Msg("Window closed")
	return nil
}

// CloseAll stops every window, resets the cascade and returns how many
// windows were open.
func (m *WindowManager) CloseAll() int {
	count := 0
	for _, id := range m.windows.Keys() {
		if w, ok := m.windows.Get(id); ok && w.active() {
			count++
		}
		m.Close(id)
	}

	m.mu.Lock()
	m.nextX, m.nextY = windowOriginX, windowOriginY
	m.mu.Unlock()
	return count
}

// State reports the window state of a device; WindowClosed when it has none.
func (m *WindowManager) State(deviceID string) WindowState {
	if w, ok := m.windows.Get(deviceID); ok {
		return w.getState()
	}
	return WindowClosed
}

// IsOpen reports whether a window is starting or running for the device.
func (m *WindowManager) IsOpen(deviceID string) bool {
	w, ok := m.windows.Get(deviceID)
	return ok && w.active()
}

// PID returns the process id of the device's window.
func (m *WindowManager) PID(deviceID string) (int, bool) {
	w, ok := m.windows.Get(deviceID)
	if !ok {
		return 0, false
	}
	return w.proc.PID(), true
}
