package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"androidmonitor/adb"
	"androidmonitor/models"

	"github.com/rs/zerolog"
)

const (
	DefaultWatchInterval  = 2 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxStreams     = 50
)

// Messages carried in failed results.
const (
	msgDeviceNotFound    = "Device not found"
	msgAlreadyStreaming  = "Already streaming"
	msgAlreadyConnecting = "Already connecting"
	msgWindowOpen        = "Window already open"
	msgWindowNotFound    = "Window not found"
	msgConnecting        = "Connecting..."
	msgCancelled         = "Connection cancelled"
)

// DeviceLister enumerates attached devices.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]adb.DetectedDevice, error)
}

// ManagerConfig tunes the device manager.
type ManagerConfig struct {
	WatchInterval  time.Duration
	ConnectTimeout time.Duration
	MaxStreams     int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		WatchInterval:  DefaultWatchInterval,
		ConnectTimeout: DefaultConnectTimeout,
		MaxStreams:     DefaultMaxStreams,
	}
}

type managedDevice struct {
	models.Device
	attempt uint64 // current connect attempt, 0 when none
	timeout *time.Timer
}

func (d *managedDevice) stopTimeout() {
	if d.timeout != nil {
		d.timeout.Stop()
		d.timeout = nil
	}
	d.attempt = 0
}

func (d *managedDevice) active() bool {
	return d.State == models.StateConnecting || d.State == models.StateStreaming
}

// restingState is where a device goes when its mirroring ends.
func (d *managedDevice) restingState() models.DeviceState {
	if d.AdbStatus == models.AdbOnline {
		return models.StateOnline
	}
	return models.StateFromAdb(d.AdbStatus)
}

// DeviceManager tracks every attached device, reconciles it with adb on a
// watch interval and drives its mirroring window.
type DeviceManager struct {
	adb     DeviceLister
	windows *WindowManager
	cfg     ManagerConfig

	mu       sync.RWMutex
	devices  map[string]*managedDevice
	defaults models.GlobalSettings
	onChange func([]models.Device)
	attempts uint64

	scanMu sync.Mutex
	emitMu sync.Mutex

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger zerolog.Logger
}

func NewDeviceManager(lister DeviceLister, windows *WindowManager, cfg ManagerConfig, logger zerolog.Logger) *DeviceManager {
	def := DefaultManagerConfig()
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = def.WatchInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = def.MaxStreams
	}

	m := &DeviceManager{
		adb:      lister,
		windows:  windows,
		cfg:      cfg,
		devices:  make(map[string]*managedDevice),
		defaults: models.DefaultGlobalSettings(),
		logger:   logger.With().Str("component", "device_manager").Logger(),
	}
	windows.OnStateChanged(m.handleWindowState)
	return m
}

// OnChange registers the callback that receives every new device list.
func (m *DeviceManager) OnChange(fn func([]models.Device)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start scans once and then keeps watching adb until Stop.
func (m *DeviceManager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("device manager already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	if err := m.Scan(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Initial device scan failed")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.WatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Scan(ctx); err != nil && ctx.Err() == nil {
					m.logger.Warn().Err(err).Msg("Device scan failed")
				}
			}
		}
	}()

	m.logger.Info().Dur("interval", m.cfg.WatchInterval).Msg("Device watcher started")
	return nil
}

// Stop ends the watch loop and closes every window.
func (m *DeviceManager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	for _, d := range m.devices {
		d.stopTimeout()
	}
	m.devices = make(map[string]*managedDevice)
	m.mu.Unlock()

	closed := m.windows.CloseAll()
	m.logger.Info().Int("windows_closed", closed).Msg("Device manager stopped")
}

// Scan reconciles the tracked devices with one adb listing.
func (m *DeviceManager) Scan(ctx context.Context) error {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	detected, err := m.adb.ListDevices(ctx)
	if err != nil {
		return err
	}

	var stop, autoConnect []string
	changed := false
	seen := make(map[string]bool, len(detected))

	m.mu.Lock()
	for _, found := range detected {
		seen[found.Serial] = true
		d, ok := m.devices[found.Serial]
		if !ok {
			m.devices[found.Serial] = &managedDevice{Device: models.Device{
				DeviceID:  found.Serial,
				Model:     found.Model,
				AdbStatus: found.Status,
				State:     models.StateFromAdb(found.Status),
				FPS:       m.defaults.FPS,
				MaxSize:   m.defaults.MaxSize,
			}}
			changed = true
			m.logger.Info().Str("device", found.Serial).Str("model", found.Model).
				Str("adb_status", string(found.Status)).Msg("Device added")
			if found.Status == models.AdbOnline && m.defaults.AutoConnect {
				autoConnect = append(autoConnect, found.Serial)
			}
			continue
		}

		if d.AdbStatus == found.Status && d.Model == found.Model {
			continue
		}
		wasOnline := d.AdbStatus == models.AdbOnline
		d.AdbStatus, d.Model = found.Status, found.Model
		changed = true

		switch {
		case found.Status != models.AdbOnline:
			if d.active() {
				stop = append(stop, d.DeviceID)
			}
			d.stopTimeout()
			d.State = models.StateFromAdb(found.Status)
			d.Error = nil
		case d.State == models.StateDisconnected || d.State == models.StateOffline || d.State == models.StateUnauthorized:
			d.State = models.StateOnline
			if !wasOnline && m.defaults.AutoConnect {
				autoConnect = append(autoConnect, d.DeviceID)
			}
		}
		m.logger.Info().Str("device", d.DeviceID).Str("adb_status", string(d.AdbStatus)).
			Str("state", string(d.State)).Msg("Device changed")
	}

	for id, d := range m.devices {
		if seen[id] {
			continue
		}
		if d.active() {
			stop = append(stop, id)
		}
		d.stopTimeout()
		delete(m.devices, id)
		changed = true
		m.logger.Info().Str("device", id).Msg("Device removed")
	}
	m.mu.Unlock()

	for _, id := range stop {
		m.closeWindow(id)
	}
	if changed {
		m.emit()
	}
	for _, id := range autoConnect {
		if res := m.Connect(ctx, id); !res.Success {
			m.logger.Warn().Str("device", id).Str("error", res.Error).Msg("Auto-connect failed")
		}
	}
	return nil
}

// Refresh scans immediately and returns the resulting list.
func (m *DeviceManager) Refresh(ctx context.Context) ([]models.Device, error) {
	if err := m.Scan(ctx); err != nil {
		return nil, err
	}
	return m.Devices(), nil
}

// Devices returns a normalized copy of every tracked device ordered by id.
func (m *DeviceManager) Devices() []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.Device.Normalize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (m *DeviceManager) Device(id string) (models.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return models.Device{}, false
	}
	return d.Device.Normalize(), true
}

func (m *DeviceManager) Stats() models.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.Stats{
		DeviceCount:    len(m.devices),
		StreamingCount: m.countLocked(models.StateStreaming),
		IsRunning:      m.running.Load(),
	}
}

func (m *DeviceManager) countLocked(states ...models.DeviceState) int {
	n := 0
	for _, d := range m.devices {
		for _, s := range states {
			if d.State == s {
				n++
				break
			}
		}
	}
	return n
}

// ApplySettings makes s the defaults for newly detected devices and new
// windows.
func (m *DeviceManager) ApplySettings(s models.GlobalSettings) {
	m.mu.Lock()
	m.defaults = s
	m.mu.Unlock()

	opts := m.windows.Options()
	opts.Bitrate = s.Bitrate
	m.windows.SetOptions(opts)
}

// Connect starts mirroring. The device is reported connecting before this
// returns; it turns streaming once its window is running.
func (m *DeviceManager) Connect(ctx context.Context, id string) models.Result {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return models.Failed(models.KindBackend, msgDeviceNotFound)
	}
	switch {
	case d.State == models.StateStreaming:
		m.mu.Unlock()
		return models.Failed(models.KindBackend, msgAlreadyStreaming)
	case d.State == models.StateConnecting:
		m.mu.Unlock()
		return models.Failed(models.KindBackend, msgAlreadyConnecting)
	case d.AdbStatus != models.AdbOnline:
		m.mu.Unlock()
		return models.Failed(models.KindBackend, fmt.Sprintf("Device is %s", strings.ToUpper(string(d.AdbStatus))))
	case m.countLocked(models.StateStreaming, models.StateConnecting) >= m.cfg.MaxStreams:
		m.mu.Unlock()
		return models.Failed(models.KindBackend, fmt.Sprintf("Max concurrent streams reached (%d)", m.cfg.MaxStreams))
	}

	m.attempts++
	attempt := m.attempts
	d.State = models.StateConnecting
	d.Error = nil
	d.attempt = attempt
	d.timeout = time.AfterFunc(m.cfg.ConnectTimeout, func() { m.connectTimedOut(id, attempt) })
	req := OpenRequest{DeviceID: id, Model: d.Model, FPS: d.FPS, MaxSize: d.MaxSize}
	m.mu.Unlock()

	m.logger.Info().Str("device", id).Int("fps", req.FPS).Int("max_size", req.MaxSize).Msg("Connecting")
	m.emit()

	launchCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	pid, err := m.windows.Open(launchCtx, req)
	if err != nil {
		m.failAttempt(id, attempt, err.Error())
		return models.Failed(models.KindBackend, err.Error())
	}

	m.mu.Lock()
	d, ok = m.devices[id]
	current := ok && d.attempt == attempt && d.active()
	m.mu.Unlock()
	if !current {
		// Disconnected or removed while the window was launching.
		m.closeWindow(id)
		return models.Failed(models.KindBackend, msgCancelled)
	}

	res := models.OK()
	res.Message = msgConnecting
	res.PID = models.IntPtr(pid)
	return res
}

func (m *DeviceManager) connectTimedOut(id string, attempt uint64) {
	if m.failAttempt(id, attempt, fmt.Sprintf("Connection timeout (%s)", m.cfg.ConnectTimeout)) {
		m.closeWindow(id)
	}
}

// failAttempt moves a device still connecting under attempt to error.
func (m *DeviceManager) failAttempt(id string, attempt uint64, msg string) bool {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok || d.attempt != attempt || d.State != models.StateConnecting {
		m.mu.Unlock()
		return false
	}
	d.stopTimeout()
	d.Device = d.Device.WithState(models.StateError, msg)
	m.mu.Unlock()

	m.logger.Error().Str("device", id).Str("error", msg).Msg("Connect failed")
	m.emit()
	return true
}

func (m *DeviceManager) handleWindowState(id string, state WindowState, err error) {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	changed := false
	switch state {
	case WindowRunning:
		if d.State == models.StateConnecting {
			d.stopTimeout()
			d.State = models.StateStreaming
			d.Error = nil
			changed = true
		}
	case WindowError:
		if d.active() {
			msg := "mirroring failed"
			if err != nil {
				msg = err.Error()
			}
			d.stopTimeout()
			d.Device = d.Device.WithState(models.StateError, msg)
			changed = true
		}
	case WindowClosed:
		if d.active() {
			d.stopTimeout()
			d.State = d.restingState()
			d.Error = nil
			changed = true
		}
	}
	newState := d.State
	m.mu.Unlock()

	if changed {
		m.logger.Info().Str("device", id).Str("window", state.String()).Str("state", string(newState)).Msg("Window state changed")
		m.emit()
	}
}

// Disconnect stops mirroring for a device.
func (m *DeviceManager) Disconnect(id string) models.Result {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return models.Failed(models.KindBackend, msgDeviceNotFound)
	}
	d.stopTimeout()
	d.State = d.restingState()
	d.Error = nil
	m.mu.Unlock()

	m.closeWindow(id)
	m.emit()
	return models.OK()
}

// DisconnectAll disconnects every tracked device and returns how many there were.
func (m *DeviceManager) DisconnectAll() models.Result {
	m.mu.RLock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
	res := models.OK()
	res.Count = models.IntPtr(len(ids))
	return res
}

// SetFPS changes a device's frame rate, restarting a running stream.
func (m *DeviceManager) SetFPS(ctx context.Context, id string, fps int) models.Result {
	fps = models.ClampFPS(fps)
	res := m.updateStream(ctx, id, &fps, nil)
	if res.Success {
		res.FPS = models.IntPtr(fps)
	}
	return res
}

// SetSize changes a device's max size (0 is original resolution).
func (m *DeviceManager) SetSize(ctx context.Context, id string, maxSize int) models.Result {
	maxSize = models.ClampMaxSize(maxSize)
	res := m.updateStream(ctx, id, nil, &maxSize)
	if res.Success {
		res.MaxSize = models.IntPtr(maxSize)
	}
	return res
}

// SetSettings changes either or both stream settings with one restart.
func (m *DeviceManager) SetSettings(ctx context.Context, id string, fps, maxSize *int) models.Result {
	if fps != nil {
		fps = models.IntPtr(models.ClampFPS(*fps))
	}
	if maxSize != nil {
		maxSize = models.IntPtr(models.ClampMaxSize(*maxSize))
	}
	res := m.updateStream(ctx, id, fps, maxSize)
	if res.Success {
		if d, ok := m.Device(id); ok {
			res.FPS = models.IntPtr(d.FPS)
			res.MaxSize = models.IntPtr(d.MaxSize)
		}
	}
	return res
}

func (m *DeviceManager) updateStream(ctx context.Context, id string, fps, maxSize *int) models.Result {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return models.Failed(models.KindBackend, msgDeviceNotFound)
	}
	if fps != nil {
		d.FPS = *fps
	}
	if maxSize != nil {
		d.MaxSize = *maxSize
	}
	restart := d.State == models.StateStreaming
	req := OpenRequest{DeviceID: id, Model: d.Model, FPS: d.FPS, MaxSize: d.MaxSize}
	m.mu.Unlock()

	if restart {
		m.closeWindow(id)
		if _, err := m.windows.Open(ctx, req); err != nil {
			m.mu.Lock()
			if d, ok := m.devices[id]; ok && d.State == models.StateStreaming {
				d.Device = d.Device.WithState(models.StateError, err.Error())
			}
			m.mu.Unlock()
			m.emit()
			return models.Failed(models.KindBackend, err.Error())
		}
		m.logger.Info().Str("device", id).Int("fps", req.FPS).Int("max_size", req.MaxSize).Msg("Stream restarted")
	}

	m.emit()
	return models.OK()
}

// OpenWindow opens the mirroring window of a device.
func (m *DeviceManager) OpenWindow(ctx context.Context, id string) models.Result {
	if _, ok := m.Device(id); ok && m.windows.IsOpen(id) {
		return models.Failed(models.KindBackend, msgWindowOpen)
	}
	return m.Connect(ctx, id)
}

// CloseWindow closes the mirroring window of a device.
func (m *DeviceManager) CloseWindow(id string) models.Result {
	d, ok := m.Device(id)
	if !ok {
		return models.Failed(models.KindBackend, msgDeviceNotFound)
	}
	if !m.windows.IsOpen(id) && d.State != models.StateConnecting && d.State != models.StateStreaming {
		return models.Failed(models.KindBackend, msgWindowNotFound)
	}
	return m.Disconnect(id)
}

// StopAll closes every window and returns how many were open.
func (m *DeviceManager) StopAll() models.Result {
	m.mu.Lock()
	for _, d := range m.devices {
		if d.active() {
			d.stopTimeout()
			d.State = d.restingState()
			d.Error = nil
		}
	}
	m.mu.Unlock()

	count := m.windows.CloseAll()
	m.emit()

	res := models.OK()
	res.Count = models.IntPtr(count)
	return res
}

func (m *DeviceManager) closeWindow(id string) {
	if err := m.windows.Close(id); err != nil && !errors.Is(err, ErrWindowNotFound) {
		m.logger.Warn().Err(err).Str("device", id).Msg("Close window failed")
	}
}

// emit hands the current list to the change callback. Calls are serialized
// and each takes its snapshot inside the critical section, so listeners never
// see an older list after a newer one.
func (m *DeviceManager) emit() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()
	if fn != nil {
		fn(m.Devices())
	}
}
