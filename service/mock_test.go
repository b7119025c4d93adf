package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"androidmonitor/adb"
	"androidmonitor/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

// fakeLister returns whatever list was last set.
type fakeLister struct {
	mu      sync.Mutex
	devices []adb.DetectedDevice
	err     error
}

func (f *fakeLister) set(devices ...adb.DetectedDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices, f.err = devices, nil
}

func (f *fakeLister) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeLister) ListDevices(context.Context) ([]adb.DetectedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]adb.DetectedDevice(nil), f.devices...), nil
}

func detected(serial string, status models.AdbStatus) adb.DetectedDevice {
	return adb.DetectedDevice{Serial: serial, Model: "Model " + serial, Status: status, Transport: "usb"}
}

// fakeProcess runs until stopped or exited.
type fakeProcess struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	err     error
	stopped bool
	mu      sync.Mutex
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// fakeLauncher records launches and hands out fake processes.
type fakeLauncher struct {
	mu    sync.Mutex
	err   error
	procs []*fakeProcess
	specs []LaunchSpec
}

func (l *fakeLauncher) failWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(1000 + len(l.procs))
	l.procs = append(l.procs, p)
	l.specs = append(l.specs, spec)
	return p, nil
}

func (l *fakeLauncher) last() (*fakeProcess, LaunchSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1], l.specs[len(l.specs)-1]
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func newTestWindows(launcher Launcher) *WindowManager {
	w := NewWindowManager(launcher, DefaultWindowOptions(), nopLogger())
	w.startupDelay = 10 * time.Millisecond
	return w
}

// changeRecorder collects every list passed to OnChange.
type changeRecorder struct {
	mu    sync.Mutex
	lists [][]models.Device
}

func (r *changeRecorder) record(devices []models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists = append(r.lists, devices)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lists)
}

type testManager struct {
	*DeviceManager
	lister   *fakeLister
	launcher *fakeLauncher
	windows  *WindowManager
	changes  *changeRecorder
}

func newTestManager(t *testing.T, cfg ManagerConfig, devices ...adb.DetectedDevice) *testManager {
	t.Helper()
	lister := &fakeLister{}
	lister.set(devices...)
	launcher := &fakeLauncher{}
	windows := newTestWindows(launcher)
	dm := NewDeviceManager(lister, windows, cfg, nopLogger())
	changes := &changeRecorder{}
	dm.OnChange(changes.record)
	require.NoError(t, dm.Scan(context.Background()))
	t.Cleanup(func() { windows.CloseAll() })
	return &testManager{DeviceManager: dm, lister: lister, launcher: launcher, windows: windows, changes: changes}
}

func (tm *testManager) state(t *testing.T, id string) models.DeviceState {
	t.Helper()
	d, ok := tm.Device(id)
	require.True(t, ok, "device %s", id)
	return d.State
}

var errLaunch = errors.New("scrcpy not found")
