package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"androidmonitor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_TracksAddChangeRemove(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{},
		detected("a", models.AdbOnline),
		detected("b", models.AdbUnauthorized),
		detected("c", models.AdbRecovery),
	)

	devices := tm.Devices()
	require.Len(t, devices, 3)
	assert.Equal(t, "a", devices[0].DeviceID)
	assert.Equal(t, models.StateOnline, devices[0].State)
	assert.True(t, devices[0].CanConnect)
	assert.Equal(t, models.DefaultFPS, devices[0].FPS)
	assert.Equal(t, models.DefaultMaxSize, devices[0].MaxSize)
	assert.Equal(t, models.StateUnauthorized, devices[1].State)
	assert.Equal(t, models.StateOffline, devices[2].State)
	assert.Equal(t, 1, tm.changes.count())

	// Unchanged listing emits nothing.
	require.NoError(t, tm.Scan(context.Background()))
	assert.Equal(t, 1, tm.changes.count())

	tm.lister.set(detected("a", models.AdbOnline), detected("b", models.AdbOnline))
	require.NoError(t, tm.Scan(context.Background()))

	assert.Equal(t, models.StateOnline, tm.state(t, "b"))
	_, ok := tm.Device("c")
	assert.False(t, ok)
	assert.Equal(t, 2, tm.changes.count())
}

func TestScan_ErrorKeepsDevices(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline))
	tm.lister.fail(errors.New("adb: not found"))

	assert.Error(t, tm.Scan(context.Background()))
	assert.Len(t, tm.Devices(), 1)
}

func TestConnect_ReportsConnectingThenStreaming(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline))

	res := tm.Connect(context.Background(), "a")
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.PID)
	assert.Equal(t, 1000, *res.PID)
	assert.Equal(t, "Connecting...", res.Message)

	d, _ := tm.Device("a")
	assert.Contains(t, []models.DeviceState{models.StateConnecting, models.StateStreaming}, d.State)
	assert.False(t, d.CanConnect)

	assert.Eventually(t, func() bool { return tm.state(t, "a") == models.StateStreaming }, time.Second, 5*time.Millisecond)
	d, _ = tm.Device("a")
	assert.True(t, d.IsStreaming)
	assert.True(t, d.HasWindow)
	assert.Equal(t, 1, tm.Stats().StreamingCount)

	_, spec := tm.launcher.last()
	assert.Equal(t, "a", spec.Serial)
	assert.Equal(t, models.DefaultFPS, spec.FPS)
	assert.Equal(t, 4, spec.Bitrate)
}

func TestConnect_Rejections(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{MaxStreams: 1},
		detected("a", models.AdbOnline),
		detected("b", models.AdbOnline),
		detected("off", models.AdbOffline),
	)
	ctx := context.Background()

	assert.Equal(t, "Device not found", tm.Connect(ctx, "ghost").Error)
	assert.Equal(t, "Device is OFFLINE", tm.Connect(ctx, "off").Error)

	require.True(t, tm.Connect(ctx, "a").Success)
	assert.Equal(t, "Max concurrent streams reached (1)", tm.Connect(ctx, "b").Error)

	assert.Eventually(t, func() bool { return tm.state(t, "a") == models.StateStreaming }, time.Second, 5*time.Millisecond)
	res := tm.Connect(ctx, "a")
	assert.False(t, res.Success)
	assert.Equal(t, "Already streaming", res.Error)
	assert.Equal(t, models.KindBackend, res.Kind)
}

func TestConnect_LaunchFailureIsError(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline))
	tm.launcher.failWith(errLaunch)

	res := tm.Connect(context.Background(), "a")
	assert.False(t, res.Success)
	assert.Equal(t, errLaunch.Error(), res.Error)

	d, _ := tm.Device("a")
	assert.Equal(t, models.StateError, d.State)
	assert.Equal(t, errLaunch.Error(), d.ErrorMessage())
	assert.True(t, d.CanConnect)

	// A device in error can be retried.
	tm.launcher.failWith(nil)
	assert.True(t, tm.Connect(context.Background(), "a").Success)
}

func TestConnect_ProcessDiesDuringStartup(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline))
	tm.windows.startupDelay = time.Hour

	require.True(t, tm.Connect(context.Background(), "a").Success)
	proc, _ := tm.launcher.last()
	proc.exit(errors.New("ERROR: Could not find any ADB device"))

	assert.Eventually(t, func() bool { return tm.state(t, "a") == models.StateError }, time.Second, 5*time.Millisecond)
	d, _ := tm.Device("a")
	assert.Contains(t, d.ErrorMessage(), "Could not find any ADB device")
}

func TestConnect_Timeout(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{ConnectTimeout: 30 * time.Millisecond}, detected("a", models.AdbOnline))
	tm.windows.startupDelay = time.Hour

	require.True(t, tm.Connect(context.Background(), "a").Success)
	proc, _ := tm.launcher.last()

	assert.Eventually(t, func() bool { return tm.state(t, "a") == models.StateError }, time.Second, 5*time.Millisecond)
	d, _ := tm.Device("a")
	assert.Equal(t, "Connection timeout (30ms)", d.ErrorMessage())
	assert.Eventually(t, proc.wasStopped, time.Second, 5*time.Millisecond)
}

func TestDisconnect(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline))
	require.True(t, tm.Connect(context.Background(), "a").Success)
	assert.Eventually(t, func() bool { return tm.state(t, "a") == models.StateStreaming }, time.Second, 5*time.Millisecond)
	proc, _ := tm.launcher.last()

	res := tm.Disconnect("a")
	require.True(t, res.Success)
	assert.True(t, proc.wasStopped())
	assert.Equal(t, models.StateOnline, tm.state(t, "a"))

	// Disconnecting an idle device is fine.
	assert.True(t, tm.Disconnect("a").Success)
	assert.Equal(t, "Device not found", tm.Disconnect("ghost").Error)
}

func TestDisconnectAll_CountsDevices(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline), detected("b", models.AdbOnline))
	tm.Connect(context.Background(), "a")

	res := tm.DisconnectAll()
	require.True(t, res.Success)
	assert.Equal(t, 2, *res.Count)
	assert.Equal(t, models.StateOnline, tm.state(t, "a"))
}

func TestWindowClosedByUserReturnsOnline(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline))
	tm.Connect(context.Background(), "a")
	assert.Eventually(t, func() bool { return tm.state(t, "a") == models.StateStreaming }, time.Second, 5*time.Millisecond)

	proc, _ := tm.launcher.last()
	proc.exit(nil)

	assert.Eventually(t, func() bool { return tm.state(t, "a") == models.StateOnline }, time.Second, 5*time.Millisecond)
}

func TestDeviceGoingOfflineStopsStream(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline))
	tm.Connect(context.Background(), "a")
	assert.Eventually(t, func() bool { return tm.state(t, "a") == models.StateStreaming }, time.Second, 5*time.Millisecond)
	proc, _ := tm.launcher.last()

	tm.lister.set(detected("a", models.AdbOffline))
	require.NoError(t, tm.Scan(context.Background()))

	assert.Equal(t, models.StateOffline, tm.state(t, "a"))
	assert.True(t, proc.wasStopped())

	tm.lister.set()
	require.NoError(t, tm.Scan(context.Background()))
	assert.Empty(t, tm.Devices())
}

func TestSetFPS_ClampsAndRestartsStream(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline), detected("b", models.AdbOnline))
	ctx := context.Background()

	res := tm.SetFPS(ctx, "b", 500)
	require.True(t, res.Success)
	assert.Equal(t, models.MaxFPS, *res.FPS)
	assert.Zero(t, tm.launcher.launches())

	tm.Connect(ctx, "a")
	assert.Eventually(t, func() bool { return tm.state(t, "a") == models.StateStreaming }, time.Second, 5*time.Millisecond)
	first, _ := tm.launcher.last()

	res = tm.SetFPS(ctx, "a", 60)
	require.True(t, res.Success)
	assert.True(t, first.wasStopped())
	assert.Equal(t, 2, tm.launcher.launches())
	_, spec := tm.launcher.last()
	assert.Equal(t, 60, spec.FPS)
	assert.Equal(t, models.StateStreaming, tm.state(t, "a"))

	assert.Equal(t, "Device not found", tm.SetFPS(ctx, "ghost", 30).Error)
}

func TestSetSizeAndSettings(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline))
	ctx := context.Background()

	res := tm.SetSize(ctx, "a", 4096)
	require.True(t, res.Success)
	assert.Equal(t, models.MaxSizeLimit, *res.MaxSize)

	res = tm.SetSettings(ctx, "a", models.IntPtr(0), nil)
	require.True(t, res.Success)
	assert.Equal(t, models.MinFPS, *res.FPS)
	assert.Equal(t, models.MaxSizeLimit, *res.MaxSize)

	d, _ := tm.Device("a")
	assert.Equal(t, models.MinFPS, d.FPS)
}

func TestOpenCloseWindow(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline))
	ctx := context.Background()

	assert.Equal(t, "Window not found", tm.CloseWindow("a").Error)
	require.True(t, tm.OpenWindow(ctx, "a").Success)
	assert.Equal(t, "Window already open", tm.OpenWindow(ctx, "a").Error)
	assert.True(t, tm.CloseWindow("a").Success)
	assert.Equal(t, models.StateOnline, tm.state(t, "a"))
}

func TestStopAll(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{}, detected("a", models.AdbOnline), detected("b", models.AdbOnline), detected("c", models.AdbOnline))
	ctx := context.Background()
	tm.Connect(ctx, "a")
	tm.Connect(ctx, "b")

	res := tm.StopAll()
	require.True(t, res.Success)
	assert.Equal(t, 2, *res.Count)
	for _, d := range tm.Devices() {
		assert.Equal(t, models.StateOnline, d.State, d.DeviceID)
	}
	assert.Never(t, func() bool { return tm.state(t, "a") != models.StateOnline }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestAutoConnect(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{})
	settings := models.DefaultGlobalSettings()
	settings.AutoConnect = true
	settings.FPS = 24
	tm.ApplySettings(settings)

	tm.lister.set(detected("a", models.AdbOnline), detected("b", models.AdbUnauthorized))
	require.NoError(t, tm.Scan(context.Background()))

	assert.Eventually(t, func() bool { return tm.state(t, "a") == models.StateStreaming }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StateUnauthorized, tm.state(t, "b"))
	_, spec := tm.launcher.last()
	assert.Equal(t, 24, spec.FPS)

	// Authorizing b brings it online and connects it.
	tm.lister.set(detected("a", models.AdbOnline), detected("b", models.AdbOnline))
	require.NoError(t, tm.Scan(context.Background()))
	assert.Eventually(t, func() bool { return tm.state(t, "b") == models.StateStreaming }, time.Second, 5*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	tm := newTestManager(t, ManagerConfig{WatchInterval: 10 * time.Millisecond}, detected("a", models.AdbOnline))
	ctx := context.Background()

	require.NoError(t, tm.Start(ctx))
	assert.Error(t, tm.Start(ctx))
	assert.True(t, tm.Stats().IsRunning)

	tm.lister.set(detected("a", models.AdbOnline), detected("b", models.AdbOnline))
	assert.Eventually(t, func() bool { _, ok := tm.Device("b"); return ok }, time.Second, 5*time.Millisecond)

	tm.Connect(ctx, "a")
	proc, _ := tm.launcher.last()
	tm.Stop()

	assert.False(t, tm.Stats().IsRunning)
	assert.True(t, proc.wasStopped())
	assert.Empty(t, tm.Devices())
}
