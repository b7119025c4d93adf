package monitor

import (
	"context"
	"encoding/json"
	"sync"

	"androidmonitor/bridge"
	"androidmonitor/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Invoke(ctx context.Context, method bridge.Method, args []any) (json.RawMessage, error) {
	ret := m.Called(method, args)
	var payload json.RawMessage
	switch v := ret.Get(0).(type) {
	case json.RawMessage:
		payload = v
	case string:
		payload = json.RawMessage(v)
	}
	return payload, ret.Error(1)
}

func (m *mockBackend) Ping(ctx context.Context) (string, error) {
	ret := m.Called()
	return ret.String(0), ret.Error(1)
}

// recordingApplier captures every Apply call.
type recordingApplier struct {
	mu    sync.Mutex
	calls [][]models.Device
}

func (r *recordingApplier) Apply(devices []models.Device, source Source) (Snapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, devices)
	return Snapshot{Devices: devices, Source: source}, true, nil
}

func (r *recordingApplier) Calls() [][]models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]models.Device, len(r.calls))
	copy(out, r.calls)
	return out
}

func dev(id string, state models.DeviceState) models.Device {
	return models.Device{DeviceID: id, Model: "Pixel", AdbStatus: models.AdbOnline, State: state}
}

func ids(devices []models.Device) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.DeviceID
	}
	return out
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
