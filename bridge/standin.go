package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"androidmonitor/models"
)

// StandinPID is the process id reported for a stand-in connect.
const StandinPID = 12345

// StandinDevices returns the fixed device list served when no backend is
// reachable.
func StandinDevices() []models.Device {
	return models.NormalizeAll([]models.Device{
		{
			DeviceID:  "mock_device_1",
			Model:     "SM-M205G",
			AdbStatus: models.AdbOnline,
			State:     models.StateOnline,
			FPS:       30,
			MaxSize:   800,
		},
		{
			DeviceID:  "mock_device_2",
			Model:     "Pixel 5",
			AdbStatus: models.AdbOnline,
			State:     models.StateStreaming,
			FPS:       60,
			MaxSize:   1080,
		},
		{
			DeviceID:  "mock_device_3",
			Model:     "OnePlus 8",
			AdbStatus: models.AdbUnauthorized,
			State:     models.StateUnauthorized,
			FPS:       models.DefaultFPS,
			MaxSize:   models.DefaultMaxSize,
		},
	})
}

// Standin answers every bridge method with deterministic data of the same
// shape as the real backend. The device list never changes; only global
// settings are kept in memory so update_settings round-trips.
type Standin struct {
	mu       sync.Mutex
	settings models.GlobalSettings
}

func NewStandin() *Standin {
	return &Standin{settings: models.DefaultGlobalSettings()}
}

func (s *Standin) Ping(ctx context.Context) (string, error) {
	return ProtocolVersion, nil
}

func (s *Standin) Invoke(ctx context.Context, m Method, args []any) (json.RawMessage, error) {
	if err := CheckArgs(m, args); err != nil {
		return nil, err
	}
	v, err := s.dispatch(m, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (s *Standin) dispatch(m Method, args []any) (any, error) {
	devices := StandinDevices()

	switch m {
	case MethodGetDevices, MethodRefreshDevices:
		return devices, nil

	case MethodGetDevice:
		var id string
		if err := DecodeArg(args, 0, &id); err != nil {
			return nil, err
		}
		for _, d := range devices {
			if d.DeviceID == id {
				return d, nil
			}
		}
		return nil, nil

	case MethodConnectDevice:
		return models.Result{Success: true, PID: models.IntPtr(StandinPID)}, nil

	case MethodDisconnectAll:
		return models.Result{Success: true, Count: models.IntPtr(len(devices))}, nil

	case MethodStopAll:
		return models.Result{Success: true, Count: models.IntPtr(0)}, nil

	case MethodSetFPS:
		var fps int
		if err := DecodeArg(args, 1, &fps); err != nil {
			return nil, err
		}
		return models.Result{Success: true, FPS: models.IntPtr(fps)}, nil

	case MethodSetSize:
		var size int
		if err := DecodeArg(args, 1, &size); err != nil {
			return nil, err
		}
		return models.Result{Success: true, MaxSize: models.IntPtr(size)}, nil

	case MethodDisconnectDevice, MethodSetSettings, MethodOpenWindow, MethodCloseWindow:
		return models.OK(), nil

	case MethodGetSettings:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.settings, nil

	case MethodUpdateSettings:
		var patch models.SettingsPatch
		if err := DecodeArg(args, 0, &patch); err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.settings = patch.Apply(s.settings)
		return s.settings, nil

	case MethodGetStats:
		stats := models.Stats{DeviceCount: len(devices), IsRunning: true}
		for _, d := range devices {
			if d.IsStreaming {
				stats.StreamingCount++
			}
		}
		return stats, nil
	}
	return nil, fmt.Errorf("stand-in has no handler for %s", m)
}
