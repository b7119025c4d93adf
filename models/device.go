package models

import "fmt"

// AdbStatus is the raw connectivity classification reported by adb.
type AdbStatus string

const (
	AdbOnline       AdbStatus = "online"
	AdbOffline      AdbStatus = "offline"
	AdbUnauthorized AdbStatus = "unauthorized"
	AdbBootloader   AdbStatus = "bootloader"
	AdbRecovery     AdbStatus = "recovery"
	AdbUnknown      AdbStatus = "unknown"
)

// ParseAdbStatus maps the state word printed by `adb devices` to an AdbStatus.
// Values that are already normalized pass through unchanged.
func ParseAdbStatus(raw string) AdbStatus {
	switch raw {
	case "device", "online":
		return AdbOnline
	case "offline":
		return AdbOffline
	case "unauthorized":
		return AdbUnauthorized
	case "bootloader":
		return AdbBootloader
	case "recovery", "sideload", "rescue":
		return AdbRecovery
	default:
		return AdbUnknown
	}
}

func (s AdbStatus) Valid() bool {
	switch s {
	case AdbOnline, AdbOffline, AdbUnauthorized, AdbBootloader, AdbRecovery, AdbUnknown:
		return true
	}
	return false
}

// DeviceState is the high-level lifecycle state shown to operators.
//
//	disconnected -> unauthorized | offline | online
//	online -> connecting -> streaming
//	streaming -> online | error
//	error -> online
type DeviceState string

const (
	StateDisconnected DeviceState = "disconnected"
	StateUnauthorized DeviceState = "unauthorized"
	StateOffline      DeviceState = "offline"
	StateOnline       DeviceState = "online"
	StateConnecting   DeviceState = "connecting"
	StateStreaming    DeviceState = "streaming"
	StateError        DeviceState = "error"
)

func (s DeviceState) Valid() bool {
	switch s {
	case StateDisconnected, StateUnauthorized, StateOffline, StateOnline,
		StateConnecting, StateStreaming, StateError:
		return true
	}
	return false
}

// StateFromAdb returns the resting state for a device with the given adb status.
func StateFromAdb(status AdbStatus) DeviceState {
	switch status {
	case AdbOnline:
		return StateOnline
	case AdbOffline, AdbBootloader, AdbRecovery:
		return StateOffline
	case AdbUnauthorized:
		return StateUnauthorized
	default:
		return StateDisconnected
	}
}

// Default per-device stream configuration.
const (
	DefaultFPS     = 30
	DefaultMaxSize = 800
)

// Device is one tracked USB-attached unit as exchanged with the backend.
type Device struct {
	DeviceID  string      `json:"device_id"`
	Model     string      `json:"model"`
	AdbStatus AdbStatus   `json:"adb_status"`
	State     DeviceState `json:"state"`
	FPS       int         `json:"fps"`
	MaxSize   int         `json:"max_size"`

	// Projections of State/AdbStatus. Recomputed by Normalize, never set on their own.
	IsStreaming bool `json:"is_streaming"`
	HasWindow   bool `json:"has_window"`
	IsOnline    bool `json:"is_online"`
	CanConnect  bool `json:"can_connect"`

	Error *string `json:"error"`
}

// Normalize returns a copy of d whose projections agree with its state.
// A device that is not online over adb cannot be connecting, streaming or
// failed, so its state is re-derived from the adb status in that case.
func (d Device) Normalize() Device {
	if d.AdbStatus == "" {
		d.AdbStatus = AdbUnknown
	}
	switch {
	case d.AdbStatus != AdbOnline:
		d.State = StateFromAdb(d.AdbStatus)
	case d.State == "", d.State == StateDisconnected, d.State == StateOffline, d.State == StateUnauthorized:
		d.State = StateOnline
	}

	d.IsOnline = d.AdbStatus == AdbOnline
	d.IsStreaming = d.State == StateStreaming
	d.HasWindow = d.IsStreaming
	d.CanConnect = d.IsOnline && d.State != StateStreaming && d.State != StateConnecting

	if d.State != StateError {
		d.Error = nil
	} else if d.Error != nil {
		msg := *d.Error
		d.Error = &msg
	}
	return d
}

// WithState returns a normalized copy of d moved to state. msg is kept only
// for StateError.
func (d Device) WithState(state DeviceState, msg string) Device {
	d.State = state
	d.Error = nil
	if state == StateError {
		if msg == "" {
			msg = "unknown error"
		}
		d.Error = &msg
	}
	return d.Normalize()
}

// ErrorMessage returns the error string or "" when there is none.
func (d Device) ErrorMessage() string {
	if d.Error == nil {
		return ""
	}
	return *d.Error
}

// Equal reports whether two devices are observably identical.
func (d Device) Equal(o Device) bool {
	if d.ErrorMessage() != o.ErrorMessage() || (d.Error == nil) != (o.Error == nil) {
		return false
	}
	d.Error, o.Error = nil, nil
	return d == o
}

// ValidateSnapshot checks that a device list is a well-formed snapshot:
// every entry has a unique non-empty id and known enumerations.
func ValidateSnapshot(devices []Device) error {
	seen := make(map[string]struct{}, len(devices))
	for i, d := range devices {
		if d.DeviceID == "" {
			return NewError(KindProtocol, "snapshot", fmt.Sprintf("device at index %d has no device_id", i))
		}
		if _, dup := seen[d.DeviceID]; dup {
			return NewError(KindProtocol, "snapshot", fmt.Sprintf("duplicate device_id %q", d.DeviceID))
		}
		seen[d.DeviceID] = struct{}{}

		if d.AdbStatus != "" && !d.AdbStatus.Valid() {
			return NewError(KindProtocol, "snapshot", fmt.Sprintf("device %q has unknown adb_status %q", d.DeviceID, d.AdbStatus))
		}
		if d.State != "" && !d.State.Valid() {
			return NewError(KindProtocol, "snapshot", fmt.Sprintf("device %q has unknown state %q", d.DeviceID, d.State))
		}
		if d.FPS < 0 || d.MaxSize < 0 {
			return NewError(KindProtocol, "snapshot", fmt.Sprintf("device %q has negative stream settings", d.DeviceID))
		}
	}
	return nil
}

// NormalizeAll normalizes every device of a snapshot into a new slice.
func NormalizeAll(devices []Device) []Device {
	out := make([]Device, len(devices))
	for i, d := range devices {
		out[i] = d.Normalize()
	}
	return out
}
