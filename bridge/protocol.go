// Package bridge is the only way the monitor talks to the device backend.
//
// A Backend is the raw call surface (HTTP daemon, in-process stand-in, test
// double). The Adapter wraps whichever Backend is reachable behind a closed,
// versioned method set and converts every failure into a models.Result, so
// nothing above it has to care whether the backend exists.
package bridge

import (
	"fmt"
	"sort"

	"androidmonitor/models"
)

// ProtocolVersion is the bridge surface implemented by this module.
const ProtocolVersion = "1.2.0"

// ProtocolConstraint is the range of backend versions the adapter accepts.
const ProtocolConstraint = "^1.0.0"

// EventDevicesChanged is the push channel carrying whole-list snapshots.
const EventDevicesChanged = "monitoring-devices-changed"

// Method names one call of the bridge surface.
type Method string

const (
	MethodGetDevices       Method = "get_devices"
	MethodGetDevice        Method = "get_device"
	MethodRefreshDevices   Method = "refresh_devices"
	MethodConnectDevice    Method = "connect_device"
	MethodDisconnectDevice Method = "disconnect_device"
	MethodDisconnectAll    Method = "disconnect_all"
	MethodSetFPS           Method = "set_fps"
	MethodSetSize          Method = "set_size"
	MethodSetSettings      Method = "set_settings"
	MethodGetSettings      Method = "get_settings"
	MethodUpdateSettings   Method = "update_settings"
	MethodGetStats         Method = "get_stats"
	MethodOpenWindow       Method = "open_window"
	MethodCloseWindow      Method = "close_window"
	MethodStopAll          Method = "stop_all"
)

// Shape is the payload family a method returns.
type Shape int

const (
	ShapeDeviceList Shape = iota
	ShapeDevice           // Device or null
	ShapeResult           // {success, error?, ...}
	ShapeSettings
	ShapeStats
)

type methodSpec struct {
	minArgs int
	maxArgs int
	shape   Shape
}

var methods = map[Method]methodSpec{
	MethodGetDevices:       {0, 0, ShapeDeviceList},
	MethodGetDevice:        {1, 1, ShapeDevice},
	MethodRefreshDevices:   {0, 0, ShapeDeviceList},
	MethodConnectDevice:    {1, 1, ShapeResult},
	MethodDisconnectDevice: {1, 1, ShapeResult},
	MethodDisconnectAll:    {0, 0, ShapeResult},
	MethodSetFPS:           {2, 2, ShapeResult},
	MethodSetSize:          {2, 2, ShapeResult},
	MethodSetSettings:      {1, 3, ShapeResult},
	MethodGetSettings:      {0, 0, ShapeSettings},
	MethodUpdateSettings:   {1, 1, ShapeSettings},
	MethodGetStats:         {0, 0, ShapeStats},
	MethodOpenWindow:       {1, 1, ShapeResult},
	MethodCloseWindow:      {1, 1, ShapeResult},
	MethodStopAll:          {0, 0, ShapeResult},
}

// LookupMethod resolves a method name. Unknown names are a protocol error.
func LookupMethod(name string) (Method, error) {
	m := Method(name)
	if _, ok := methods[m]; !ok {
		return "", models.NewError(models.KindProtocol, name, "unknown bridge method")
	}
	return m, nil
}

// CheckArgs validates the argument count for m.
func CheckArgs(m Method, args []any) error {
	spec, ok := methods[m]
	if !ok {
		return models.NewError(models.KindProtocol, string(m), "unknown bridge method")
	}
	if len(args) < spec.minArgs || len(args) > spec.maxArgs {
		return models.NewError(models.KindProtocol, string(m),
			fmt.Sprintf("expected %d..%d arguments, got %d", spec.minArgs, spec.maxArgs, len(args)))
	}
	return nil
}

// Shape returns the payload family of m.
func (m Method) Shape() Shape {
	return methods[m].shape
}

// Methods lists the closed method set in name order.
func Methods() []Method {
	out := make([]Method, 0, len(methods))
	for m := range methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
