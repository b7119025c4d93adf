package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"androidmonitor/models"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// Backend is a raw bridge call surface. Implementations return the JSON
// payload of one method call; they are not expected to classify failures.
type Backend interface {
	Invoke(ctx context.Context, method Method, args []any) (json.RawMessage, error)
	Ping(ctx context.Context) (version string, err error)
}

// Reply is the normalized outcome of one bridge call. Payload is only set when
// Result.Success is true.
type Reply struct {
	Method  Method
	Payload json.RawMessage
	Result  models.Result
}

func (r Reply) Err() error {
	return r.Result.Err()
}

const (
	DefaultCallTimeout  = 10 * time.Second
	DefaultProbeTimeout = 2 * time.Second
)

// Option configures an Adapter.
type Option func(*Adapter)

func WithCallTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.probeTimeout = d
		}
	}
}

// WithStandin replaces the default stand-in backend.
func WithStandin(s Backend) Option {
	return func(a *Adapter) {
		if s != nil {
			a.standin = s
		}
	}
}

// Adapter routes calls to the real backend when it is reachable and to the
// stand-in otherwise. Every failure comes back as an unsuccessful Result.
type Adapter struct {
	real    Backend
	standin Backend

	available atomic.Bool
	version   atomic.Value // string

	callTimeout  time.Duration
	probeTimeout time.Duration

	logger zerolog.Logger
	probed atomic.Bool
}

// NewAdapter wraps backend. A nil backend puts the adapter on the stand-in
// permanently. Until Probe runs, a non-nil backend is assumed reachable.
func NewAdapter(backend Backend, logger zerolog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		real:         backend,
		standin:      NewStandin(),
		callTimeout:  DefaultCallTimeout,
		probeTimeout: DefaultProbeTimeout,
		logger:       logger.With().Str("component", "bridge").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.available.Store(backend != nil)
	a.version.Store("")
	return a
}

// Probe checks whether the real backend answers and speaks a compatible
// protocol version, and switches between real and stand-in accordingly.
func (a *Adapter) Probe(ctx context.Context) bool {
	ok := a.probe(ctx)
	first := !a.probed.Swap(true)
	if prev := a.available.Swap(ok); prev != ok || first {
		if ok {
			a.logger.Info().Str("version", a.Version()).Msg("Backend reachable, using live bridge")
		} else {
			a.logger.Warn().Msg("Backend unavailable, serving stand-in data")
		}
	}
	return ok
}

func (a *Adapter) probe(ctx context.Context) bool {
	if a.real == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	type pong struct {
		version string
		err     error
	}
	ch := make(chan pong, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- pong{err: fmt.Errorf("ping panicked: %v", r)}
			}
		}()
		v, err := a.real.Ping(ctx)
		ch <- pong{v, err}
	}()

	var p pong
	select {
	case p = <-ch:
	case <-ctx.Done():
		p.err = ctx.Err()
	}
	if p.err != nil {
		a.logger.Debug().Err(p.err).Msg("Backend ping failed")
		return false
	}
	if err := CheckVersion(p.version); err != nil {
		a.logger.Warn().Err(err).Str("version", p.version).Msg("Backend protocol version rejected")
		return false
	}
	a.version.Store(p.version)
	return true
}

// CheckVersion reports whether a backend protocol version satisfies
// ProtocolConstraint.
func CheckVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return models.WrapError(models.KindProtocol, "version", err)
	}
	c, err := semver.NewConstraint(ProtocolConstraint)
	if err != nil {
		return models.WrapError(models.KindProtocol, "version", err)
	}
	if !c.Check(v) {
		return models.NewError(models.KindProtocol, "version",
			fmt.Sprintf("backend speaks %s, need %s", version, ProtocolConstraint))
	}
	return nil
}

// Available reports whether calls currently go to the real backend.
func (a *Adapter) Available() bool {
	return a.available.Load()
}

// Version is the protocol version reported by the last successful probe.
func (a *Adapter) Version() string {
	return a.version.Load().(string)
}

func (a *Adapter) backend() Backend {
	if a.available.Load() && a.real != nil {
		return a.real
	}
	return a.standin
}

// Call invokes the named bridge method. Unknown names and wrong arity fail
// immediately with a protocol result and no outbound call.
func (a *Adapter) Call(ctx context.Context, name string, args ...any) Reply {
	m, err := LookupMethod(name)
	if err != nil {
		return Reply{Method: Method(name), Result: models.FailedFrom(err)}
	}
	return a.call(ctx, m, args)
}

func (a *Adapter) call(ctx context.Context, m Method, args []any) Reply {
	reply := Reply{Method: m}
	if err := CheckArgs(m, args); err != nil {
		reply.Result = models.FailedFrom(err)
		return reply
	}

	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	ch := make(chan outcome, 1)
	b := a.backend()
	go func() {
		p, err := invoke(ctx, b, m, args)
		ch <- outcome{p, err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		out.err = models.NewError(models.KindTransport, string(m), "bridge call timed out")
	}
	if out.err != nil {
		if models.KindOf(out.err) == "" {
			out.err = models.WrapError(models.KindTransport, string(m), out.err)
		}
		a.logger.Debug().Err(out.err).Str("method", string(m)).Msg("Bridge call failed")
		reply.Result = models.FailedFrom(out.err)
		return reply
	}

	result, err := checkShape(m, out.payload)
	if err != nil {
		a.logger.Warn().Err(err).Str("method", string(m)).Msg("Malformed bridge payload")
		reply.Result = models.FailedFrom(err)
		return reply
	}
	reply.Result = result
	if result.Success {
		reply.Payload = out.payload
	}
	return reply
}

func invoke(ctx context.Context, b Backend, m Method, args []any) (payload json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.NewError(models.KindTransport, string(m), fmt.Sprintf("backend panicked: %v", r))
		}
	}()
	return b.Invoke(ctx, m, args)
}

// checkShape validates the payload against the method's family and, for
// command methods, decodes the result object.
func checkShape(m Method, payload json.RawMessage) (models.Result, error) {
	protoErr := func(msg string) error {
		return models.NewError(models.KindProtocol, string(m), msg)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return models.Result{}, protoErr("payload is not valid JSON")
	}

	switch m.Shape() {
	case ShapeDeviceList:
		var list []json.RawMessage
		if err := json.Unmarshal(payload, &list); err != nil {
			return models.Result{}, protoErr("expected a device list")
		}
	case ShapeDevice:
		if string(payload) == "null" {
			break
		}
		fallthrough
	case ShapeSettings, ShapeStats:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
			return models.Result{}, protoErr("expected an object")
		}
	case ShapeResult:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
			return models.Result{}, protoErr("expected a result object")
		}
		if _, ok := obj["success"]; !ok {
			return models.Result{}, protoErr("result has no success field")
		}
		var r models.Result
		if err := json.Unmarshal(payload, &r); err != nil {
			return models.Result{}, protoErr("result fields have the wrong type")
		}
		if !r.Success {
			r.Kind = models.KindBackend
			if r.Error == "" {
				r.Error = "backend reported failure"
			}
		}
		return r, nil
	}
	return models.OK(), nil
}

// Devices fetches the backend's current device list.
func (a *Adapter) Devices(ctx context.Context) ([]models.Device, error) {
	return a.deviceList(ctx, MethodGetDevices)
}

// RefreshDevices forces backend-side re-enumeration and returns the result.
func (a *Adapter) RefreshDevices(ctx context.Context) ([]models.Device, error) {
	return a.deviceList(ctx, MethodRefreshDevices)
}

func (a *Adapter) deviceList(ctx context.Context, m Method) ([]models.Device, error) {
	reply := a.call(ctx, m, nil)
	if err := reply.Err(); err != nil {
		return nil, err
	}
	devices, err := DecodeDevices(reply.Payload)
	if err != nil {
		return nil, models.WrapError(models.KindProtocol, string(m), err)
	}
	return devices, nil
}

// DecodeDevices parses and validates a device list payload.
func DecodeDevices(payload json.RawMessage) ([]models.Device, error) {
	var devices []models.Device
	if err := json.Unmarshal(payload, &devices); err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []models.Device{}
	}
	if err := models.ValidateSnapshot(devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Device fetches one device, or nil when the backend does not know it.
func (a *Adapter) Device(ctx context.Context, id string) (*models.Device, error) {
	reply := a.call(ctx, MethodGetDevice, []any{id})
	if err := reply.Err(); err != nil {
		return nil, err
	}
	var d *models.Device
	if err := json.Unmarshal(reply.Payload, &d); err != nil {
		return nil, models.WrapError(models.KindProtocol, string(MethodGetDevice), err)
	}
	return d, nil
}

// Command runs a method of the result family.
func (a *Adapter) Command(ctx context.Context, m Method, args ...any) models.Result {
	if m.Shape() != ShapeResult {
		return models.Failed(models.KindProtocol, fmt.Sprintf("%s is not a command", m))
	}
	return a.call(ctx, m, args).Result
}

func (a *Adapter) Settings(ctx context.Context) (models.GlobalSettings, error) {
	var s models.GlobalSettings
	err := a.decodeInto(a.call(ctx, MethodGetSettings, nil), &s)
	return s, err
}

func (a *Adapter) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.GlobalSettings, error) {
	var s models.GlobalSettings
	err := a.decodeInto(a.call(ctx, MethodUpdateSettings, []any{patch}), &s)
	return s, err
}

func (a *Adapter) Stats(ctx context.Context) (models.Stats, error) {
	var s models.Stats
	err := a.decodeInto(a.call(ctx, MethodGetStats, nil), &s)
	return s, err
}

func (a *Adapter) decodeInto(reply Reply, v any) error {
	if err := reply.Err(); err != nil {
		return err
	}
	if err := json.Unmarshal(reply.Payload, v); err != nil {
		return models.WrapError(models.KindProtocol, string(reply.Method), err)
	}
	return nil
}

// DecodeArg decodes positional argument i into v. Arguments may arrive as
// Go values or as already-decoded JSON.
func DecodeArg(args []any, i int, v any) error {
	if i >= len(args) {
		return models.NewError(models.KindProtocol, "args", fmt.Sprintf("missing argument %d", i))
	}
	raw, err := json.Marshal(args[i])
	if err != nil {
		return models.WrapError(models.KindProtocol, "args", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return models.NewError(models.KindProtocol, "args", fmt.Sprintf("argument %d: %v", i, err))
	}
	return nil
}
