package monitor

import (
	"context"

	"androidmonitor/bridge"
	"androidmonitor/models"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// Bridge is the part of *bridge.Adapter the monitor depends on.
type Bridge interface {
	Probe(ctx context.Context) bool
	Available() bool
	Devices(ctx context.Context) ([]models.Device, error)
	RefreshDevices(ctx context.Context) ([]models.Device, error)
	Command(ctx context.Context, m bridge.Method, args ...any) models.Result
	Settings(ctx context.Context) (models.GlobalSettings, error)
	UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.GlobalSettings, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// allDevices keys in-flight bookkeeping for commands without a device id.
const allDevices = "*"

// Gateway issues one bridge call per command. Bad input and unknown devices
// are rejected locally with a non-nil error and no bridge call; everything
// the bridge reports comes back in the Result. Nothing is queued or retried.
type Gateway struct {
	bridge   Bridge
	store    *Store
	inFlight cmap.ConcurrentMap[string, int]
	logger   zerolog.Logger
}

func NewGateway(b Bridge, store *Store, logger zerolog.Logger) *Gateway {
	return &Gateway{
		bridge:   b,
		store:    store,
		inFlight: cmap.New[int](),
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
}

// InFlight reports whether a command for id is outstanding. It is meant for
// disabling duplicate UI actions and does not gate calls.
func (g *Gateway) InFlight(id string) bool {
	return g.inFlight.Has(id)
}

func (g *Gateway) begin(key string) {
	g.inFlight.Upsert(key, 1, func(exist bool, old, _ int) int {
		if exist {
			return old + 1
		}
		return 1
	})
}

func (g *Gateway) end(key string) {
	g.inFlight.Upsert(key, 0, func(exist bool, old, _ int) int {
		if exist {
			return old - 1
		}
		return 0
	})
	g.inFlight.RemoveCb(key, func(_ string, v int, exists bool) bool {
		return exists && v <= 0
	})
}

func (g *Gateway) send(ctx context.Context, key string, m bridge.Method, args ...any) models.Result {
	g.begin(key)
	defer g.end(key)

	res := g.bridge.Command(ctx, m, args...)
	if !res.Success {
		g.logger.Warn().
			Str("method", string(m)).
			Str("target", key).
			Str("kind", string(res.Kind)).
			Str("error", res.Error).
			Msg("Command failed")
	}
	return res
}

func (g *Gateway) requireDevice(op, id string) error {
	if id == "" {
		return models.NewError(models.KindValidation, op, "device_id is required")
	}
	if !g.store.Has(id) {
		return models.NewError(models.KindNotFound, op, "unknown device "+id)
	}
	return nil
}

func rejected(err error) (models.Result, error) {
	return models.FailedFrom(err), err
}

// Connect starts mirroring. The device shows as connecting until a snapshot
// resolves it or the connect timeout elapses.
func (g *Gateway) Connect(ctx context.Context, id string) (models.Result, error) {
	op := string(bridge.MethodConnectDevice)
	if err := g.requireDevice(op, id); err != nil {
		return rejected(err)
	}
	token, marked := g.store.MarkConnecting(id)
	res := g.send(ctx, id, bridge.MethodConnectDevice, id)
	if !res.Success && marked {
		g.store.CancelConnecting(id, token)
	}
	return res, nil
}

func (g *Gateway) Disconnect(ctx context.Context, id string) (models.Result, error) {
	if err := g.requireDevice(string(bridge.MethodDisconnectDevice), id); err != nil {
		return rejected(err)
	}
	return g.send(ctx, id, bridge.MethodDisconnectDevice, id), nil
}

func (g *Gateway) DisconnectAll(ctx context.Context) (models.Result, error) {
	return g.send(ctx, allDevices, bridge.MethodDisconnectAll), nil
}

// SetFPS accepts fps in [models.MinFPS, models.MaxFPS].
func (g *Gateway) SetFPS(ctx context.Context, id string, fps int) (models.Result, error) {
	op := string(bridge.MethodSetFPS)
	if id == "" {
		return rejected(models.NewError(models.KindValidation, op, "device_id is required"))
	}
	if err := models.ValidateFPS(fps); err != nil {
		return rejected(err)
	}
	if err := g.requireDevice(op, id); err != nil {
		return rejected(err)
	}
	return g.send(ctx, id, bridge.MethodSetFPS, id, fps), nil
}

// SetSize accepts 0 for the original resolution or any positive size.
func (g *Gateway) SetSize(ctx context.Context, id string, maxSize int) (models.Result, error) {
	op := string(bridge.MethodSetSize)
	if id == "" {
		return rejected(models.NewError(models.KindValidation, op, "device_id is required"))
	}
	if err := models.ValidateMaxSize(maxSize); err != nil {
		return rejected(err)
	}
	if err := g.requireDevice(op, id); err != nil {
		return rejected(err)
	}
	return g.send(ctx, id, bridge.MethodSetSize, id, maxSize), nil
}

// SetSettings updates fps and/or max size in one call. Nil leaves a value
// unchanged.
func (g *Gateway) SetSettings(ctx context.Context, id string, fps, maxSize *int) (models.Result, error) {
	op := string(bridge.MethodSetSettings)
	if id == "" {
		return rejected(models.NewError(models.KindValidation, op, "device_id is required"))
	}
	if fps == nil && maxSize == nil {
		return rejected(models.NewError(models.KindValidation, op, "nothing to update"))
	}
	if fps != nil {
		if err := models.ValidateFPS(*fps); err != nil {
			return rejected(err)
		}
	}
	if maxSize != nil {
		if err := models.ValidateMaxSize(*maxSize); err != nil {
			return rejected(err)
		}
	}
	if err := g.requireDevice(op, id); err != nil {
		return rejected(err)
	}

	args := []any{id, nil}
	if fps != nil {
		args[1] = *fps
	}
	if maxSize != nil {
		args = append(args, *maxSize)
	}
	return g.send(ctx, id, bridge.MethodSetSettings, args...), nil
}

func (g *Gateway) OpenWindow(ctx context.Context, id string) (models.Result, error) {
	if err := g.requireDevice(string(bridge.MethodOpenWindow), id); err != nil {
		return rejected(err)
	}
	return g.send(ctx, id, bridge.MethodOpenWindow, id), nil
}

func (g *Gateway) CloseWindow(ctx context.Context, id string) (models.Result, error) {
	if err := g.requireDevice(string(bridge.MethodCloseWindow), id); err != nil {
		return rejected(err)
	}
	return g.send(ctx, id, bridge.MethodCloseWindow, id), nil
}

func (g *Gateway) StopAll(ctx context.Context) (models.Result, error) {
	return g.send(ctx, allDevices, bridge.MethodStopAll), nil
}

// UpdateSettings validates patch locally, then sends it.
func (g *Gateway) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.GlobalSettings, error) {
	op := string(bridge.MethodUpdateSettings)
	if patch.Empty() {
		return models.GlobalSettings{}, models.NewError(models.KindValidation, op, "nothing to update")
	}
	if err := patch.Validate(); err != nil {
		return models.GlobalSettings{}, err
	}
	g.begin(allDevices)
	defer g.end(allDevices)
	return g.bridge.UpdateSettings(ctx, patch)
}

func (g *Gateway) Settings(ctx context.Context) (models.GlobalSettings, error) {
	return g.bridge.Settings(ctx)
}

func (g *Gateway) Stats(ctx context.Context) (models.Stats, error) {
	return g.bridge.Stats(ctx)
}

// Refresh asks the backend to re-enumerate and applies the result. This is
// the explicit refresh a caller uses after a command.
func (g *Gateway) Refresh(ctx context.Context) (Snapshot, error) {
	devices, err := g.bridge.RefreshDevices(ctx)
	if err != nil {
		return g.store.Snapshot(), err
	}
	snap, _, err := g.store.Apply(devices, SourceCommand)
	return snap, err
}
