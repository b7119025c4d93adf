package api

import (
	"context"
	"encoding/json"
	"net/http"

	"androidmonitor/bridge"
	"androidmonitor/models"
	"androidmonitor/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// callFunc serves one bridge method. Arity is checked before it runs.
type callFunc func(ctx context.Context, args []any) (any, error)

// BridgeHandler serves the bridge method set over HTTP.
type BridgeHandler struct {
	devices  *service.DeviceManager
	settings *service.SettingsService
	calls    map[bridge.Method]callFunc
	logger   zerolog.Logger
}

func NewBridgeHandler(dm *service.DeviceManager, settings *service.SettingsService, logger zerolog.Logger) *BridgeHandler {
	h := &BridgeHandler{
		devices:  dm,
		settings: settings,
		logger:   logger.With().Str("component", "bridge_api").Logger(),
	}
	h.calls = map[bridge.Method]callFunc{
		bridge.MethodGetDevices:       h.getDevices,
		bridge.MethodGetDevice:        h.getDevice,
		bridge.MethodRefreshDevices:   h.refreshDevices,
		bridge.MethodConnectDevice:    h.withID(dm.Connect),
		bridge.MethodDisconnectDevice: h.withIDNoCtx(dm.Disconnect),
		bridge.MethodDisconnectAll:    func(context.Context, []any) (any, error) { return dm.DisconnectAll(), nil },
		bridge.MethodSetFPS:           h.withIDInt(dm.SetFPS),
		bridge.MethodSetSize:          h.withIDInt(dm.SetSize),
		bridge.MethodSetSettings:      h.setSettings,
		bridge.MethodGetSettings:      func(context.Context, []any) (any, error) { return settings.Get(), nil },
		bridge.MethodUpdateSettings:   h.updateSettings,
		bridge.MethodGetStats:         func(context.Context, []any) (any, error) { return dm.Stats(), nil },
		bridge.MethodOpenWindow:       h.withID(dm.OpenWindow),
		bridge.MethodCloseWindow:      h.withIDNoCtx(dm.CloseWindow),
		bridge.MethodStopAll:          func(context.Context, []any) (any, error) { return dm.StopAll(), nil },
	}
	return h
}

// Ping reports the bridge protocol version.
func (h *BridgeHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"version": bridge.ProtocolVersion}))
}

// Methods lists the served method names.
func (h *BridgeHandler) Methods(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(bridge.Methods()))
}

// Call dispatches POST /api/bridge/:method.
func (h *BridgeHandler) Call(c *gin.Context) {
	name := c.Param("method")
	log := h.logger.With().Str("method", name).Str("request_id", c.GetHeader(bridge.RequestIDHeader)).Logger()

	m, err := bridge.LookupMethod(name)
	if err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse(err.Error()))
		return
	}
	call, ok := h.calls[m]
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("method not served: "+name))
		return
	}

	var req bridge.CallRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse("invalid request body: "+err.Error()))
			return
		}
	}
	if err := bridge.CheckArgs(m, req.Args); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}

	data, err := call(c.Request.Context(), req.Args)
	if err != nil {
		log.Warn().Err(err).Msg("Bridge call failed")
		c.JSON(statusFor(err), models.ErrorResponse(err.Error()))
		return
	}
	if data == nil {
		// An explicit null keeps "data" in the envelope.
		data = json.RawMessage("null")
	}
	log.Debug().Msg("Bridge call served")
	c.JSON(http.StatusOK, models.SuccessResponse(data))
}

func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindProtocol:
		return http.StatusBadRequest
	case models.KindValidation:
		return http.StatusUnprocessableEntity
	case models.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *BridgeHandler) getDevices(context.Context, []any) (any, error) {
	return h.devices.Devices(), nil
}

func (h *BridgeHandler) refreshDevices(ctx context.Context, _ []any) (any, error) {
	devices, err := h.devices.Refresh(ctx)
	if err != nil {
		return nil, models.WrapError(models.KindBackend, string(bridge.MethodRefreshDevices), err)
	}
	return devices, nil
}

func (h *BridgeHandler) getDevice(_ context.Context, args []any) (any, error) {
	var id string
	if err := bridge.DecodeArg(args, 0, &id); err != nil {
		return nil, err
	}
	if d, ok := h.devices.Device(id); ok {
		return d, nil
	}
	return nil, nil
}

func (h *BridgeHandler) setSettings(ctx context.Context, args []any) (any, error) {
	var id string
	var fps, maxSize *int
	if err := bridge.DecodeArg(args, 0, &id); err != nil {
		return nil, err
	}
	if len(args) > 1 {
		if err := bridge.DecodeArg(args, 1, &fps); err != nil {
			return nil, err
		}
	}
	if len(args) > 2 {
		if err := bridge.DecodeArg(args, 2, &maxSize); err != nil {
			return nil, err
		}
	}
	return h.devices.SetSettings(ctx, id, fps, maxSize), nil
}

func (h *BridgeHandler) updateSettings(ctx context.Context, args []any) (any, error) {
	var patch models.SettingsPatch
	if err := bridge.DecodeArg(args, 0, &patch); err != nil {
		return nil, err
	}
	s, err := h.settings.Update(ctx, patch)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (h *BridgeHandler) withID(fn func(context.Context, string) models.Result) callFunc {
	return func(ctx context.Context, args []any) (any, error) {
		var id string
		if err := bridge.DecodeArg(args, 0, &id); err != nil {
			return nil, err
		}
		return fn(ctx, id), nil
	}
}

func (h *BridgeHandler) withIDNoCtx(fn func(string) models.Result) callFunc {
	return h.withID(func(_ context.Context, id string) models.Result { return fn(id) })
}

func (h *BridgeHandler) withIDInt(fn func(context.Context, string, int) models.Result) callFunc {
	return func(ctx context.Context, args []any) (any, error) {
		var id string
		var n int
		if err := bridge.DecodeArg(args, 0, &id); err != nil {
			return nil, err
		}
		if err := bridge.DecodeArg(args, 1, &n); err != nil {
			return nil, err
		}
		return fn(ctx, id, n), nil
	}
}
