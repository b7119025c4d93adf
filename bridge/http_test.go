package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"androidmonitor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bridgeServer(t *testing.T, handle func(method string, args []any) (int, models.APIResponse)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/bridge/ping" {
			json.NewEncoder(w).Encode(models.SuccessResponse(map[string]string{"version": ProtocolVersion}))
			return
		}
		assert.NotEmpty(t, r.Header.Get(RequestIDHeader))

		var req CallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, resp := handle(strings.TrimPrefix(r.URL.Path, "/api/bridge/"), req.Args)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPBackend_Invoke(t *testing.T) {
	srv := bridgeServer(t, func(method string, args []any) (int, models.APIResponse) {
		assert.Equal(t, "set_fps", method)
		assert.Equal(t, []any{"dev1", float64(60)}, args)
		return http.StatusOK, models.SuccessResponse(models.Result{Success: true, FPS: models.IntPtr(60)})
	})
	a := newTestAdapter(NewHTTPBackend(srv.URL, srv.Client()))

	require.True(t, a.Probe(context.Background()))
	res := a.Command(context.Background(), MethodSetFPS, "dev1", 60)

	require.True(t, res.Success)
	assert.Equal(t, 60, *res.FPS)
}

func TestHTTPBackend_PingVersion(t *testing.T) {
	srv := bridgeServer(t, nil)
	b := NewHTTPBackend(srv.URL+"/", nil)

	v, err := b.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, v)
}

func TestHTTPBackend_UnknownMethodOnDaemon(t *testing.T) {
	srv := bridgeServer(t, func(method string, args []any) (int, models.APIResponse) {
		return http.StatusNotFound, models.ErrorResponse("unknown bridge method")
	})
	b := NewHTTPBackend(srv.URL, srv.Client())

	_, err := b.Invoke(context.Background(), MethodStopAll, nil)
	assert.True(t, errors.Is(err, models.ErrProtocol))
}

func TestHTTPBackend_DaemonFailureIsTransport(t *testing.T) {
	srv := bridgeServer(t, func(method string, args []any) (int, models.APIResponse) {
		return http.StatusInternalServerError, models.ErrorResponse("adb not found")
	})
	b := NewHTTPBackend(srv.URL, srv.Client())

	_, err := b.Invoke(context.Background(), MethodGetDevices, nil)
	assert.True(t, errors.Is(err, models.ErrTransport))
	assert.Contains(t, err.Error(), "adb not found")
}

func TestHTTPBackend_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway</html>"))
	}))
	defer srv.Close()
	b := NewHTTPBackend(srv.URL, srv.Client())

	_, err := b.Invoke(context.Background(), MethodGetDevices, nil)
	assert.True(t, errors.Is(err, models.ErrProtocol))
}

func TestHTTPBackend_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := newTestAdapter(NewHTTPBackend(url, nil))
	assert.False(t, a.Probe(context.Background()))

	// Probe failed, so calls go to the stand-in and still succeed.
	devices, err := a.Devices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 3)
}
