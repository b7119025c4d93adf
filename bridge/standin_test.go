package bridge

import (
	"context"
	"testing"

	"androidmonitor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every method of the closed set must resolve successfully on the stand-in.
func TestStandin_AnswersEveryMethod(t *testing.T) {
	args := map[Method][]any{
		MethodGetDevice:        {"mock_device_1"},
		MethodConnectDevice:    {"mock_device_1"},
		MethodDisconnectDevice: {"mock_device_1"},
		MethodSetFPS:           {"mock_device_1", 60},
		MethodSetSize:          {"mock_device_1", 1080},
		MethodSetSettings:      {"mock_device_1", 60, 1080},
		MethodUpdateSettings:   {models.SettingsPatch{}},
		MethodOpenWindow:       {"mock_device_1"},
		MethodCloseWindow:      {"mock_device_1"},
	}
	a := newTestAdapter(nil)

	for _, m := range Methods() {
		reply := a.Call(context.Background(), string(m), args[m]...)
		assert.True(t, reply.Result.Success, "%s: %s", m, reply.Result.Error)
		assert.NotEmpty(t, reply.Payload, m)
	}
}

func TestStandinDevices(t *testing.T) {
	devices := StandinDevices()
	require.Len(t, devices, 3)
	require.NoError(t, models.ValidateSnapshot(devices))

	assert.Equal(t, "SM-M205G", devices[0].Model)
	assert.True(t, devices[0].CanConnect)

	assert.Equal(t, "Pixel 5", devices[1].Model)
	assert.True(t, devices[1].IsStreaming)
	assert.Equal(t, 60, devices[1].FPS)

	assert.Equal(t, models.StateUnauthorized, devices[2].State)
	assert.False(t, devices[2].IsOnline)
}

func TestStandin_EchoesStreamSettings(t *testing.T) {
	a := newTestAdapter(nil)
	ctx := context.Background()

	res := a.Command(ctx, MethodSetFPS, "mock_device_1", 24)
	require.True(t, res.Success)
	assert.Equal(t, 24, *res.FPS)

	res = a.Command(ctx, MethodSetSize, "mock_device_1", 0)
	require.True(t, res.Success)
	assert.Equal(t, 0, *res.MaxSize)
}

func TestStandin_GetDevice(t *testing.T) {
	a := newTestAdapter(nil)

	d, err := a.Device(context.Background(), "mock_device_2")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "Pixel 5", d.Model)

	d, err = a.Device(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, d)
}
