package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub SubscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "subscribe", sub.Type)
		assert.Equal(t, EventDevicesChanged, sub.Event)

		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// Hold the connection until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSEvents_DeliversMatchingFrames(t *testing.T) {
	srv := pushServer(t, []string{
		`{"event":"something-else","data":{}}`,
		`not json`,
		`{"event":"monitoring-devices-changed","data":{"devices":[{"device_id":"a"}]}}`,
	})
	events := NewWSEvents(srv.URL, zerolog.Nop())

	got := make(chan json.RawMessage, 4)
	sub, err := events.Subscribe(context.Background(), EventDevicesChanged, func(data json.RawMessage) {
		got <- data
	})
	require.NoError(t, err)

	select {
	case data := <-got:
		var payload DevicesChanged
		require.NoError(t, json.Unmarshal(data, &payload))
		require.Len(t, payload.Devices, 1)
		assert.Equal(t, "a", payload.Devices[0].DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	assert.Empty(t, got)
}

func TestWSEvents_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewWSEvents(url, zerolog.Nop()).Subscribe(context.Background(), EventDevicesChanged, func(json.RawMessage) {})
	assert.Error(t, err)
}

func TestNewWSEvents_URL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", NewWSEvents("http://localhost:8080/", zerolog.Nop()).URL())
	assert.Equal(t, "wss://example.com/ws", NewWSEvents("https://example.com", zerolog.Nop()).URL())
}

func TestWSEvents_ContextCancelUnsubscribes(t *testing.T) {
	srv := pushServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := NewWSEvents(srv.URL, zerolog.Nop()).Subscribe(ctx, EventDevicesChanged, func(json.RawMessage) {})
	require.NoError(t, err)

	cancel()
	done := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe hung after context cancel")
	}
}

func TestStandinEvents(t *testing.T) {
	events := NewStandinEvents()
	var calls int
	sub, err := events.Subscribe(context.Background(), EventDevicesChanged, func(json.RawMessage) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 1, events.Subscribers())

	require.NoError(t, events.Emit("other", nil))
	require.NoError(t, events.Emit(EventDevicesChanged, DevicesChanged{}))
	assert.Equal(t, 1, calls)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, events.Emit(EventDevicesChanged, DevicesChanged{}))
	assert.Equal(t, 1, calls)
	assert.Zero(t, events.Subscribers())
}
