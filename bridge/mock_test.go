package bridge

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Invoke(ctx context.Context, method Method, args []any) (json.RawMessage, error) {
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
