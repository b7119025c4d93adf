package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"androidmonitor/models"

	"github.com/google/uuid"
)

// RequestIDHeader carries a per-call id so daemon logs can be correlated.
const RequestIDHeader = "X-Request-ID"

const maxResponseBytes = 8 << 20

// CallRequest is the body of POST /api/bridge/:method.
type CallRequest struct {
	Args []any `json:"args"`
}

// envelope mirrors models.APIResponse with a raw data field.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// HTTPBackend reaches the backend daemon over its HTTP bridge route.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend targets baseURL (for example http://localhost:8080). A nil
// client uses http.DefaultClient; timeouts come from the call context.
func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (b *HTTPBackend) BaseURL() string { return b.baseURL }

func (b *HTTPBackend) Invoke(ctx context.Context, m Method, args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(CallRequest{Args: args})
	if err != nil {
		return nil, models.WrapError(models.KindProtocol, string(m), err)
	}
	return b.do(ctx, http.MethodPost, "/api/bridge/"+string(m), string(m), body)
}

func (b *HTTPBackend) Ping(ctx context.Context) (string, error) {
	data, err := b.do(ctx, http.MethodGet, "/api/bridge/ping", "ping", nil)
	if err != nil {
		return "", err
	}
	var pong struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &pong); err != nil {
		return "", models.WrapError(models.KindProtocol, "ping", err)
	}
	return pong.Version, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path, op string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, models.WrapError(models.KindTransport, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, models.WrapError(models.KindTransport, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, models.WrapError(models.KindTransport, op, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, models.NewError(models.KindProtocol, op,
			fmt.Sprintf("malformed response (HTTP %d)", resp.StatusCode))
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		kind := models.KindTransport
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
			kind = models.KindProtocol
		}
		return nil, models.NewError(kind, op, msg)
	}
	return env.Data, nil
}
