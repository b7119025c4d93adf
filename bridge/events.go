package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"androidmonitor/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Frame is one message on the push channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SubscribeMessage is sent by a client to register for an event.
type SubscribeMessage struct {
	Type  string `json:"type"` // subscribe | unsubscribe
	Event string `json:"event"`
}

// DevicesChanged is the payload of EventDevicesChanged.
type DevicesChanged struct {
	Devices []models.Device `json:"devices"`
}

// Handler receives the raw data of each frame for the subscribed event.
type Handler func(data json.RawMessage)

// EventSource delivers named push events.
type EventSource interface {
	Subscribe(ctx context.Context, event string, handler Handler) (Subscription, error)
}

// Subscription is a live registration. After Unsubscribe returns the handler
// is never called again.
type Subscription interface {
	Unsubscribe() error
}

const (
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
	closeWait         = time.Second
)

// WSEvents subscribes to the backend daemon's websocket hub.
type WSEvents struct {
	url        string
	dialer     *websocket.Dialer
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewWSEvents derives the websocket endpoint from the daemon's HTTP base URL.
func NewWSEvents(baseURL string, logger zerolog.Logger) *WSEvents {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &WSEvents{
		url:        u + "/ws",
		dialer:     websocket.DefaultDialer,
		retryDelay: defaultRetryDelay,
		logger:     logger.With().Str("component", "events").Logger(),
	}
}

func (w *WSEvents) URL() string { return w.url }

func (w *WSEvents) dial(ctx context.Context, event string) (*websocket.Conn, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, http.Header{})
	if err != nil {
		return nil, models.WrapError(models.KindTransport, "subscribe", err)
	}
	if err := conn.WriteJSON(SubscribeMessage{Type: "subscribe", Event: event}); err != nil {
		conn.Close()
		return nil, models.WrapError(models.KindTransport, "subscribe", err)
	}
	return conn, nil
}

// Subscribe connects and registers for event. The first dial must succeed;
// later drops are redialled with backoff until Unsubscribe or ctx ends.
func (w *WSEvents) Subscribe(ctx context.Context, event string, handler Handler) (Subscription, error) {
	conn, err := w.dial(ctx, event)
	if err != nil {
		return nil, err
	}
	s := &wsSubscription{
		w:       w,
		event:   event,
		handler: handler,
		conn:    conn,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run(ctx)
	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.done:
		}
	}()
	w.logger.Info().Str("url", w.url).Str("event", event).Msg("Subscribed to push channel")
	return s, nil
}

type wsSubscription struct {
	w       *WSEvents
	event   string
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn

	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
}

func (s *wsSubscription) run(ctx context.Context) {
	defer close(s.stopped)
	delay := s.w.retryDelay
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		err := s.read(conn)
		select {
		case <-s.done:
			return
		default:
		}
		s.w.logger.Warn().Err(err).Msg("Push channel dropped, reconnecting")

		for {
			select {
			case <-s.done:
				return
			case <-time.After(delay):
			}
			next, err := s.w.dial(ctx, s.event)
			if err == nil {
				if !s.setConn(next) {
					return
				}
				delay = s.w.retryDelay
				break
			}
			delay = min(delay*2, maxRetryDelay)
		}
	}
}

func (s *wsSubscription) read(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.w.logger.Debug().Err(err).Msg("Dropping undecodable push frame")
			continue
		}
		if f.Event != s.event {
			continue
		}
		s.handler(f.Data)
	}
}

func (s *wsSubscription) setConn(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		c.Close()
		return false
	default:
	}
	s.conn = c
	return true
}

func (s *wsSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		conn := s.conn
		s.mu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		conn.Close()
	})
	<-s.stopped
	return nil
}

// StandinEvents is the push source used without a backend. It never emits on
// its own; Emit exists for local tooling and tests.
type StandinEvents struct {
	mu       sync.Mutex
	next     int
	handlers map[int]standinHandler
}

type standinHandler struct {
	event string
	fn    Handler
}

func NewStandinEvents() *StandinEvents {
	return &StandinEvents{handlers: make(map[int]standinHandler)}
}

func (e *StandinEvents) Subscribe(ctx context.Context, event string, handler Handler) (Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.handlers[id] = standinHandler{event: event, fn: handler}
	return &standinSubscription{events: e, id: id}, nil
}

// Emit delivers data to every handler subscribed to event, synchronously.
func (e *StandinEvents) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	e.mu.Lock()
	var fns []Handler
	for _, h := range e.handlers {
		if h.event == event {
			fns = append(fns, h.fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(raw)
	}
	return nil
}

// Subscribers counts live registrations.
func (e *StandinEvents) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

type standinSubscription struct {
	events *StandinEvents
	id     int
}

func (s *standinSubscription) Unsubscribe() error {
	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	delete(s.events.handlers, s.id)
	return nil
}
