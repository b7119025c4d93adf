package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"androidmonitor/bridge"
	"androidmonitor/models"

	"github.com/rs/zerolog"
)

// DefaultDebounce is the window over which push bursts are coalesced.
const DefaultDebounce = 100 * time.Millisecond

// Subscriber listens to the devices-changed push channel and forwards the
// last snapshot of each burst to the store. The window is fixed: the first
// push arms the timer and later pushes only replace the payload.
type Subscriber struct {
	source bridge.EventSource
	store  Applier
	window time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	sub     bridge.Subscription
	timer   *time.Timer
	pending []models.Device
	armed   uint64 // bumped on every fire or cancel; stale timers compare against it
	stopped bool
}

func NewSubscriber(source bridge.EventSource, store Applier, window time.Duration, logger zerolog.Logger) *Subscriber {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Subscriber{
		source: source,
		store:  store,
		window: window,
		logger: logger.With().Str("component", "subscriber").Logger(),
	}
}

// Start subscribes once. Calling it again while subscribed is a no-op.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sub != nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sub, err := s.source.Subscribe(ctx, bridge.EventDevicesChanged, s.handle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	return nil
}

// handle decodes one push. Anything that is not a complete, valid snapshot is
// dropped whole.
func (s *Subscriber) handle(data json.RawMessage) {
	devices, err := decodePush(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed push")
		return
	}
	s.push(devices)
}

func decodePush(data json.RawMessage) ([]models.Device, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, models.WrapError(models.KindProtocol, "push", err)
	}
	list, ok := raw["devices"]
	if !ok {
		return nil, models.NewError(models.KindProtocol, "push", "payload has no devices field")
	}
	var probe []json.RawMessage
	if err := json.Unmarshal(list, &probe); err != nil || probe == nil {
		return nil, models.NewError(models.KindProtocol, "push", "devices is not a list")
	}
	return bridge.DecodeDevices(list)
}

func (s *Subscriber) push(devices []models.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending = devices
	if s.timer != nil {
		return
	}
	armed := s.armed
	s.timer = time.AfterFunc(s.window, func() { s.fire(armed) })
}

func (s *Subscriber) fire(armed uint64) {
	s.mu.Lock()
	if s.stopped || armed != s.armed {
		s.mu.Unlock()
		return
	}
	devices := s.pending
	s.pending = nil
	s.timer = nil
	s.armed++
	s.mu.Unlock()

	if _, _, err := s.store.Apply(devices, SourceEvent); err != nil {
		s.logger.Debug().Err(err).Msg("Debounced snapshot rejected")
	}
}

// CancelPending stops the debounce timer and discards its payload.
func (s *Subscriber) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Subscriber) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.armed++
}

// Unsubscribe detaches from the push channel.
func (s *Subscriber) Unsubscribe() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Stop cancels any pending delivery, then unsubscribes. Pushes arriving in
// between are ignored.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.cancelLocked()
	s.mu.Unlock()
	return s.Unsubscribe()
}

// Pending reports whether a debounced delivery is scheduled.
func (s *Subscriber) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
