package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"androidmonitor/bridge"
	"androidmonitor/models"

	"github.com/rs/zerolog"
)

// Config holds the client-side timings.
type Config struct {
	PollInterval   time.Duration
	Debounce       time.Duration
	ConnectTimeout time.Duration // 0 derives PollInterval + Debounce + 1s
}

func DefaultConfig() Config {
	return Config{PollInterval: DefaultPollInterval, Debounce: DefaultDebounce}
}

// ResolveConnectTimeout returns the optimistic connect timeout. It is never
// shorter than one poll interval plus one debounce window.
func (c Config) ResolveConnectTimeout() time.Duration {
	poll, debounce := c.PollInterval, c.Debounce
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	floor := poll + debounce
	if c.ConnectTimeout == 0 {
		return floor + time.Second
	}
	return max(c.ConnectTimeout, floor)
}

// Monitor wires store, subscriber, poller and gateway together for one view.
type Monitor struct {
	Store   *Store
	Gateway *Gateway
	Banner  *Banner

	bridge     Bridge
	events     bridge.EventSource
	poller     *Poller
	subscriber *Subscriber
	cfg        Config
	base       zerolog.Logger
	logger     zerolog.Logger

	mu       sync.Mutex
	settings models.GlobalSettings
	started  bool
	closed   bool
	demo     bool
}

// New builds a monitor. events may be nil, in which case only polling
// updates the store.
func New(cfg Config, b Bridge, events bridge.EventSource, logger zerolog.Logger) *Monitor {
	store := NewStore(cfg.ResolveConnectTimeout(), logger)
	m := &Monitor{
		Store:    store,
		Gateway:  NewGateway(b, store, logger),
		Banner:   NewBanner(),
		bridge:   b,
		events:   events,
		cfg:      cfg,
		base:     logger,
		logger:   logger.With().Str("component", "monitor").Logger(),
		settings: models.DefaultGlobalSettings(),
	}
	m.poller = NewPoller(b.Devices, store, cfg.PollInterval, logger)
	m.poller.OnError(m.Banner.Set)
	m.poller.OnSuccess(m.Banner.Clear)
	return m
}

// Start probes the bridge, loads the first snapshot and the global settings,
// subscribes to pushes and starts polling. None of these failing stops the
// monitor; it keeps running on whatever it has.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return errors.New("monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	available := m.bridge.Probe(ctx)
	events := m.events
	if !available {
		events = bridge.NewStandinEvents()
	}
	m.mu.Lock()
	m.demo = !available
	m.mu.Unlock()

	if devices, err := m.bridge.Devices(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Initial device fetch failed")
		m.Banner.Set(err)
	} else if _, _, err := m.Store.Apply(devices, SourcePoll); err != nil {
		m.Banner.Set(err)
	}

	if s, err := m.bridge.Settings(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Could not load global settings, using defaults")
	} else {
		m.mu.Lock()
		m.settings = s
		m.mu.Unlock()
	}

	if events != nil {
		sub := NewSubscriber(events, m.Store, m.cfg.Debounce, m.base)
		m.mu.Lock()
		m.subscriber = sub
		m.mu.Unlock()
		if err := sub.Start(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Push channel unavailable, relying on polling")
		}
	}

	if err := m.poller.Start(ctx); err != nil {
		return err
	}
	m.logger.Info().
		Bool("demo", !available).
		Int("devices", len(m.Store.Devices())).
		Msg("Monitor started")
	return nil
}

// Close tears down in order: poll interval, pending debounce, push
// subscription, store. No callback can write to the store afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sub := m.subscriber
	m.mu.Unlock()

	m.poller.Stop()
	if sub != nil {
		sub.CancelPending()
		if err := sub.Stop(); err != nil {
			m.logger.Debug().Err(err).Msg("Unsubscribe failed")
		}
	}
	m.Store.Close()
	m.logger.Info().Msg("Monitor stopped")
}

// Refresh forces a backend re-enumeration and applies it.
func (m *Monitor) Refresh(ctx context.Context) (Snapshot, error) {
	return m.Gateway.Refresh(ctx)
}

// Settings returns the global settings held in memory.
func (m *Monitor) Settings() models.GlobalSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings sends patch through the gateway and keeps the backend's
// answer in memory.
func (m *Monitor) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.GlobalSettings, error) {
	s, err := m.Gateway.UpdateSettings(ctx, patch)
	if err != nil {
		return models.GlobalSettings{}, err
	}
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
	return s, nil
}

// Demo reports whether the monitor runs on stand-in data.
func (m *Monitor) Demo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.demo
}

// Subscribe is Store.Subscribe.
func (m *Monitor) Subscribe(fn func(Snapshot)) func() {
	return m.Store.Subscribe(fn)
}

// Poller exposes the poll scheduler, mainly for forcing a tick.
func (m *Monitor) Poller() *Poller {
	return m.poller
}
