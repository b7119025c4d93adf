package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"androidmonitor/models"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is the fallback full-list fetch period.
const DefaultPollInterval = 5 * time.Second

// FetchFunc pulls a complete device list.
type FetchFunc func(ctx context.Context) ([]models.Device, error)

// Poller fetches the full device list on a fixed interval. A tick that finds
// the previous fetch still outstanding is skipped, never queued.
type Poller struct {
	fetch    FetchFunc
	store    Applier
	interval time.Duration
	logger   zerolog.Logger

	inFlight atomic.Bool
	fetches  atomic.Uint64

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onError   func(error)
	onSuccess func()
}

func NewPoller(fetch FetchFunc, store Applier, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		fetch:    fetch,
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "poller").Logger(),
	}
}

// OnError sets the side channel for failed polls.
func (p *Poller) OnError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

// OnSuccess is called after every poll that reached the store.
func (p *Poller) OnSuccess(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSuccess = fn
}

// Start launches the ticker loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("poller is already running")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	p.logger.Info().Dur("interval", p.interval).Msg("Poller started")
	return nil
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.Tick(ctx)
			}()
		}
	}
}

// Stop cancels the interval and waits for an outstanding fetch to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Poller stopped")
}

// Tick runs one fetch unless one is already outstanding. It reports whether a
// fetch was started.
func (p *Poller) Tick(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug().Msg("Previous fetch still outstanding, skipping tick")
		return false
	}
	defer p.inFlight.Store(false)
	p.fetches.Add(1)

	devices, err := p.fetch(ctx)
	if ctx.Err() != nil {
		return true
	}
	if err == nil {
		_, _, err = p.store.Apply(devices, SourcePoll)
	}

	p.mu.Lock()
	onError, onSuccess := p.onError, p.onSuccess
	p.mu.Unlock()

	if err != nil {
		// The store keeps the last good snapshot.
		p.logger.Warn().Err(err).Msg("Device poll failed")
		if onError != nil {
			onError(err)
		}
		return true
	}
	if onSuccess != nil {
		onSuccess()
	}
	return true
}

// InFlight reports whether a fetch is outstanding.
func (p *Poller) InFlight() bool {
	return p.inFlight.Load()
}

// Fetches counts fetches started since creation.
func (p *Poller) Fetches() uint64 {
	return p.fetches.Load()
}
