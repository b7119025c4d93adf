// Package monitor keeps a live, race-free view of backend device state.
//
// Two update paths feed one Store: push events (debounced by Subscriber) and a
// polling fallback (Poller). Commands go out through Gateway and never write
// the store directly, except for the optimistic connecting marker.
package monitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"androidmonitor/models"

	"github.com/rs/zerolog"
)

// Source says which path produced a snapshot.
type Source string

const (
	SourceEvent   Source = "event"
	SourcePoll    Source = "poll"
	SourceCommand Source = "command" // explicit refresh after a command
	SourceLocal   Source = "local"   // optimistic marker or its timeout
)

// ConnectTimeoutMessage is the error shown when a connect never resolves.
const ConnectTimeoutMessage = "connection timeout"

var ErrStoreClosed = errors.New("monitor: store closed")

// Snapshot is one immutable published view. Generation increases by one for
// every ingestion, whatever its source, so the last one applied wins.
type Snapshot struct {
	Devices    []models.Device
	Generation uint64
	Source     Source
	AppliedAt  time.Time
}

// Device looks up id in the snapshot.
func (s Snapshot) Device(id string) (models.Device, bool) {
	return findDevice(s.Devices, id)
}

// Applier accepts whole-list snapshots. Store is the production Applier.
type Applier interface {
	Apply(devices []models.Device, source Source) (Snapshot, bool, error)
}

type pendingConnect struct {
	token    uint64
	timer    *time.Timer
	timedOut bool
}

// Store is the single owner of the authoritative device list. Readers get the
// current snapshot lock-free and always see a complete list.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	// reported is the last list received from the backend, before the
	// optimistic overlay is applied.
	reported   []models.Device
	connecting map[string]*pendingConnect
	tokens     uint64
	generation uint64
	closed     bool

	connectTimeout time.Duration

	notifyMu  sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int

	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates an empty store. connectTimeout bounds how long a device
// may stay in the optimistic connecting state.
func NewStore(connectTimeout time.Duration, logger zerolog.Logger) *Store {
	s := &Store{
		connecting:     make(map[string]*pendingConnect),
		connectTimeout: connectTimeout,
		listeners:      make(map[int]func(Snapshot)),
		logger:         logger.With().Str("component", "store").Logger(),
		now:            time.Now,
	}
	s.current.Store(&Snapshot{Devices: []models.Device{}})
	return s
}

// Apply replaces the whole device list. Devices missing from devices are
// gone; there are no tombstones. The returned bool reports whether the
// published device list changed; listeners are only notified when it did.
func (s *Store) Apply(devices []models.Device, source Source) (Snapshot, bool, error) {
	if err := models.ValidateSnapshot(devices); err != nil {
		return s.Snapshot(), false, err
	}
	normalized := models.NormalizeAll(devices)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.Snapshot(), false, ErrStoreClosed
	}
	s.reported = normalized
	s.settleConnecting()
	return s.publishLocked(source)
}

// settleConnecting drops optimistic markers resolved by the latest report:
// the device disappeared, or the backend reports any state other than
// connecting for it.
func (s *Store) settleConnecting() {
	for id, p := range s.connecting {
		d, ok := findDevice(s.reported, id)
		if ok && d.State == models.StateConnecting {
			continue
		}
		p.timer.Stop()
		delete(s.connecting, id)
	}
}

// publishLocked builds the view, stores it and notifies listeners. It is
// entered with s.mu held and releases it.
func (s *Store) publishLocked(source Source) (Snapshot, bool, error) {
	view := s.viewLocked()
	prev := s.current.Load()
	changed := !sameDevices(prev.Devices, view)

	s.generation++
	snap := &Snapshot{
		Devices:    view,
		Generation: s.generation,
		Source:     source,
		AppliedAt:  s.now(),
	}
	s.current.Store(snap)

	if !changed {
		s.mu.Unlock()
		return *snap, false, nil
	}

	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}

	// Hand over to notifyMu before releasing mu so listeners observe
	// snapshots in generation order.
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.logger.Debug().
		Uint64("generation", snap.Generation).
		Str("source", string(source)).
		Int("devices", len(view)).
		Msg("Snapshot applied")

	for _, fn := range fns {
		fn(*snap)
	}
	return *snap, true, nil
}

func (s *Store) viewLocked() []models.Device {
	view := make([]models.Device, len(s.reported))
	for i, d := range s.reported {
		if p, ok := s.connecting[d.DeviceID]; ok {
			if p.timedOut {
				d = d.WithState(models.StateError, ConnectTimeoutMessage)
			} else {
				d = d.WithState(models.StateConnecting, "")
			}
		}
		view[i] = d
	}
	return view
}

// Snapshot returns the current published view. It must not be modified.
func (s *Store) Snapshot() Snapshot {
	return *s.current.Load()
}

// Devices returns a copy of the current device list.
func (s *Store) Devices() []models.Device {
	snap := s.current.Load()
	out := make([]models.Device, len(snap.Devices))
	copy(out, snap.Devices)
	return out
}

func (s *Store) Device(id string) (models.Device, bool) {
	return s.current.Load().Device(id)
}

func (s *Store) Has(id string) bool {
	_, ok := s.Device(id)
	return ok
}

// Connecting reports whether id carries an unresolved optimistic marker.
func (s *Store) Connecting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.connecting[id]
	return ok && !p.timedOut
}

// Subscribe registers fn for every changed snapshot. fn runs on the
// publishing goroutine and must not call Apply, MarkConnecting or
// CancelConnecting synchronously.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// MarkConnecting sets the optimistic connecting state for a known device and
// returns the token owning the marker. It returns false, leaving the store
// untouched, when id is unknown, the device cannot be connected (streaming,
// offline) or another connect for id is still unresolved.
func (s *Store) MarkConnecting(id string) (uint64, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, false
	}
	// The published view already carries any live marker as connecting.
	d, ok := s.current.Load().Device(id)
	if !ok || !d.CanConnect {
		s.mu.Unlock()
		return 0, false
	}
	if p, ok := s.connecting[id]; ok {
		p.timer.Stop()
	}

	s.tokens++
	token := s.tokens
	s.connecting[id] = &pendingConnect{
		token: token,
		timer: time.AfterFunc(s.connectTimeout, func() { s.expire(id, token) }),
	}
	s.publishLocked(SourceLocal)
	return token, true
}

// CancelConnecting withdraws the marker owned by token, restoring the
// backend-reported state. Used when a connect fails before reaching the
// backend's state machine. A marker set by a later connect is left alone.
func (s *Store) CancelConnecting(id string, token uint64) {
	s.mu.Lock()
	p, ok := s.connecting[id]
	if !ok || p.token != token || p.timedOut || s.closed {
		s.mu.Unlock()
		return
	}
	p.timer.Stop()
	delete(s.connecting, id)
	s.publishLocked(SourceLocal)
}

func (s *Store) expire(id string, token uint64) {
	s.mu.Lock()
	p, ok := s.connecting[id]
	if s.closed || !ok || p.token != token || p.timedOut {
		s.mu.Unlock()
		return
	}
	p.timedOut = true
	s.logger.Warn().Str("device_id", id).Dur("after", s.connectTimeout).Msg("Connect did not resolve, marking device as failed")
	s.publishLocked(SourceLocal)
}

// Close stops pending timers and rejects further writes. Listeners are
// dropped.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, p := range s.connecting {
		p.timer.Stop()
		delete(s.connecting, id)
	}
	s.listeners = make(map[int]func(Snapshot))
}

func findDevice(devices []models.Device, id string) (models.Device, bool) {
	for _, d := range devices {
		if d.DeviceID == id {
			return d, true
		}
	}
	return models.Device{}, false
}

func sameDevices(a, b []models.Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
