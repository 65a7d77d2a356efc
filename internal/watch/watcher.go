// Package watch polls a servo bus and reports roster changes, reconnecting
// whenever the underlying serial device goes away.
package watch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Cogni-Robot/init-servo/st3215"
)

// Event describes a change in the set of attached servos.
type Event struct {
	Added   []int
	Removed []int
	Roster  []st3215.FoundServo
}

// Config for a Watcher.
type Config struct {
	// Open opens the bus. The watcher owns the returned bus until the
	// next disconnect.
	Open func() (*st3215.Bus, error)

	// StartID and EndID bound the scanned ID range.
	StartID int
	EndID   int

	PollInterval      time.Duration
	ReconnectInterval time.Duration
}

// Watcher periodically scans a bus and emits an Event whenever servos
// appear or disappear.
type Watcher struct {
	cfg    Config
	log    *zap.Logger
	events chan Event

	mu        sync.Mutex
	bus       *st3215.Bus
	connected atomic.Bool
}

// New creates a Watcher. Run must be called for events to flow.
func New(cfg Config, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = time.Second
	}
	return &Watcher{
		cfg:    cfg,
		log:    log,
		events: make(chan Event, 16),
	}
}

// Events returns the channel roster changes are delivered on.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Connected reports whether the bus is currently open.
func (w *Watcher) Connected() bool {
	return w.connected.Load()
}

// Do runs fn against the currently open bus. It returns ErrBusClosed when
// the watcher is between connections.
func (w *Watcher) Do(fn func(*st3215.Bus) error) error {
	w.mu.Lock()
	bus := w.bus
	w.mu.Unlock()

	if bus == nil {
		return st3215.ErrBusClosed
	}
	return fn(bus)
}

// Run drives the watch loop until ctx is cancelled. While the serial
// device is absent it retries on ReconnectInterval; while connected it
// scans on PollInterval and emits an Event for every roster change. A
// failed scan closes the bus and returns to the reconnect state.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.closeBus()

	var prev []int

	for {
		if !w.connected.Load() {
			bus, err := w.cfg.Open()
			if err != nil {
				w.log.Debug("bus unavailable", zap.Error(err))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(w.cfg.ReconnectInterval):
				}
				continue
			}
			w.setBus(bus)
			w.log.Info("bus connected")
			prev = nil
		}

		roster, err := w.scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("scan failed, reconnecting", zap.Error(err))
			w.closeBus()
			continue
		}

		ids := rosterIDs(roster)
		added, removed := Diff(prev, ids)
		if len(added) > 0 || len(removed) > 0 {
			w.log.Info("roster changed",
				zap.Ints("added", added),
				zap.Ints("removed", removed),
				zap.Ints("roster", ids))
			w.emit(Event{Added: added, Removed: removed, Roster: roster})
		}
		prev = ids

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Watcher) scan(ctx context.Context) ([]st3215.FoundServo, error) {
	w.mu.Lock()
	bus := w.bus
	w.mu.Unlock()

	if bus == nil {
		return nil, st3215.ErrBusClosed
	}
	return bus.Scan(ctx, w.cfg.StartID, w.cfg.EndID)
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Warn("event dropped, consumer too slow")
	}
}

func (w *Watcher) setBus(bus *st3215.Bus) {
	w.mu.Lock()
	w.bus = bus
	w.mu.Unlock()
	w.connected.Store(true)
}

func (w *Watcher) closeBus() {
	w.mu.Lock()
	bus := w.bus
	w.bus = nil
	w.mu.Unlock()

	w.connected.Store(false)
	if bus != nil {
		bus.Close()
	}
}

func rosterIDs(roster []st3215.FoundServo) []int {
	ids := make([]int, len(roster))
	for i, f := range roster {
		ids[i] = f.ID
	}
	return ids
}

// Diff compares two ascending ID rosters and reports which IDs appeared
// and which vanished.
func Diff(prev, cur []int) (added, removed []int) {
	i, j := 0, 0
	for i < len(prev) && j < len(cur) {
		switch {
		case prev[i] == cur[j]:
			i++
			j++
		case prev[i] < cur[j]:
			removed = append(removed, prev[i])
			i++
		default:
			added = append(added, cur[j])
			j++
		}
	}
	removed = append(removed, prev[i:]...)
	added = append(added, cur[j:]...)
	return added, removed
}
