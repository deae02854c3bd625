// Package progress is the in-process pub/sub channel for run status events.
//
// Publishing never blocks. A subscriber whose buffer is full is dropped:
// its channel is closed and it must resubscribe, using Snapshot to catch up.
// Events for one (runner, run) pair reach every subscriber in publish order.
package progress

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
)

// Event is one status update for a run.
type Event struct {
	RunnerID  string          `json:"runner_id"`
	RunID     int64           `json:"run_id"`
	State     model.RunStatus `json:"state"`
	Fraction  float64         `json:"fraction"`
	Phase     string          `json:"phase,omitempty"`
	Message   string          `json:"message,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Time      time.Time       `json:"time"`
}

// Key identifies the run an event belongs to.
type Key struct {
	RunnerID string
	RunID    int64
}

// Key returns the event's key.
func (e Event) Key() Key { return Key{RunnerID: e.RunnerID, RunID: e.RunID} }

// Subscription receives events on C until it is unsubscribed, dropped, or
// the bus is closed.
type Subscription struct {
	ID       string
	C        <-chan Event
	ch       chan Event
	runnerID string
	dropped  atomic.Bool
}

// Dropped reports whether the bus closed C because the subscriber fell
// behind.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Bus fans run events out to subscribers and remembers the last event of
// each runner's most recent run.
type Bus struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	last   map[string]Event // runner id -> last event of its newest run
	closed bool
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		logger: logger,
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}),
		last:   make(map[string]Event),
	}
}

// Subscribe registers a subscriber. A non-empty runnerID restricts delivery
// to that runner's events. The caller must call Unsubscribe when done.
func (b *Bus) Subscribe(runnerID string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, runnerID: runnerID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call more than
// once and after the subscriber was dropped.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish records ev as the latest state of its runner, unless the runner
// already has events from a newer run, and delivers it to matching
// subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if cur, ok := b.last[ev.RunnerID]; !ok || cur.RunID <= ev.RunID {
		b.last[ev.RunnerID] = ev
	}

	for sub := range b.subs {
		if sub.runnerID != "" && sub.runnerID != ev.RunnerID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Skipping just this event would reorder the stream for the
			// subscriber, so it is dropped entirely.
			delete(b.subs, sub)
			sub.dropped.Store(true)
			close(sub.ch)
			b.logger.Warn("progress: dropped slow subscriber",
				"subscription_id", sub.ID, "runner_id", ev.RunnerID, "run_id", ev.RunID)
		}
	}
}

// Snapshot returns the last event of the runner's most recent run.
func (b *Bus) Snapshot(runnerID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.last[runnerID]
	return ev, ok
}

// SnapshotRun returns the last event of a specific run. Only the runner's
// most recent run is remembered.
func (b *Bus) SnapshotRun(key Key) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.last[key.RunnerID]
	if !ok || ev.RunID != key.RunID {
		return Event{}, false
	}
	return ev, true
}

// Snapshots returns the latest event of every known runner, sorted by
// runner id.
func (b *Bus) Snapshots() []Event {
	b.mu.Lock()
	out := make([]Event, 0, len(b.last))
	for _, ev := range b.last {
		out = append(out, ev)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RunnerID < out[j].RunnerID })
	return out
}

// Forget discards every remembered event of a runner.
func (b *Bus) Forget(runnerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.last, runnerID)
}

// Close closes every subscription. Later publishes are ignored and later
// subscriptions receive an already-closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	clear(b.subs)
}
