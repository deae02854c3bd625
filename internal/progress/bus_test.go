package progress

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/kensa/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBusFanOutAndFilter(t *testing.T) {
	bus := NewBus(8, testLogger())
	defer bus.Close()

	all := bus.Subscribe("")
	onlyA := bus.Subscribe("runner-a")

	bus.Publish(Event{RunnerID: "runner-b", RunID: 1, State: model.RunStatusPending})
	bus.Publish(Event{RunnerID: "runner-a", RunID: 1, State: model.RunStatusRunning, Fraction: 0.5})

	assert.Equal(t, "runner-b", recv(t, all).RunnerID)
	assert.Equal(t, "runner-a", recv(t, all).RunnerID)

	got := recv(t, onlyA)
	assert.Equal(t, "runner-a", got.RunnerID)
	assert.InDelta(t, 0.5, got.Fraction, 1e-9)
	assert.False(t, got.Time.IsZero(), "publish stamps a time")

	select {
	case ev := <-onlyA.C:
		t.Fatalf("unexpected event for filtered subscriber: %+v", ev)
	default:
	}
}

func TestBusPreservesOrderPerRun(t *testing.T) {
	bus := NewBus(128, testLogger())
	defer bus.Close()
	sub := bus.Subscribe("r")

	for i := range 100 {
		bus.Publish(Event{RunnerID: "r", RunID: 1, State: model.RunStatusRunning, Fraction: float64(i) / 100})
	}
	prev := -1.0
	for range 100 {
		ev := recv(t, sub)
		assert.Greater(t, ev.Fraction, prev)
		prev = ev.Fraction
	}
}

func TestBusDropsSlowSubscriber(t *testing.T) {
	bus := NewBus(2, testLogger())
	defer bus.Close()

	slow := bus.Subscribe("")
	fast := bus.Subscribe("")

	for i := range 3 {
		bus.Publish(Event{RunnerID: "r", RunID: 1, Fraction: float64(i) / 10})
		recv(t, fast)
	}

	// The slow subscriber still gets the two buffered events, then sees the
	// channel closed.
	assert.InDelta(t, 0.0, recv(t, slow).Fraction, 1e-9)
	assert.InDelta(t, 0.1, recv(t, slow).Fraction, 1e-9)
	_, ok := <-slow.C
	assert.False(t, ok)
	assert.True(t, slow.Dropped())
	assert.False(t, fast.Dropped())

	// Unsubscribing a dropped subscriber is harmless.
	bus.Unsubscribe(slow)
}

func TestBusSnapshots(t *testing.T) {
	bus := NewBus(4, testLogger())
	defer bus.Close()

	_, ok := bus.Snapshot("r")
	assert.False(t, ok)

	bus.Publish(Event{RunnerID: "r", RunID: 1, State: model.RunStatusCompleted, Fraction: 1})
	bus.Publish(Event{RunnerID: "r", RunID: 2, State: model.RunStatusRunning, Fraction: 0.2})
	bus.Publish(Event{RunnerID: "q", RunID: 7, State: model.RunStatusPending})

	ev, ok := bus.Snapshot("r")
	require.True(t, ok)
	assert.Equal(t, int64(2), ev.RunID)

	ev, ok = bus.SnapshotRun(Key{RunnerID: "r", RunID: 2})
	require.True(t, ok)
	assert.Equal(t, model.RunStatusRunning, ev.State)

	all := bus.Snapshots()
	require.Len(t, all, 2)
	assert.Equal(t, "q", all[0].RunnerID)
	assert.Equal(t, "r", all[1].RunnerID)

	bus.Forget("r")
	_, ok = bus.Snapshot("r")
	assert.False(t, ok)
	_, ok = bus.SnapshotRun(Key{RunnerID: "r", RunID: 2})
	assert.False(t, ok)
}

func TestBusKeepsOnlyNewestRunPerRunner(t *testing.T) {
	bus := NewBus(4, testLogger())
	defer bus.Close()

	for id := int64(1); id <= 100; id++ {
		bus.Publish(Event{RunnerID: "r", RunID: id, State: model.RunStatusRunning})
		bus.Publish(Event{RunnerID: "r", RunID: id, State: model.RunStatusCompleted, Fraction: 1})
	}
	assert.Len(t, bus.last, 1)

	_, ok := bus.SnapshotRun(Key{RunnerID: "r", RunID: 99})
	assert.False(t, ok, "older runs are not remembered")
	ev, ok := bus.SnapshotRun(Key{RunnerID: "r", RunID: 100})
	require.True(t, ok)
	assert.Equal(t, model.RunStatusCompleted, ev.State)

	// A late event of an older run is delivered but does not replace the
	// newer run's state.
	sub := bus.Subscribe("r")
	defer bus.Unsubscribe(sub)
	bus.Publish(Event{RunnerID: "r", RunID: 42, State: model.RunStatusCancelled})
	assert.Equal(t, int64(42), recv(t, sub).RunID)
	ev, ok = bus.Snapshot("r")
	require.True(t, ok)
	assert.Equal(t, int64(100), ev.RunID)
	assert.Equal(t, model.RunStatusCompleted, ev.State)
}

func TestBusClose(t *testing.T) {
	bus := NewBus(4, testLogger())
	sub := bus.Subscribe("")
	bus.Close()
	bus.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	late := bus.Subscribe("")
	_, ok = <-late.C
	assert.False(t, ok)

	bus.Publish(Event{RunnerID: "r"})
	bus.Unsubscribe(sub)
}
