package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAsyncBus(t *testing.T, cfg *Config) *AsyncBus {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	bus := NewAsyncBus(WithConfig(cfg))
	t.Cleanup(func() {
		if bus.Running() {
			_ = bus.StopWorkers()
		}
	})
	return bus
}

func TestAsyncPostRequiresBind(t *testing.T) {
	bus := newTestAsyncBus(t, nil)
	_, err := bus.Post(&userCreated{})
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestAsyncStartRequiresBind(t *testing.T) {
	bus := newTestAsyncBus(t, nil)
	assert.ErrorIs(t, bus.StartWorkers(), ErrNotBound)
}

func TestAsyncPostReturnsUnprocessedEvent(t *testing.T) {
	bus := newTestAsyncBus(t, nil)
	rec := &recorder{}
	require.NoError(t, bus.Register(noteUserCreated(t, rec, "h", MethodOptions{})))
	require.NoError(t, bus.Bind())

	e := &userCreated{name: "alice"}
	returned, err := bus.Post(e)
	require.NoError(t, err)
	assert.Same(t, e, returned)
}

func TestAsyncWorkerLifecycle(t *testing.T) {
	bus := newTestAsyncBus(t, nil)
	require.NoError(t, bus.Bind())

	assert.ErrorIs(t, bus.StopWorkers(), ErrWorkersNotRunning)

	require.NoError(t, bus.StartWorkers())
	assert.True(t, bus.Running())
	assert.ErrorIs(t, bus.StartWorkers(), ErrWorkersRunning)

	require.NoError(t, bus.StopWorkers())
	assert.False(t, bus.Running())

	// Restartable after a stop.
	require.NoError(t, bus.StartWorkers())
	require.NoError(t, bus.StopWorkers())
}

// Scenario: 2 workers, one handler appending to a shared list, a
// feedback handler recording completions. 100 posts: eventually the list
// holds 100 entries, feedback ran 100 times, and no two feedback calls
// overlapped.
func TestAsyncFeedbackSerialized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerCount = 2
	bus := newTestAsyncBus(t, cfg)

	rec := &recorder{}
	require.NoError(t, bus.Register(noteUserCreated(t, rec, "handled", MethodOptions{})))
	require.NoError(t, bus.Bind())

	var feedbackCalls atomic.Int64
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	bus.SetFeedback(func(e Event) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(100 * time.Microsecond)
		inFlight.Add(-1)
		feedbackCalls.Add(1)
	})

	require.NoError(t, bus.StartWorkers())
	for i := 0; i < 100; i++ {
		_, err := bus.Post(&userCreated{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return rec.count() == 100 && feedbackCalls.Load() == 100
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, overlapped.Load(), "feedback invocations overlapped")
}

func TestAsyncRebindSwapsWorkerSnapshots(t *testing.T) {
	bus := newTestAsyncBus(t, nil)
	rec := &recorder{}

	require.NoError(t, bus.Register(noteUserCreated(t, rec, "first", MethodOptions{})))
	require.NoError(t, bus.Bind())
	require.NoError(t, bus.StartWorkers())

	_, err := bus.Post(&userCreated{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Register a second handler and rebind while workers run.
	require.NoError(t, bus.Register(noteUserCreated(t, rec, "second", MethodOptions{Priority: -1})))
	require.NoError(t, bus.Bind())

	_, err = bus.Post(&userCreated{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "first", "second"}, rec.snapshot())
}

func TestAsyncStopDiscardsBacklog(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerCount = 1
	bus := newTestAsyncBus(t, cfg)

	block := make(chan struct{})
	d, err := NewDescriptorFor(nil, func(e *userCreated) { <-block }, MethodOptions{})
	require.NoError(t, err)
	require.NoError(t, bus.Register(d))
	require.NoError(t, bus.Bind())
	require.NoError(t, bus.StartWorkers())

	for i := 0; i < 10; i++ {
		_, err := bus.Post(&userCreated{})
		require.NoError(t, err)
	}

	close(block)
	require.NoError(t, bus.StopWorkers())
	assert.Equal(t, 0, bus.QueueDepth())
}

func TestAsyncCancellableDispatch(t *testing.T) {
	bus := newTestAsyncBus(t, nil)
	rec := &recorder{}

	require.NoError(t, bus.Register(noteAudit(t, rec, "cancels", true, MethodOptions{Priority: 1})))
	require.NoError(t, bus.Register(noteAudit(t, rec, "skipped", false, MethodOptions{})))
	require.NoError(t, bus.Bind())

	done := make(chan Event, 1)
	bus.SetFeedback(func(e Event) { done <- e })
	require.NoError(t, bus.StartWorkers())

	_, err := bus.Post(&auditTrail{})
	require.NoError(t, err)

	select {
	case e := <-done:
		assert.True(t, e.(Cancellable).IsCancelled())
		assert.Equal(t, []string{"cancels"}, rec.snapshot())
	case <-time.After(2 * time.Second):
		t.Fatal("feedback not invoked")
	}
}

func TestAsyncManualManagement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerCount = 1
	cfg.ManualManagement = true
	bus := newTestAsyncBus(t, cfg)

	rec := &recorder{}
	require.NoError(t, bus.Register(noteUserCreated(t, rec, "h", MethodOptions{})))
	require.NoError(t, bus.Bind())
	require.NoError(t, bus.StartWorkers())

	_, err := bus.Post(&userCreated{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, bus.StopWorkers())
}

func TestAsyncCopyBus(t *testing.T) {
	bus := newTestAsyncBus(t, nil)
	rec := &recorder{}
	require.NoError(t, bus.Register(noteUserCreated(t, rec, "orig", MethodOptions{})))
	require.NoError(t, bus.Bind())

	cp, err := bus.CopyBus()
	require.NoError(t, err)
	t.Cleanup(func() {
		if cp.Running() {
			_ = cp.StopWorkers()
		}
	})

	assert.False(t, cp.Running())
	assert.Len(t, cp.Snapshot().Descriptors, 1)

	require.NoError(t, cp.StartWorkers())
	_, err = cp.Post(&userCreated{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestAsyncWorkersDrainConcurrently(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerCount = 4
	bus := newTestAsyncBus(t, cfg)

	var mu sync.Mutex
	seen := make(map[string]bool)
	d, err := NewDescriptorFor(nil, func(e *userCreated) {
		mu.Lock()
		seen[e.name] = true
		mu.Unlock()
	}, MethodOptions{})
	require.NoError(t, err)
	require.NoError(t, bus.Register(d))
	require.NoError(t, bus.Bind())
	require.NoError(t, bus.StartWorkers())

	for i := 0; i < 50; i++ {
		_, err := bus.Post(&userCreated{name: string(rune('a' + i%26))})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return bus.Stats().Dispatched == 50
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 26, len(seen))
}
