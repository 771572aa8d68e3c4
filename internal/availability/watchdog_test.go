package availability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransitions struct {
	mu        sync.Mutex
	connected []string
	disconn   []string
}

func (r *recordingTransitions) OnConnected(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, serial)
}

func (r *recordingTransitions) OnDisconnected(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconn = append(r.disconn, serial)
}

func (r *recordingTransitions) snapshot() (connected, disconn []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connected...), append([]string(nil), r.disconn...)
}

// Connected/disconnected must fire only on state transitions, never on
// every repeated MarkSeen.
func TestMarkSeenEmitsConnectedOnlyOnTransition(t *testing.T) {
	tr := &recordingTransitions{}
	w := New(time.Hour, time.Hour, nil, tr)

	w.MarkSeen("AAA")
	w.MarkSeen("AAA")
	w.MarkSeen("AAA")

	connected, disconn := tr.snapshot()
	require.Len(t, connected, 1, "repeated MarkSeen on an already-available serial must not re-fire connected")
	assert.Equal(t, "AAA", connected[0])
	assert.Empty(t, disconn)
	assert.True(t, w.IsAvailable("AAA"))
}

func TestUntrackedSerialIsUnavailable(t *testing.T) {
	w := New(time.Hour, time.Hour, nil, nil)
	assert.False(t, w.IsAvailable("ZZZ"))
}

// A device that goes silent past the timeout is flipped unavailable
// exactly once; a subsequent MarkSeen flips it back exactly once.
func TestSweepDisconnectsAfterTimeoutThenReconnects(t *testing.T) {
	tr := &recordingTransitions{}
	w := New(5*time.Millisecond, 20*time.Millisecond, nil, tr)
	w.MarkSeen("AAA")

	go w.Run()
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, disconn := tr.snapshot()
		return len(disconn) == 1
	}, time.Second, time.Millisecond, "expected exactly one disconnected edge")

	assert.False(t, w.IsAvailable("AAA"))

	w.MarkSeen("AAA")
	connected, _ := tr.snapshot()
	require.Len(t, connected, 2, "reconnect after a disconnect must re-fire connected")
	assert.True(t, w.IsAvailable("AAA"))

	// Sweep should not re-disconnect an already-disconnected serial more
	// than once while it stays silent again.
	time.Sleep(40 * time.Millisecond)
	_, disconn := tr.snapshot()
	assert.Len(t, disconn, 2)
}

func TestSweepTreatsLiveSubscriptionAsHeartbeat(t *testing.T) {
	tr := &recordingTransitions{}
	live := &fakeLiveChecker{serials: []string{"AAA"}}
	w := New(5*time.Millisecond, 15*time.Millisecond, live, tr)

	go w.Run()
	defer w.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.True(t, w.IsAvailable("AAA"), "a live subscription should keep the serial marked available")
	_, disconn := tr.snapshot()
	assert.Empty(t, disconn)
}

func TestGetStatusSnapshot(t *testing.T) {
	w := New(time.Hour, time.Hour, nil, nil)
	w.MarkSeen("AAA")
	w.MarkSeen("BBB")

	snap := w.GetStatus()
	require.Len(t, snap, 2)
	assert.True(t, snap["AAA"].Available)
	assert.True(t, snap["BBB"].Available)
}

func TestStopJoinsBackgroundLoop(t *testing.T) {
	w := New(5*time.Millisecond, time.Hour, nil, nil)
	go w.Run()
	w.Stop() // must return, not deadlock or panic
}

type fakeLiveChecker struct {
	serials []string
}

func (f *fakeLiveChecker) HasLive(serial string) bool {
	for _, s := range f.serials {
		if s == serial {
			return true
		}
	}
	return false
}

func (f *fakeLiveChecker) LiveSerials() []string { return f.serials }
