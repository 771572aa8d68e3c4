package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjserio/nolongerevil/internal/model"
)

type recordingActivity struct {
	mu   sync.Mutex
	seen []string
}

func (a *recordingActivity) MarkSeen(serial string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, serial)
}

func (a *recordingActivity) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

// A delivered delta must include only watched keys with a newer revision.
func TestNotifyDeliversOnlyMatchingNewerRevisions(t *testing.T) {
	m := New(100, 5*time.Second, nil)
	sub, err := m.Subscribe("AAA", "dev-session-1", map[string]int64{"device.AAA": 4})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan []model.Object, 1)
	go func() {
		got, outcome := m.Wait(ctx, sub)
		assert.Equal(t, Delivered, outcome)
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	n := m.Notify("AAA", []model.Object{
		{Serial: "AAA", ObjectKey: "device.AAA", Revision: 5, Value: model.Value{"x": 1.0}},
		{Serial: "AAA", ObjectKey: "shared.AAA", Revision: 3, Value: model.Value{"y": 1.0}}, // not watched
	})
	assert.Equal(t, 1, n)

	got := <-done
	require.Len(t, got, 1)
	assert.Equal(t, "device.AAA", got[0].ObjectKey)
	assert.Equal(t, int64(5), got[0].Revision)
}

// At-most-one delivery: a delivered subscription is removed from the live
// table.
func TestWaitRemovesSubscriptionOnDelivery(t *testing.T) {
	m := New(100, 5*time.Second, nil)
	sub, err := m.Subscribe("AAA", "", map[string]int64{"device.AAA": 0})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go m.Notify("AAA", []model.Object{{Serial: "AAA", ObjectKey: "device.AAA", Revision: 1}})

	_, outcome := m.Wait(ctx, sub)
	assert.Equal(t, Delivered, outcome)
	assert.Equal(t, 0, m.LiveCount("AAA"))
}

// A long-poll with no matching changes times out once its deadline elapses.
func TestWaitTimesOutWithNoChanges(t *testing.T) {
	m := New(100, 5*time.Second, nil)
	sub, err := m.Subscribe("AAA", "", map[string]int64{"device.AAA": 5})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	got, outcome := m.Wait(ctx, sub)
	elapsed := time.Since(start)

	assert.Equal(t, TimedOut, outcome)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Equal(t, 0, m.LiveCount("AAA"))
}

func TestWaitCancelled(t *testing.T) {
	m := New(100, 5*time.Second, nil)
	sub, err := m.Subscribe("AAA", "", map[string]int64{"device.AAA": 5})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, outcome := m.Wait(ctx, sub)
	assert.Equal(t, Cancelled, outcome)
}

// Subscribe enforces the per-device cap.
func TestSubscribeCap(t *testing.T) {
	m := New(100, 5*time.Second, nil)
	var subs []*Subscription
	for i := 0; i < 100; i++ {
		sub, err := m.Subscribe("BBB", "", map[string]int64{"shared.BBB": 0})
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	_, err := m.Subscribe("BBB", "", map[string]int64{"shared.BBB": 0})
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, 100, m.LiveCount("BBB"))

	// Existing subscriptions are undisturbed.
	for _, sub := range subs {
		assert.False(t, sub.terminal)
	}
}

// 100 concurrent observes on the same object all receive a delta from one
// increment.
func TestHundredConcurrentSubscribersAllDelivered(t *testing.T) {
	m := New(100, 5*time.Second, nil)
	var subs []*Subscription
	for i := 0; i < 100; i++ {
		sub, err := m.Subscribe("BBB", "", map[string]int64{"shared.BBB": 2})
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	var wg sync.WaitGroup
	results := make([]Outcome, 100)
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, outcome := m.Wait(ctx, sub)
			results[i] = outcome
		}(i, sub)
	}

	time.Sleep(20 * time.Millisecond)
	n := m.Notify("BBB", []model.Object{{Serial: "BBB", ObjectKey: "shared.BBB", Revision: 3}})
	assert.Equal(t, 100, n)

	wg.Wait()
	for _, o := range results {
		assert.Equal(t, Delivered, o)
	}
}

func TestIsResubscribeWindow(t *testing.T) {
	m := New(100, 30*time.Millisecond, nil)
	sub, err := m.Subscribe("AAA", "", map[string]int64{"device.AAA": 0})
	require.NoError(t, err)

	assert.False(t, m.IsResubscribe("AAA"), "no ended subscription yet")

	m.Unsubscribe(sub)
	assert.True(t, m.IsResubscribe("AAA"), "just ended, inside window")

	time.Sleep(50 * time.Millisecond)
	assert.False(t, m.IsResubscribe("AAA"), "window elapsed")
}

func TestFirstSubscriptionMarksActivityOnce(t *testing.T) {
	activity := &recordingActivity{}
	m := New(100, time.Second, activity)

	sub1, err := m.Subscribe("AAA", "", map[string]int64{"device.AAA": 0})
	require.NoError(t, err)
	_, err = m.Subscribe("AAA", "", map[string]int64{"device.AAA": 0})
	require.NoError(t, err)

	assert.Equal(t, 1, activity.count(), "only the first registration for a serial reports activity")

	m.Unsubscribe(sub1)
	_, err = m.Subscribe("AAA", "", map[string]int64{"device.AAA": 0})
	require.NoError(t, err)
	assert.Equal(t, 1, activity.count(), "serial still has a live subscription, not a fresh first registration")
}

func TestUnsubscribeIdempotent(t *testing.T) {
	m := New(100, time.Second, nil)
	sub, err := m.Subscribe("AAA", "", map[string]int64{"device.AAA": 0})
	require.NoError(t, err)

	m.Unsubscribe(sub)
	m.Unsubscribe(sub) // must not panic or double-count lastEnded weirdly
	assert.Equal(t, 0, m.LiveCount("AAA"))
}
