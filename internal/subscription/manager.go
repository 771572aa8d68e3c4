// Package subscription implements the Subscription Manager: the live
// long-poll waiter table, delta matching, and a channel-of-one-with-merge
// delivery mechanism.
//
// A subscription's identity is a server-minted id; the device's own
// session id is kept only as a diagnostic label, never as a table key,
// because devices reuse it across overlapping long-poll requests.
//
// The channel-of-one-with-merge shape — a wake signal on a capacity-1
// channel, with the actual delta data held behind a per-subscription
// mutex — lets Notify enqueue a delta without blocking on a slow or
// already-departed waiter, while Wait drains whatever accumulated once
// woken.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjserio/nolongerevil/internal/model"
)

// ErrOverflow is returned by Subscribe when the per-device live-count
// already reached the configured cap.
var ErrOverflow = errors.New("subscription: per-device subscription cap reached")

// ActivityReporter receives a heartbeat whenever a serial's subscription
// count transitions from zero to one. The Availability Watchdog
// implements this.
type ActivityReporter interface {
	MarkSeen(serial string)
}

// Outcome describes why Wait returned.
type Outcome int

const (
	// Delivered means a non-empty delta was returned.
	Delivered Outcome = iota
	// TimedOut means the deadline elapsed with no matching change.
	TimedOut
	// Cancelled means the caller's context was cancelled (e.g. TCP close).
	Cancelled
)

// Subscription is a live long-poll registration binding a serial, a
// watched-keys map, and a single-shot delivery channel.
type Subscription struct {
	ID              string
	Serial          string
	DeviceSessionID string // diagnostic only, never used as a key
	CreatedAt       time.Time

	watched map[string]int64 // object_key -> last-known revision

	wake chan struct{} // capacity 1; carries no data, only a wake-up

	mu       sync.Mutex
	pending  map[string]model.Object // object_key -> highest-revision delta not yet delivered
	awake    bool
	terminal bool
}

// Watched returns a copy of the subscription's watched-keys map.
func (s *Subscription) Watched() map[string]int64 {
	out := make(map[string]int64, len(s.watched))
	for k, v := range s.watched {
		out[k] = v
	}
	return out
}

func newSubscription(serial, deviceSessionID string, watched map[string]int64) *Subscription {
	w := make(map[string]int64, len(watched))
	for k, v := range watched {
		w[k] = v
	}
	return &Subscription{
		ID:              uuid.NewString(),
		Serial:          serial,
		DeviceSessionID: deviceSessionID,
		CreatedAt:       time.Now(),
		watched:         w,
		wake:            make(chan struct{}, 1),
	}
}

// Manager tracks every live Subscription, keyed by serial, and matches
// published changes against each subscriber's watched keys.
type Manager struct {
	maxPerDevice      int
	resubscribeWindow time.Duration
	activity          ActivityReporter

	mu        sync.Mutex
	bySerial  map[string]map[string]*Subscription // serial -> sub id -> *Subscription
	lastEnded map[string]time.Time
}

// New constructs a Manager. activity may be nil if no availability
// tracking is wired up (e.g. in unit tests of this package alone).
func New(maxPerDevice int, resubscribeWindow time.Duration, activity ActivityReporter) *Manager {
	return &Manager{
		maxPerDevice:      maxPerDevice,
		resubscribeWindow: resubscribeWindow,
		activity:          activity,
		bySerial:          make(map[string]map[string]*Subscription),
		lastEnded:         make(map[string]time.Time),
	}
}

// Subscribe registers a new Subscription for serial watching the given
// object_key -> last-known-revision map. deviceSessionID is recorded for
// diagnostics only.
func (m *Manager) Subscribe(serial, deviceSessionID string, watched map[string]int64) (*Subscription, error) {
	m.mu.Lock()
	table := m.bySerial[serial]
	if len(table) >= m.maxPerDevice {
		m.mu.Unlock()
		return nil, ErrOverflow
	}
	firstForSerial := len(table) == 0

	sub := newSubscription(serial, deviceSessionID, watched)
	if table == nil {
		table = make(map[string]*Subscription)
		m.bySerial[serial] = table
	}
	table[sub.ID] = sub
	m.mu.Unlock()

	if firstForSerial && m.activity != nil {
		m.activity.MarkSeen(serial)
	}
	return sub, nil
}

// Unsubscribe idempotently removes sub from the live table and records
// the end time used by IsResubscribe. Safe to call multiple times and
// safe to call concurrently with Wait (Wait calls this itself on every
// exit path).
func (m *Manager) Unsubscribe(sub *Subscription) {
	sub.mu.Lock()
	if sub.terminal {
		sub.mu.Unlock()
		return
	}
	sub.terminal = true
	sub.mu.Unlock()

	m.mu.Lock()
	if table, ok := m.bySerial[sub.Serial]; ok {
		delete(table, sub.ID)
		if len(table) == 0 {
			delete(m.bySerial, sub.Serial)
		}
	}
	m.lastEnded[sub.Serial] = time.Now()
	m.mu.Unlock()
}

// Wait blocks until sub receives a delivery, ctx is done, or a deadline
// set on ctx elapses. On every exit path the subscription is removed
// from the live table.
func (m *Manager) Wait(ctx context.Context, sub *Subscription) ([]model.Object, Outcome) {
	defer m.Unsubscribe(sub)

	select {
	case <-sub.wake:
		return drainPending(sub), Delivered
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, TimedOut
		}
		return nil, Cancelled
	}
}

func drainPending(sub *Subscription) []model.Object {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := make([]model.Object, 0, len(sub.pending))
	for _, o := range sub.pending {
		out = append(out, o)
	}
	sub.pending = nil
	sub.awake = false
	return out
}

// Notify matches changed against every live subscription for serial,
// enqueuing (with merge-on-full semantics) the objects each subscriber
// actually cares about. It returns the count of subscriptions that
// received a new (possibly merged) delta as a result of this call.
//
// The per-serial table lock is held only long enough to snapshot the
// live subscriber set; delivery itself happens outside the lock so one
// slow subscriber can never stall the others.
func (m *Manager) Notify(serial string, changed []model.Object) int {
	if len(changed) == 0 {
		return 0
	}

	m.mu.Lock()
	table := m.bySerial[serial]
	subs := make([]*Subscription, 0, len(table))
	for _, s := range table {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		if enqueueDelta(sub, changed) {
			delivered++
		}
	}
	return delivered
}

// enqueueDelta computes sub's delta from changed and merges it into the
// subscription's pending batch, waking the subscriber if it wasn't
// already woken. It returns true iff the delta was non-empty.
func enqueueDelta(sub *Subscription, changed []model.Object) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.terminal {
		return false
	}

	added := false
	for _, o := range changed {
		lastKnown, watched := sub.watched[o.ObjectKey]
		if !watched || o.Revision <= lastKnown {
			continue
		}
		if existing, ok := sub.pending[o.ObjectKey]; ok && existing.Revision >= o.Revision {
			continue
		}
		if sub.pending == nil {
			sub.pending = make(map[string]model.Object)
		}
		sub.pending[o.ObjectKey] = o.Clone()
		added = true
	}
	if !added {
		return false
	}

	if !sub.awake {
		sub.awake = true
		select {
		case sub.wake <- struct{}{}:
		default:
			// Already has a pending wake signal (race with a concurrent
			// enqueue); the merged pending map will still be picked up
			// whenever the consumer drains it.
		}
	}
	return true
}

// IsResubscribe reports whether serial's most recent subscription ended
// within the re-subscribe window, i.e. this is likely part of the
// device's normal observe loop rather than a fresh connection.
func (m *Manager) IsResubscribe(serial string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ended, ok := m.lastEnded[serial]
	if !ok {
		return false
	}
	return time.Since(ended) < m.resubscribeWindow
}

// LiveCount returns the number of live subscriptions for serial.
func (m *Manager) LiveCount(serial string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySerial[serial])
}

// HasLive reports whether serial has at least one live subscription,
// used by the Availability Watchdog's background sweep.
func (m *Manager) HasLive(serial string) bool {
	return m.LiveCount(serial) > 0
}

// LiveSerials returns every serial with at least one live subscription.
func (m *Manager) LiveSerials() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.bySerial))
	for serial, table := range m.bySerial {
		if len(table) > 0 {
			out = append(out, serial)
		}
	}
	return out
}
