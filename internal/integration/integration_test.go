package integration

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjserio/nolongerevil/internal/model"
)

type recordingSink struct {
	name string

	mu        sync.Mutex
	state     []string
	connected []string
	disconn   []string
	shutdown  bool

	block chan struct{} // if non-nil, OnStateChange waits on this
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) Init() error  { return nil }
func (s *recordingSink) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}
func (s *recordingSink) OnStateChange(serial string, changed []model.Object) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = append(s.state, serial)
}
func (s *recordingSink) OnConnected(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, serial)
}
func (s *recordingSink) OnDisconnected(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconn = append(s.disconn, serial)
}

func (s *recordingSink) snapshot() (state, connected, disconn []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.state...), append([]string(nil), s.connected...), append([]string(nil), s.disconn...)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestFanOutDeliversToAllSinks(t *testing.T) {
	f := NewFanOut(testLogger())
	s1 := &recordingSink{name: "a"}
	s2 := &recordingSink{name: "b"}
	require.NoError(t, f.Register(s1, 8))
	require.NoError(t, f.Register(s2, 8))
	defer f.Shutdown()

	f.Notify("AAA", []model.Object{{Serial: "AAA", ObjectKey: "device.AAA", Revision: 1}})

	require.Eventually(t, func() bool {
		st1, _, _ := s1.snapshot()
		st2, _, _ := s2.snapshot()
		return len(st1) == 1 && len(st2) == 1
	}, time.Second, time.Millisecond)
}

func TestFanOutEmptyBatchIsNoOp(t *testing.T) {
	f := NewFanOut(testLogger())
	s1 := &recordingSink{name: "a"}
	require.NoError(t, f.Register(s1, 8))
	defer f.Shutdown()

	f.Notify("AAA", nil)
	time.Sleep(10 * time.Millisecond)
	st, _, _ := s1.snapshot()
	assert.Empty(t, st)
}

func TestFanOutConnectedDisconnected(t *testing.T) {
	f := NewFanOut(testLogger())
	s1 := &recordingSink{name: "a"}
	require.NoError(t, f.Register(s1, 8))
	defer f.Shutdown()

	f.OnConnected("AAA")
	f.OnDisconnected("AAA")

	require.Eventually(t, func() bool {
		_, connected, disconn := s1.snapshot()
		return len(connected) == 1 && len(disconn) == 1
	}, time.Second, time.Millisecond)
}

// A blocked sink must not prevent delivery to a healthy sink.
func TestSlowSinkDoesNotBlockOthers(t *testing.T) {
	f := NewFanOut(testLogger())
	block := make(chan struct{})
	slow := &recordingSink{name: "slow", block: block}
	fast := &recordingSink{name: "fast"}
	require.NoError(t, f.Register(slow, 8))
	require.NoError(t, f.Register(fast, 8))
	defer func() {
		close(block)
		f.Shutdown()
	}()

	f.Notify("AAA", []model.Object{{Serial: "AAA", ObjectKey: "device.AAA", Revision: 1}})

	require.Eventually(t, func() bool {
		st, _, _ := fast.snapshot()
		return len(st) == 1
	}, time.Second, time.Millisecond, "fast sink must receive its event while slow sink is blocked")
}

func TestMailboxDropsOldestOnOverflow(t *testing.T) {
	f := NewFanOut(testLogger())
	block := make(chan struct{})
	sink := &recordingSink{name: "slow", block: block}
	require.NoError(t, f.Register(sink, 2))
	defer f.Shutdown()

	// First Notify is picked up immediately by the worker and blocks on
	// <-block, leaving the mailbox itself empty to fill from here.
	f.Notify("AAA", []model.Object{{Serial: "AAA", ObjectKey: "device.AAA", Revision: 1}})
	time.Sleep(10 * time.Millisecond)

	for i := 2; i <= 5; i++ {
		f.Notify("AAA", []model.Object{{Serial: "AAA", ObjectKey: "device.AAA", Revision: int64(i)}})
	}

	// Capacity 2: revisions 2 and 3 fill the mailbox, then 4 and 5 each
	// evict the oldest queued event, leaving revisions 4 and 5 queued.
	close(block)
	require.Eventually(t, func() bool {
		st, _, _ := sink.snapshot()
		return len(st) == 3
	}, time.Second, time.Millisecond)

	w := f.workers[0]
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, uint64(2), w.dropped)
}

func TestShutdownStopsWorkersAndCallsSinkShutdown(t *testing.T) {
	f := NewFanOut(testLogger())
	sink := &recordingSink{name: "a"}
	require.NoError(t, f.Register(sink, 8))

	f.Shutdown()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.shutdown)
}
