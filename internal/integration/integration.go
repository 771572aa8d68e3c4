// Package integration implements the Integration Fan-out: a set of
// external sinks (MQTT, webhook, ...) that receive state-change and
// availability events for every device, each sink isolated from the
// others and from the Change Bus publisher by its own bounded,
// drop-oldest mailbox shared by all serials. One worker goroutine
// per sink means a slow or unavailable destination only delays its own
// mailbox, never another sink's delivery or the publisher.
package integration

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cjserio/nolongerevil/internal/availability"
	"github.com/cjserio/nolongerevil/internal/bus"
	"github.com/cjserio/nolongerevil/internal/model"
)

// Sink is one external integration. Implementations must not block the
// fan-out goroutine that calls them;
// a slow or unavailable sink only delays its own mailbox, never another
// sink's.
type Sink interface {
	Name() string
	Init() error
	Shutdown()
	OnStateChange(serial string, changed []model.Object)
	OnConnected(serial string)
	OnDisconnected(serial string)
}

// defaultMailboxCapacity bounds how many pending events a single sink may
// queue, across all serials, before the oldest is dropped. Register uses
// it when given a non-positive capacity.
const defaultMailboxCapacity = 64

type event struct {
	kind     eventKind
	serial   string
	changed  []model.Object
}

type eventKind int

const (
	kindState eventKind = iota
	kindConnected
	kindDisconnected
)

// worker drains one sink's mailbox in its own goroutine so one sink's
// slowness never blocks another's delivery or the publisher.
type worker struct {
	sink     Sink
	mailbox  chan event
	dropped  uint64
	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *logrus.Logger
}

func newWorker(sink Sink, capacity int, logger *logrus.Logger) *worker {
	w := &worker{
		sink:    sink,
		mailbox: make(chan event, capacity),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev := <-w.mailbox:
			w.deliver(ev)
		}
	}
}

func (w *worker) deliver(ev event) {
	switch ev.kind {
	case kindState:
		w.sink.OnStateChange(ev.serial, ev.changed)
	case kindConnected:
		w.sink.OnConnected(ev.serial)
	case kindDisconnected:
		w.sink.OnDisconnected(ev.serial)
	}
}

// enqueue is non-blocking: if the mailbox is full the oldest queued
// event is dropped to make room. It never blocks the caller (the Change
// Bus or the Availability Watchdog).
func (w *worker) enqueue(ev event) {
	for {
		select {
		case w.mailbox <- ev:
			return
		default:
		}
		select {
		case <-w.mailbox:
			w.mu.Lock()
			w.dropped++
			w.mu.Unlock()
			w.logger.WithField("sink", w.sink.Name()).Warn("integration mailbox full, dropped oldest event")
		default:
			// Someone else drained it first; retry the send.
		}
	}
}

func (w *worker) stop() {
	close(w.stopCh)
	<-w.doneCh
}

// FanOut owns one worker per registered Sink and implements bus.Listener
// and availability.Transitions so it can be wired directly into the
// Change Bus and the Availability Watchdog.
type FanOut struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	workers []*worker
}

// NewFanOut constructs an empty FanOut. Sinks are added with Register,
// which starts each sink's worker goroutine immediately.
func NewFanOut(logger *logrus.Logger) *FanOut {
	return &FanOut{logger: logger}
}

// Register adds sink to the fan-out and calls its Init hook. If Init
// fails the sink is not registered.
func (f *FanOut) Register(sink Sink, capacity int) error {
	if capacity <= 0 {
		capacity = defaultMailboxCapacity
	}
	if err := sink.Init(); err != nil {
		return err
	}
	f.mu.Lock()
	f.workers = append(f.workers, newWorker(sink, capacity, f.logger))
	f.mu.Unlock()
	return nil
}

// Notify implements bus.Listener: every registered sink's mailbox
// receives the batch, so each sink sees every change.
func (f *FanOut) Notify(serial string, changed []model.Object) {
	if len(changed) == 0 {
		return
	}
	f.broadcast(event{kind: kindState, serial: serial, changed: changed})
}

// OnConnected implements availability.Transitions.
func (f *FanOut) OnConnected(serial string) {
	f.broadcast(event{kind: kindConnected, serial: serial})
}

// OnDisconnected implements availability.Transitions.
func (f *FanOut) OnDisconnected(serial string) {
	f.broadcast(event{kind: kindDisconnected, serial: serial})
}

func (f *FanOut) broadcast(ev event) {
	f.mu.RLock()
	workers := make([]*worker, len(f.workers))
	copy(workers, f.workers)
	f.mu.RUnlock()

	for _, w := range workers {
		w.enqueue(ev)
	}
}

// Shutdown stops every worker and calls each sink's Shutdown hook.
func (f *FanOut) Shutdown() {
	f.mu.Lock()
	workers := f.workers
	f.workers = nil
	f.mu.Unlock()

	for _, w := range workers {
		w.stop()
		w.sink.Shutdown()
	}
}

var (
	_ bus.Listener             = (*FanOut)(nil)
	_ availability.Transitions = (*FanOut)(nil)
)
