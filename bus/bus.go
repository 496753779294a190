// Package bus provides the in-process publish/subscribe channel that makes
// execution progress observable. A Bus is keyed by execution id: publishers
// (the scheduler) emit lifecycle events, subscribers (SSE handlers, tests)
// receive them over buffered channels. Publication is non-blocking and
// best-effort: a slow or gone subscriber loses events, never the scheduler.
//
// The Bus is an explicit, constructor-injected service with its own
// lifecycle. Create one per process (or per test) and Close it at shutdown;
// it is not a package-level singleton.
package bus

import (
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Options configures a Bus.
type Options struct {
	// BufferSize is the per-subscriber delivery buffer. Events beyond it are
	// dropped for that subscriber only.
	BufferSize int
	// HeartbeatInterval is the cadence of heartbeat events on every live
	// subscription, so observers can detect a dead connection independent of
	// subtask activity.
	HeartbeatInterval time.Duration
	// Logger receives drop diagnostics. Defaults to a no-op logger.
	Logger logging.Logger
}

// Bus is a multi-producer/multi-consumer event channel keyed by execution id.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	opts   Options
	closed bool
}

// New creates a Bus with a 64-event buffer and 15s heartbeats by default.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		BufferSize:        64,
		HeartbeatInterval: 15 * time.Second,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Bus{
		subs: make(map[string]map[*Subscription]struct{}),
		opts: opts,
	}
}

// Subscription is one live feed of events for a single execution.
type Subscription struct {
	executionID string
	ch          chan core.Event
	done        chan struct{} // signals the heartbeat goroutine to stop
	hbDone      chan struct{} // closed when the heartbeat goroutine has exited
	closeOnce   sync.Once
	bus         *Bus
}

// Events returns the receive side of the subscription. The channel is closed
// when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan core.Event { return s.ch }

// ExecutionID returns the execution this subscription is attached to.
func (s *Subscription) ExecutionID() string { return s.executionID }

// Close detaches the subscription from the bus and closes its channel.
// It is idempotent; observers disconnecting twice is fine.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.terminate()
}

// terminate stops the heartbeat goroutine, waits for it, then closes the
// event channel. After remove no publisher can reach s.ch, and the heartbeat
// has exited, so the close cannot race a send.
func (s *Subscription) terminate() {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.hbDone
		close(s.ch)
	})
}

// Subscribe returns a live feed of events for executionID. The feed carries
// lifecycle events published for that execution plus periodic heartbeats.
// Callers must Close the subscription when done.
func (b *Bus) Subscribe(executionID string) *Subscription {
	sub := &Subscription{
		executionID: executionID,
		ch:          make(chan core.Event, b.opts.BufferSize),
		done:        make(chan struct{}),
		hbDone:      make(chan struct{}),
		bus:         b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.hbDone)
		sub.terminate()
		return sub
	}
	set, ok := b.subs[executionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[executionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go b.heartbeatLoop(sub)

	return sub
}

// Publish delivers the event to every subscriber of its execution id. It
// never blocks: subscribers whose buffer is full simply miss the event.
func (b *Bus) Publish(ev core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs[ev.ExecutionID] {
		select {
		case sub.ch <- ev:
		default:
			b.opts.Logger.Debug("bus.event.dropped", "execution_id", ev.ExecutionID, "kind", string(ev.Kind))
		}
	}
}

// SubscriberCount returns the number of live subscriptions for an execution.
func (b *Bus) SubscriberCount(executionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[executionID])
}

// Close tears down the bus, closing every live subscription. Publish and
// Subscribe become no-ops afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.terminate()
	}
}

// remove detaches a subscription without closing it; Subscription.Close is
// the only caller.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.executionID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.executionID)
	}
}

// heartbeatLoop emits heartbeats on one subscription until it closes.
func (b *Bus) heartbeatLoop(sub *Subscription) {
	defer close(sub.hbDone)
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			select {
			case sub.ch <- core.NewHeartbeatEvent(sub.executionID):
			default:
			}
		}
	}
}
