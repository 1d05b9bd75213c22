// Package bus is the typed topic event bus connecting the pipeline to
// the monitoring surface. Publishers never block: each subscription
// owns a bounded pending queue drained by its own goroutine, and when
// a slow subscriber overflows, the oldest non-critical event is
// evicted first. Critical events (errors, session end) are never
// dropped; they may grow the queue past its bound instead.
//
// Ordering: events from one publishing goroutine arrive at every
// subscriber in publish order. Ordering across publishers is not
// guaranteed.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic groups events by the subsystem that produces them.
type Topic string

const (
	TopicTurn    Topic = "turn"
	TopicTool    Topic = "tool"
	TopicModel   Topic = "model"
	TopicMemory  Topic = "memory"
	TopicAgent   Topic = "agent"
	TopicSession Topic = "session"
)

// Canonical event kinds. Payload shapes are owned by the emitters.
const (
	KindTurnStart     = "turn-start"
	KindTurnEnd       = "turn-end"
	KindToolExecute   = "tool-execute"
	KindToolResult    = "tool-result"
	KindTokenUsage    = "token-usage"
	KindRetrieval     = "retrieval"
	KindSnapshot      = "snapshot"
	KindAgentSpawned  = "agent-spawned"
	KindAgentProgress = "agent-progress"
	KindAgentDone     = "agent-completed"
	KindAgentFailed   = "agent-failed"
	KindSessionEnd    = "session-end"
	KindError         = "error"
)

// Event is one bus message. Seq and Timestamp are stamped by Publish.
type Event struct {
	Seq       uint64    `json:"seq"`
	Topic     Topic     `json:"topic"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Critical  bool      `json:"critical,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// DefaultBuffer is the pending-queue bound for subscriptions that do
// not ask for a specific size.
const DefaultBuffer = 256

// Bus fans events out to subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
	seq    atomic.Uint64
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers a listener. With no topics given it receives
// everything; otherwise only the named topics. buffer <= 0 takes
// DefaultBuffer. The returned subscription must be closed when the
// listener goes away, or its pump goroutine stays alive for the life
// of the bus.
func (b *Bus) Subscribe(buffer int, topics ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{
		bus:  b,
		cap:  buffer,
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if len(topics) > 0 {
		s.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		s.closed = true
		return s
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish stamps the event and offers it to every subscription.
// Error and session-end kinds are forced critical.
func (b *Bus) Publish(ev Event) {
	if ev.Kind == KindError || ev.Kind == KindSessionEnd {
		ev.Critical = true
	}
	ev.Seq = b.seq.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.offer(ev)
	}
}

// Emit is shorthand for Publish with a payload.
func (b *Bus) Emit(topic Topic, kind, source string, payload any) {
	b.Publish(Event{Topic: topic, Kind: kind, Source: source, Payload: payload})
}

// EmitCritical publishes an event that must survive back-pressure.
func (b *Bus) EmitCritical(topic Topic, kind, source string, payload any) {
	b.Publish(Event{Topic: topic, Kind: kind, Source: source, Payload: payload, Critical: true})
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

// Stats reports bus counters for the monitoring overview.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Subscribers: len(b.subs),
		Published:   b.seq.Load(),
	}
}

func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Subscription is one listener's view of the bus.
type Subscription struct {
	bus    *Bus
	topics map[Topic]bool
	cap    int
	out    chan Event
	wake   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending []Event
	closed  bool
	dropped uint64
}

// Events is the delivery channel. It closes when the subscription or
// the bus closes; events still pending at that point are discarded.
func (s *Subscription) Events() <-chan Event { return s.out }

// Dropped counts non-critical events evicted under back-pressure.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// offer queues one event, evicting the oldest non-critical entry when
// the queue is full. A critical event always gets in, growing the
// queue if everything pending is itself critical.
func (s *Subscription) offer(ev Event) {
	if s.topics != nil && !s.topics[ev.Topic] {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.pending) >= s.cap {
		if i := s.oldestNonCritical(); i >= 0 {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.dropped++
		} else if !ev.Critical {
			s.dropped++
			return
		}
	}
	s.pending = append(s.pending, ev)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// oldestNonCritical must be called with mu held.
func (s *Subscription) oldestNonCritical() int {
	for i, ev := range s.pending {
		if !ev.Critical {
			return i
		}
	}
	return -1
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		ev, ok := s.next()
		if !ok {
			return
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// next blocks until an event is pending or the subscription closes.
func (s *Subscription) next() (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if len(s.pending) == 0 {
				s.pending = nil
			}
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-s.wake:
		case <-s.done:
			return Event{}, false
		}
	}
}
