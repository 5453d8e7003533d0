// Package events fans batch lifecycle events out to live subscribers.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paperless-ai/ocr-engine/internal/observability"
)

// Type names a lifecycle event.
type Type string

const (
	TypeStatus         Type = "status"
	TypeBatchStarted   Type = "batchStarted"
	TypeItemStarted    Type = "itemStarted"
	TypeItemCompleted  Type = "itemCompleted"
	TypeBatchCompleted Type = "batchCompleted"
	TypeBatchStopped   Type = "batchStopped"
	TypeBatchFailed    Type = "batchFailed"
	TypeKeepalive      Type = "keepalive"
)

// Event is one published lifecycle event. ID is the broadcaster sequence
// number and is zero for synthetic per-connection events.
type Event struct {
	ID        uint64          `json:"id,omitempty"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Relay mirrors published events somewhere else. Forward must not block.
type Relay interface {
	Forward(ev Event)
}

const defaultBuffer = 256

// Broadcaster delivers every published event to every attached subscriber in
// publish order. A subscriber whose queue fills up is evicted.
type Broadcaster struct {
	publishMu sync.Mutex
	seq       uint64

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	buffer  int
	relays  []Relay
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithRelay adds a relay that receives every published event.
func WithRelay(r Relay) Option {
	return func(b *Broadcaster) {
		if r != nil {
			b.relays = append(b.relays, r)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: defaultBuffer,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish marshals payload and delivers it as an event of type t.
// Publish calls are serialized so all subscribers observe the same order.
func (b *Broadcaster) Publish(t Type, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Str("event_type", string(t)).Msg("Failed to marshal event payload")
		return Event{}, err
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.seq++
	ev := Event{
		ID:        b.seq,
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, sub := range b.snapshot() {
		if !sub.deliver(ev) {
			b.logger.Warn().
				Str("event_type", string(t)).
				Int64("subscriber", sub.id).
				Msg("Evicting slow event subscriber")
			b.remove(sub, true)
		}
	}

	for _, r := range b.relays {
		r.Forward(ev)
	}

	b.metrics.EventPublished(string(t))
	return ev, nil
}

// Sequence returns the ID of the most recently published event.
func (b *Broadcaster) Sequence() uint64 {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	return b.seq
}

var subscriberIDs atomic.Int64

// Subscribe attaches a new subscriber. It receives every event published
// after Subscribe returns.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id:   subscriberIDs.Add(1),
		b:    b,
		ch:   make(chan Event, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.finish(false)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.metrics.SubscriberAdded()
	b.logger.Debug().Int64("subscriber", sub.id).Msg("Event subscriber attached")
	return sub
}

// Subscribers returns the number of attached subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.remove(sub, false)
	}
}

func (b *Broadcaster) snapshot() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (b *Broadcaster) remove(sub *Subscription, evicted bool) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.finish(evicted)
	b.metrics.SubscriberRemoved(evicted)
	b.logger.Debug().Int64("subscriber", sub.id).Bool("evicted", evicted).Msg("Event subscriber detached")
}

// Subscription is one attached subscriber. Events arrive on C until Done is closed.
type Subscription struct {
	id      int64
	b       *Broadcaster
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	evicted atomic.Bool
}

// C returns the event queue. It is never closed; select on Done as well.
func (s *Subscription) C() <-chan Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Evicted reports whether the subscription was dropped for falling behind.
func (s *Subscription) Evicted() bool { return s.evicted.Load() }

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s, false)
	s.finish(false)
}

func (s *Subscription) finish(evicted bool) {
	s.once.Do(func() {
		s.evicted.Store(evicted)
		close(s.done)
	})
}

// deliver queues ev without blocking and reports false when the queue is full.
func (s *Subscription) deliver(ev Event) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}
