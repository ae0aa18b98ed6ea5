// Package events is a bounded pub/sub bus with drop-on-full-subscriber
// semantics, carrying the observatory event categories (plan, obss_mode,
// device, safety, environment, duration). cmd/obsysd publishes the plan
// store's terminal-transition reports here; an attached status client or
// the external database-upload collaborator subscribes.
package events

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"obsysd/internal/telemetry/metrics"
	"obsysd/internal/telemetry/tracing"
)

// Category enumerations.
const (
	CategoryPlan        = "plan"
	CategoryOBSSMode    = "obss_mode"
	CategoryDevice      = "device"
	CategorySafety      = "safety"
	CategoryEnvironment = "environment"
	CategoryDuration    = "duration"
)

// Event is the structured envelope published onto the bus.
type Event struct {
	Time     time.Time
	Category string
	Type     string // more specific subtype, e.g. "plan_over", "mode_auto"
	Severity string // info|warn|error
	TraceID  string
	SpanID   string
	GID, UID string
	Fields   map[string]any
}

// Subscription is a handle representing one consumer of events.
type Subscription interface {
	C() <-chan Event
	Close() error
	ID() int64
}

// Stats reports bus-wide and per-subscriber counters.
type Stats struct {
	Subscribers        int64
	Published          uint64
	Dropped            uint64
	PerSubscriberDrops map[int64]uint64
}

// Bus is the event bus contract.
type Bus interface {
	Publish(ev Event) error
	PublishCtx(ctx context.Context, ev Event) error
	Subscribe(buffer int) (Subscription, error)
	Unsubscribe(sub Subscription) error
	Stats() Stats
}

// NewBus creates a bounded event bus. provider may be nil to skip metrics.
func NewBus(provider metrics.Provider) Bus {
	b := &eventBus{subs: make(map[int64]*subscriber)}
	if provider != nil {
		b.published = provider.NewCounter(metrics.CommonOpts{Namespace: "obsysd", Subsystem: "events", Name: "published_total", Help: "total events published"})
		b.droppedCtr = provider.NewCounter(metrics.CommonOpts{Namespace: "obsysd", Subsystem: "events", Name: "dropped_total", Help: "total events dropped due to backpressure", Labels: []string{"subscriber"}})
	}
	return b
}

type eventBus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64

	publishedCount atomic.Uint64
	droppedCount   atomic.Uint64

	published  metrics.Counter
	droppedCtr metrics.Counter
}

func (b *eventBus) Publish(ev Event) error {
	if ev.Category == "" {
		return errors.New("events: event missing category")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.publishedCount.Add(1)
	if b.published != nil {
		b.published.Inc(1)
	}
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.droppedCount.Add(1)
			if b.droppedCtr != nil {
				b.droppedCtr.Inc(1, strconv.FormatInt(s.id, 10))
			}
		}
	}
	return nil
}

func (b *eventBus) PublishCtx(ctx context.Context, ev Event) error {
	if ev.TraceID == "" && ev.SpanID == "" {
		if traceID, spanID := tracing.ExtractIDs(ctx); traceID != "" || spanID != "" {
			ev.TraceID, ev.SpanID = traceID, spanID
		}
	}
	return b.Publish(ev)
}

func (b *eventBus) Subscribe(buffer int) (Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{id: id, ch: make(chan Event, buffer), bus: b}
	b.subs[id] = sub
	b.mu.Unlock()
	return sub, nil
}

func (b *eventBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	id := sub.ID()
	b.mu.Lock()
	s := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if s != nil {
		close(s.ch)
	}
	return nil
}

func (b *eventBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		Subscribers:        int64(len(b.subs)),
		Published:          b.publishedCount.Load(),
		Dropped:            b.droppedCount.Load(),
		PerSubscriberDrops: make(map[int64]uint64, len(b.subs)),
	}
	for id, s := range b.subs {
		st.PerSubscriberDrops[id] = s.dropped.Load()
	}
	return st
}

type subscriber struct {
	id      int64
	ch      chan Event
	bus     *eventBus
	dropped atomic.Uint64
}

func (s *subscriber) C() <-chan Event { return s.ch }
func (s *subscriber) ID() int64       { return s.id }
func (s *subscriber) Close() error    { return s.bus.Unsubscribe(s) }
