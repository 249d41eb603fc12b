package events

import (
	"sync"
	"time"
)

// EventType names a category of orchestrator event.
type EventType string

// Event types, grouped by the subsystem that emits them.
const (
	EventArtifactIngested EventType = "artifact.ingested"
	EventArtifactDeleted  EventType = "artifact.deleted"
	EventModuleRegistered EventType = "module.registered"
	EventModuleRemoved    EventType = "module.removed"
	EventModuleStarted    EventType = "module.started"
	EventModuleStopped    EventType = "module.stopped"
	EventModuleHealthy    EventType = "module.healthy"
	EventModuleUnhealthy  EventType = "module.unhealthy"
	EventChainCreated     EventType = "chain.created"
	EventChainUpdated     EventType = "chain.updated"
	EventChainDeleted     EventType = "chain.deleted"
	EventRunStarted       EventType = "run.started"
	EventRunCompleted     EventType = "run.completed"
	EventRunFailed        EventType = "run.failed"
	EventRunCancelled     EventType = "run.cancelled"
	EventStepStarted      EventType = "step.started"
	EventStepFinished     EventType = "step.finished"
	EventResultReceived   EventType = "result.received"
	EventResultStale      EventType = "result.stale"
)

// Event is one entry on the orchestrator's event stream. Metadata carries
// correlation identifiers (fingerprint, run_id, module_id) so consumers can
// tie an event back to store records.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber receives published events. The channel stays open until
// Unsubscribe closes it.
type Subscriber chan *Event

const (
	// intakeDepth bounds events waiting for fan-out.
	intakeDepth = 100
	// subscriberDepth bounds events pending per consumer. A subscriber that
	// falls further behind misses events rather than stalling the broker.
	subscriberDepth = 50
)

// Broker fans published events out to every subscriber. Delivery is
// best-effort; the store, not the stream, is the source of truth.
type Broker struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}

	intake chan *Event
	done   chan struct{}
	once   sync.Once
}

// NewBroker returns a broker ready for Start.
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[Subscriber]struct{}),
		intake: make(chan *Event, intakeDepth),
		done:   make(chan struct{}),
	}
}

// Start launches the fan-out loop. Events published before Start queue in
// the intake buffer and are delivered once the loop runs.
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case ev := <-b.intake:
				b.fanOut(ev)
			case <-b.done:
				return
			}
		}
	}()
}

// Stop ends the fan-out loop. Events published afterward are dropped.
// Safe to call more than once.
func (b *Broker) Stop() {
	b.once.Do(func() { close(b.done) })
}

// Publish queues ev for delivery to all current subscribers, stamping
// Timestamp if the caller left it zero. After Stop it returns without
// queueing.
func (b *Broker) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.intake <- ev:
	case <-b.done:
	}
}

// Subscribe registers a new consumer and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberDepth)

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes sub and closes its channel, ending any range loop
// over it. Unknown or already-removed subscribers are ignored.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub)
}

// SubscriberCount reports the number of registered consumers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) fanOut(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
			// Full buffer: this consumer misses the event.
		}
	}
}
