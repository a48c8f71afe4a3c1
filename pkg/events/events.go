package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskQueued        EventType = "task_queued"
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskStarted       EventType = "task_started"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskCancelled     EventType = "task_cancelled"
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentDisconnected EventType = "agent_disconnected"
	EventStatusChanged     EventType = "status_changed"
	EventIssueDetected     EventType = "issue_detected"
	EventRecoveryStarted   EventType = "recovery_started"
	EventRecoveryCompleted EventType = "recovery_completed"
	EventSLAViolation      EventType = "sla_violation"
	EventTrendDetected     EventType = "trend_detected"
	EventLoadBalanced      EventType = "load_balanced"
	EventTaskHeartbeat     EventType = "task_heartbeat"
	EventInternalError     EventType = "internal_error"
)

// Event is a single typed occurrence on the bus. TaskID and AgentID
// identify the subjects where applicable.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	TaskID    string
	AgentID   string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

const (
	// subscriberBuffer is the delivery channel depth handed to each
	// subscriber.
	subscriberBuffer = 64
	// maxPending bounds the per-subscriber backlog held behind the
	// delivery channel before events are discarded outright.
	maxPending = 1024
	// stallTimeout is how long delivery of one event may block before
	// the subscriber is treated as stalled and the event is dropped.
	stallTimeout = 50 * time.Millisecond
)

// subscription buffers events for one subscriber and pumps them into
// its channel. A subscriber that keeps draining sees every event; one
// that stalls loses the overflow instead of blocking the bus.
type subscription struct {
	out  Subscriber
	mu   sync.Mutex
	wait []*Event
	wake chan struct{}
	done chan struct{}
}

func newSubscription() *subscription {
	return &subscription{
		out:  make(Subscriber, subscriberBuffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// enqueue hands an event to the subscription's pump. Never blocks the
// broadcaster.
func (s *subscription) enqueue(event *Event) {
	s.mu.Lock()
	if len(s.wait) >= maxPending {
		s.mu.Unlock()
		return
	}
	s.wait = append(s.wait, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events into the subscriber's channel, dropping an
// event only after its delivery has blocked past the stall timeout.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.wait
		s.wait = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		for _, event := range batch {
			select {
			case s.out <- event:
				continue
			case <-s.done:
				return
			default:
			}
			timer := time.NewTimer(stallTimeout)
			select {
			case s.out <- event:
				timer.Stop()
			case <-timer.C:
				// Stalled subscriber; this event is lost to it.
			case <-s.done:
				timer.Stop()
				return
			}
		}
	}
}

// Broker manages event subscriptions and distribution. Delivery toward a
// draining subscriber is lossless; a subscriber that stops reading loses
// events rather than blocking the bus.
type Broker struct {
	clock       Clock
	subscribers map[Subscriber]*subscription
	mu          sync.RWMutex
	eventCh     chan *Event
	errorCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker using the given clock.
func NewBroker(clock Clock) *Broker {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Broker{
		clock:       clock,
		subscribers: make(map[Subscriber]*subscription),
		eventCh:     make(chan *Event, 256),
		errorCh:     make(chan *Event, 64),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscription()
	b.subscribers[sub.out] = sub
	go sub.pump()
	return sub.out
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(s.done)
	}
}

// Errors returns the dedicated channel carrying internal_error events.
// Handler failures land here instead of crashing the bus.
func (b *Broker) Errors() <-chan *Event {
	return b.errorCh
}

// Publish publishes an event to all subscribers. ID and Timestamp are
// filled in when unset.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// PublishInternalError reports a handler or subsystem failure on the
// dedicated error channel without disturbing normal delivery.
func (b *Broker) PublishInternalError(source string, err error) {
	ev := &Event{
		ID:        uuid.New().String(),
		Type:      EventInternalError,
		Timestamp: b.clock.Now(),
		Message:   err.Error(),
		Metadata:  map[string]string{"source": source},
	}
	select {
	case b.errorCh <- ev:
	default:
		// Error channel full; drop rather than block the caller.
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		sub.enqueue(event)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
