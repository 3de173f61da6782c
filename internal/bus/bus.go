package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Run event topics.
const (
	TopicStepStarted  = "step.started"
	TopicStepRetrying = "step.retrying"
	TopicStepVerdict  = "step.verdict"
	TopicTestStarted  = "test.started"
	TopicTestAborted  = "test.aborted"
	TopicRunStarted   = "run.started"
	TopicRunCompleted = "run.completed"
)

// StepStartedEvent is published when a step attempt begins.
type StepStartedEvent struct {
	RunID     string
	TestName  string
	StepIndex int
	Action    string
	Attempt   int
}

// StepVerdictEvent is published once per step when its terminal verdict is reached.
type StepVerdictEvent struct {
	RunID      string
	TestName   string
	StepIndex  int
	Verdict    string
	RetryCount int
	Reasoning  string
}

// TestStartedEvent is published when a test's first step is about to run.
type TestStartedEvent struct {
	RunID    string
	TestName string
	Steps    int
}

// TestAbortedEvent is published when a test trips the consecutive-failure limit
// and its remaining steps are skipped.
type TestAbortedEvent struct {
	RunID        string
	TestName     string
	FailureCount int
	SkippedSteps int
}

// RunStartedEvent is published before the first test begins.
type RunStartedEvent struct {
	RunID      string
	ScriptName string
	Platform   string
	Tests      int
}

// RunCompletedEvent is published after the final step result has been committed.
type RunCompletedEvent struct {
	RunID   string
	Total   int
	Passed  int
	Failed  int
	Errored int
	Skipped int
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
// Step progress never waits on observers.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
