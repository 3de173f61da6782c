package bus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("step")
	defer b.Unsubscribe(sub)

	b.Publish(TopicStepVerdict, StepVerdictEvent{TestName: "Login", Verdict: "PASS"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicStepVerdict {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicStepVerdict)
		}
		payload, ok := event.Payload.(StepVerdictEvent)
		if !ok {
			t.Fatalf("payload type = %T, want StepVerdictEvent", event.Payload)
		}
		if payload.Verdict != "PASS" {
			t.Fatalf("verdict = %q, want PASS", payload.Verdict)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	stepSub := b.Subscribe("step.")
	defer b.Unsubscribe(stepSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicStepStarted, StepStartedEvent{TestName: "Login"})
	b.Publish(TopicRunCompleted, RunCompletedEvent{Total: 3})

	select {
	case event := <-stepSub.Ch():
		if event.Topic != TopicStepStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicStepStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for step event")
	}

	// stepSub must not see the run event.
	select {
	case event := <-stepSub.Ch():
		t.Fatalf("unexpected event on stepSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("step")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicStepStarted, i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}
