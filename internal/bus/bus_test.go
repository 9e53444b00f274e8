package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskStateChanged)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStateChanged, TaskEvent{TaskID: "t1", StateFrom: "SUBMITTED", StateTo: "WORKING"})

	select {
	case event := <-sub.Ch():
		ev, ok := event.Payload.(TaskEvent)
		if !ok {
			t.Fatalf("payload type = %T, want TaskEvent", event.Payload)
		}
		if ev.TaskID != "t1" || ev.StateTo != "WORKING" {
			t.Fatalf("unexpected payload %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskCreated, TaskEvent{TaskID: "t1"})
	b.Publish(TopicAgentHeartbeat, AgentEvent{AgentID: "worker-1"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskCreated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on task subscription: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("all subscription received %d events, want 2", i)
		}
	}
}

func TestBus_DropsWhenBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("delegation.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicDelegationAdded, i)
	}

	count := 0
	for len(sub.Ch()) > 0 {
		<-sub.Ch()
		count++
	}
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d", count, defaultBufferSize)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("agent.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicTaskCreated, nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicAgentHeartbeat, AgentEvent{AgentID: "w", Count: int64(id*100 + i)})
			}
		}(g)
	}
	wg.Wait()

	if got := len(sub.Ch()); got != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", got, goroutines*perGoroutine)
	}
}
