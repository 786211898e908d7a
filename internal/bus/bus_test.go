package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("negotiation.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicOfferSubmitted, NegotiationEvent{NegotiationID: "n1", Round: 2})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicOfferSubmitted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicOfferSubmitted)
		}
		if got := NegotiationIDOf(event.Payload); got != "n1" {
			t.Fatalf("negotiation id = %q, want n1", got)
		}
		if event.At.IsZero() {
			t.Fatal("expected event timestamp")
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

	b.Publish(TopicTaskFailed, TaskEvent{TaskID: "t1"})
	b.Publish(TopicDecisionRecorded, DecisionEvent{DecisionID: "d1"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskFailed {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("allSub missed event %d", i)
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
	b.Unsubscribe(nil)
}

func TestBus_SlowConsumerDropsWithoutBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+25; i++ {
			b.Publish(TopicTaskEnqueued, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 25 {
		t.Fatalf("dropped = %d, want 25", got)
	}
	if got := sub.Dropped(); got != 25 {
		t.Fatalf("subscription dropped = %d, want 25", got)
	}
}

func TestBus_FilteredSubscriberKeepsBufferForItsOwnEvents(t *testing.T) {
	b := New()
	mine := b.SubscribeFunc("ws:alice", func(ev Event) bool {
		return NegotiationIDOf(ev.Payload) == "n-alice"
	})
	defer b.Unsubscribe(mine)

	// Enough foreign traffic to overflow an unfiltered buffer.
	for i := 0; i < defaultBufferSize*2; i++ {
		b.Publish(TopicOfferSubmitted, NegotiationEvent{NegotiationID: "n-other"})
	}
	b.Publish(TopicOfferSubmitted, NegotiationEvent{NegotiationID: "n-alice", Round: 3})

	select {
	case ev := <-mine.Ch():
		if p := ev.Payload.(NegotiationEvent); p.Round != 3 {
			t.Fatalf("round = %d, want 3", p.Round)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber missed its event")
	}
	if mine.Dropped() != 0 || b.Dropped() != 0 {
		t.Fatalf("unexpected drops: sub=%d bus=%d", mine.Dropped(), b.Dropped())
	}
}

func TestBus_SubscribersSnapshot(t *testing.T) {
	b := New()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	b.SetClock(func() time.Time { return at })

	all := b.Subscribe("")
	defer b.Unsubscribe(all)
	tasks := b.Subscribe("task.")
	b.Publish(TopicTaskEnqueued, TaskEvent{TaskID: "t1"})
	b.Publish(TopicMessagePosted, NegotiationEvent{NegotiationID: "n1"})

	stats := b.Subscribers()
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].Name != "*" || stats[0].Backlog != 2 {
		t.Fatalf("first = %+v", stats[0])
	}
	if stats[1].Name != "task." || stats[1].Backlog != 1 {
		t.Fatalf("second = %+v", stats[1])
	}
	if ev := <-all.Ch(); !ev.At.Equal(at) || ev.At.Location() != time.UTC {
		t.Fatalf("at = %v, want %v in UTC", ev.At, at)
	}

	b.Unsubscribe(tasks)
	if got := b.Subscribers(); len(got) != 1 || got[0].Name != "*" {
		t.Fatalf("after unsubscribe = %+v", got)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Publish(TopicMessagePosted, n)
		}(i)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	if received != 10 {
		t.Fatalf("received %d events, want 10", received)
	}
}

func TestNegotiationIDOf_UnknownPayload(t *testing.T) {
	if got := NegotiationIDOf("plain"); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}
