package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: WorkerStarted, Data: WorkerEvent{WorkerID: 1}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != WorkerStarted || e.Time.IsZero() {
				t.Fatalf("unexpected event: %+v", e)
			}
			if we, ok := e.Data.(WorkerEvent); !ok || we.WorkerID != 1 {
				t.Fatalf("unexpected data: %+v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: SubmissionCreated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on slow subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("expected buffer of 1 to be full, got %d", len(ch))
	}
	if b.Dropped() != 99 {
		t.Fatalf("dropped = %d, want 99", b.Dropped())
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: WorkerStopped})
}

func TestSubscribeFiltersTypes(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4, FanoutFailed, WorkerStartFailed)
	defer unsub()

	b.Publish(Event{Type: SubmissionCreated})
	b.Publish(Event{Type: FanoutFailed, Data: SubmissionEvent{SubmissionID: 3, Failed: 1}})
	b.Publish(Event{Type: WorkerStarted})

	if len(ch) != 1 {
		t.Fatalf("filtered subscriber got %d events", len(ch))
	}
	if e := <-ch; e.Type != FanoutFailed {
		t.Fatalf("unexpected event: %+v", e)
	}
	if b.Dropped() != 0 {
		t.Fatalf("filtered events counted as dropped: %d", b.Dropped())
	}
}
