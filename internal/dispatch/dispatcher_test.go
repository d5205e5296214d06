package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/largeweb/skapp/internal/event"
	"github.com/largeweb/skapp/internal/subscribers"
)

type fakeSubscriber struct {
	name      string
	failUntil int

	mu    sync.Mutex
	calls int
	ch    chan event.Envelope
}

func (f *fakeSubscriber) Name() string {
	return f.name
}

func (f *fakeSubscriber) Handle(_ context.Context, evt event.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("forced failure")
	}
	if f.ch != nil {
		f.ch <- evt
	}
	return nil
}

func (f *fakeSubscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	sub := &fakeSubscriber{name: "sub", failUntil: 2, ch: make(chan event.Envelope, 1)}
	d := New(logger, []subscribers.Subscriber{sub})
	evt := event.New(event.TypeTurnCompleted, "agent-a", nil)

	d.Dispatch(context.Background(), evt)

	select {
	case got := <-sub.ch:
		if got.EventID != evt.EventID {
			t.Fatalf("unexpected event id: %s", got.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherStopsAfterRetries(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	sub := &fakeSubscriber{name: "sub", failUntil: 10, ch: make(chan event.Envelope, 1)}
	d := New(logger, []subscribers.Subscriber{sub})

	d.Dispatch(context.Background(), event.New(event.TypeTurnFailed, "agent-a", nil))
	time.Sleep(800 * time.Millisecond)

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherFansOutToAllSubscribers(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	first := &fakeSubscriber{name: "first", ch: make(chan event.Envelope, 1)}
	second := &fakeSubscriber{name: "second", ch: make(chan event.Envelope, 1)}
	d := New(logger, []subscribers.Subscriber{first, second})

	d.Dispatch(context.Background(), event.New(event.TypeHeartbeatTick, "", nil))

	for _, sub := range []*fakeSubscriber{first, second} {
		select {
		case <-sub.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %s never received the event", sub.name)
		}
	}
}
