package engine

import (
	"context"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestSchedulerOrderingPerAgent(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	got := make([]string, 0, 3)
	var mu sync.Mutex
	done := make(chan struct{}, 3)
	handler := func(_ context.Context, req TurnRequest) {
		mu.Lock()
		got = append(got, req.Reason)
		mu.Unlock()
		done <- struct{}{}
	}

	s := newScheduler(logger, 16, handler)
	reasons := []string{"r1", "r2", "r3"}
	for _, reason := range reasons {
		if err := s.Enqueue(context.Background(), TurnRequest{AgentID: "agent-a", Reason: reason}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	for range reasons {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for scheduled turns")
		}
	}

	if !reflect.DeepEqual(reasons, got) {
		t.Fatalf("unexpected order: want=%v got=%v", reasons, got)
	}
}

func TestSchedulerQueueFull(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	block := make(chan struct{})
	started := make(chan struct{}, 1)

	handler := func(_ context.Context, _ TurnRequest) {
		started <- struct{}{}
		<-block
	}

	s := newScheduler(logger, 1, handler)
	if err := s.Enqueue(context.Background(), TurnRequest{AgentID: "agent-a", Reason: "r1"}); err != nil {
		t.Fatalf("enqueue r1 failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for worker start")
	}
	if err := s.Enqueue(context.Background(), TurnRequest{AgentID: "agent-a", Reason: "r2"}); err != nil {
		t.Fatalf("enqueue r2 failed: %v", err)
	}
	if err := s.Enqueue(context.Background(), TurnRequest{AgentID: "agent-a", Reason: "r3"}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(block)
}

func TestSchedulerIndependentAgents(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	other := make(chan struct{}, 1)

	handler := func(_ context.Context, req TurnRequest) {
		switch req.AgentID {
		case "agent-a":
			started <- struct{}{}
			<-block
		case "agent-b":
			other <- struct{}{}
		}
	}

	s := newScheduler(logger, 1, handler)
	if err := s.Enqueue(context.Background(), TurnRequest{AgentID: "agent-a"}); err != nil {
		t.Fatalf("enqueue agent-a failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for agent-a worker")
	}

	if err := s.Enqueue(context.Background(), TurnRequest{AgentID: "agent-b"}); err != nil {
		t.Fatalf("enqueue agent-b failed: %v", err)
	}
	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatalf("agent-b turn blocked behind agent-a")
	}

	close(block)
}
