package engine

import (
	"context"
	"errors"
	"log"
	"sync"
)

var ErrQueueFull = errors.New("agent turn queue full")

// TurnRequest asks for one turn cycle of a single agent.
type TurnRequest struct {
	AgentID string
	// Reason records what enqueued the turn (http, heartbeat) for logging.
	Reason string
}

type turnHandler func(context.Context, TurnRequest)

// Scheduler serializes turn cycles per agent: one worker goroutine and one
// bounded queue for each agent ID, so two turns of the same agent never
// interleave while different agents run concurrently.
type Scheduler struct {
	logger    *log.Logger
	handler   turnHandler
	queueSize int

	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	ch chan TurnRequest
}

func newScheduler(logger *log.Logger, queueSize int, handler turnHandler) *Scheduler {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Scheduler{
		logger:    logger,
		handler:   handler,
		queueSize: queueSize,
		workers:   make(map[string]*worker),
	}
}

func (s *Scheduler) Enqueue(ctx context.Context, req TurnRequest) error {
	w := s.workerFor(req.AgentID)

	select {
	case w.ch <- req:
		return nil
	default:
		s.logger.Printf("turn queue full agent_id=%s reason=%s", req.AgentID, req.Reason)
		return ErrQueueFull
	}
}

func (s *Scheduler) workerFor(agentID string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.workers[agentID]; ok {
		return w
	}

	w := &worker{ch: make(chan TurnRequest, s.queueSize)}
	s.workers[agentID] = w

	go func() {
		for req := range w.ch {
			s.handler(context.Background(), req)
		}
	}()

	return w
}
