// Package heartbeat wakes agents on an interval. Each tick lists the known
// agent records and enqueues a turn cycle for every agent in awake mode.
package heartbeat

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/largeweb/skapp/internal/agent"
	"github.com/largeweb/skapp/internal/dispatch"
	"github.com/largeweb/skapp/internal/engine"
	"github.com/largeweb/skapp/internal/event"
)

const (
	DefaultInterval = time.Minute
	listPageSize    = 200
	triggerReason   = "heartbeat"
)

var ErrAlreadyStarted = errors.New("heartbeat already started")

// RecordLister enumerates agent records. Satisfied by *agent.Store.
type RecordLister interface {
	ListIDs(ctx context.Context, pageSize int) ([]string, error)
	Get(ctx context.Context, agentID string) (agent.Record, error)
}

// TurnTrigger enqueues a turn cycle. Satisfied by *engine.Service.
type TurnTrigger interface {
	TriggerTurn(ctx context.Context, agentID, reason string) error
}

type Heartbeat struct {
	records    RecordLister
	engine     TurnTrigger
	dispatcher *dispatch.Dispatcher
	logger     *log.Logger
	interval   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	now           func() time.Time
	tickerFactory func(interval time.Duration) ticker
}

type Option func(*Heartbeat)

func WithInterval(interval time.Duration) Option {
	return func(h *Heartbeat) {
		if interval > 0 {
			h.interval = interval
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Heartbeat) {
		h.now = now
	}
}

func New(records RecordLister, eng TurnTrigger, dispatcher *dispatch.Dispatcher, logger *log.Logger, opts ...Option) *Heartbeat {
	if records == nil {
		panic("heartbeat: record lister is required")
	}
	if eng == nil {
		panic("heartbeat: turn trigger is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	h := &Heartbeat{
		records:    records,
		engine:     eng,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   DefaultInterval,
		now: func() time.Time {
			return time.Now().UTC()
		},
		tickerFactory: func(interval time.Duration) ticker {
			return newRealTicker(interval)
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Heartbeat) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	tick := h.tickerFactory(h.interval)
	h.running = true
	h.stopCh = stopCh
	h.doneCh = doneCh
	h.mu.Unlock()

	go h.run(ctx, tick, stopCh, doneCh)
	return nil
}

func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	stopCh := h.stopCh
	doneCh := h.doneCh
	h.running = false
	h.stopCh = nil
	h.doneCh = nil
	h.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (h *Heartbeat) run(ctx context.Context, tick ticker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tick.Chan():
			h.Tick(ctx)
		}
	}
}

// Tick runs one sweep: awake agents get a turn enqueued, dormant agents are
// left alone. Exported so an operator endpoint can force a sweep.
func (h *Heartbeat) Tick(ctx context.Context) {
	ids, err := h.records.ListIDs(ctx, listPageSize)
	if err != nil {
		h.logger.Printf("heartbeat list agents failed err=%v", err)
		return
	}

	triggered := 0
	for _, agentID := range ids {
		rec, err := h.records.Get(ctx, agentID)
		if err != nil {
			h.logger.Printf("heartbeat load agent failed agent_id=%s err=%v", agentID, err)
			continue
		}
		if rec.Mode != agent.ModeAwake {
			continue
		}
		if err := h.engine.TriggerTurn(ctx, agentID, triggerReason); err != nil {
			if errors.Is(err, engine.ErrQueueFull) {
				h.logger.Printf("heartbeat skipped agent_id=%s err=%v", agentID, err)
				continue
			}
			h.logger.Printf("heartbeat trigger failed agent_id=%s err=%v", agentID, err)
			continue
		}
		triggered++
	}

	if h.dispatcher != nil {
		h.dispatcher.Dispatch(ctx, event.New(event.TypeHeartbeatTick, "", map[string]any{
			"agents_seen":      len(ids),
			"agents_triggered": triggered,
			"ticked_at":        h.now(),
		}))
	}
	h.logger.Printf("heartbeat tick agents_seen=%d agents_triggered=%d", len(ids), triggered)
}

type ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func newRealTicker(interval time.Duration) *realTicker {
	return &realTicker{ticker: time.NewTicker(interval)}
}

func (t *realTicker) Chan() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}
