package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/largeweb/skapp/internal/agent"
	"github.com/largeweb/skapp/internal/dispatch"
	"github.com/largeweb/skapp/internal/event"
	"github.com/largeweb/skapp/internal/ids"
	"github.com/largeweb/skapp/internal/model"
	"github.com/largeweb/skapp/internal/toolcall"
	"github.com/largeweb/skapp/internal/tools"
)

const (
	defaultMaxTokens    = 4096
	defaultHistoryLimit = 50
	defaultTurnPrompt   = "You are an autonomous agent. Use your tools to record notes, thoughts and memories as you work."
	turnKickoff         = "Begin your turn."
)

// Service runs the per-agent turn cycle: load the record, ask the model for
// a completion, extract tool calls from the reply, execute them, and commit
// the results back to the record. Cycles for one agent are serialized by the
// scheduler; different agents run concurrently.
type Service struct {
	logger       *log.Logger
	store        *agent.Store
	parser       *toolcall.Parser
	executor     *tools.Executor
	models       *model.Registry
	dispatcher   *dispatch.Dispatcher
	providerName string
	modelName    string
	maxTokens    int
	effort       model.ReasoningEffort
	historyLimit int
	now          func() time.Time

	scheduler *Scheduler
}

type ServiceOption func(*Service)

func WithMaxTokens(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

func WithEffort(effort model.ReasoningEffort) ServiceOption {
	return func(s *Service) {
		s.effort = effort
	}
}

func WithHistoryLimit(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

func WithQueueSize(n int) ServiceOption {
	return func(s *Service) {
		s.scheduler = newScheduler(s.logger, n, s.runTurn)
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(logger *log.Logger, store *agent.Store, parser *toolcall.Parser, executor *tools.Executor, models *model.Registry, dispatcher *dispatch.Dispatcher, providerName, modelName string, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if models == nil {
		models = model.NewRegistry()
	}
	svc := &Service{
		logger:       logger,
		store:        store,
		parser:       parser,
		executor:     executor,
		models:       models,
		dispatcher:   dispatcher,
		providerName: providerName,
		modelName:    modelName,
		maxTokens:    defaultMaxTokens,
		historyLimit: defaultHistoryLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
	svc.scheduler = newScheduler(logger, 64, svc.runTurn)
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// TriggerTurn enqueues one turn cycle for the agent. It returns ErrQueueFull
// when the agent's queue is saturated; the cycle itself runs on the agent's
// worker goroutine.
func (s *Service) TriggerTurn(ctx context.Context, agentID, reason string) error {
	if err := agent.ValidateAgentID(agentID); err != nil {
		return err
	}
	return s.scheduler.Enqueue(ctx, TurnRequest{AgentID: agentID, Reason: reason})
}

func (s *Service) runTurn(ctx context.Context, req TurnRequest) {
	triggeredAt := s.now()
	turnID := ids.New()

	rec, err := s.store.Get(ctx, req.AgentID)
	if err != nil {
		s.failTurn(ctx, req.AgentID, turnID, fmt.Errorf("load agent: %w", err))
		return
	}
	if rec.Mode != agent.ModeAwake {
		s.logger.Printf("turn skipped agent_id=%s turn_id=%s mode=%s", req.AgentID, turnID, rec.Mode)
		return
	}

	s.logger.Printf("turn start agent_id=%s turn_id=%s reason=%s", req.AgentID, turnID, req.Reason)
	s.dispatcher.Dispatch(ctx, event.New(event.TypeTurnStarted, req.AgentID, map[string]any{
		"turn_id": turnID,
		"reason":  req.Reason,
	}))

	provider, ok := s.models.Get(s.providerName)
	if !ok {
		s.failTurn(ctx, req.AgentID, turnID, fmt.Errorf("model provider %q is not registered", s.providerName))
		return
	}

	completion, err := provider.Complete(ctx, model.CompletionRequest{
		Model:        s.modelName,
		Messages:     s.buildMessages(rec, triggeredAt),
		MaxTokens:    s.maxTokens,
		SystemPrompt: s.systemPrompt(rec),
		Effort:       s.effort,
	})
	if err != nil {
		s.failTurn(ctx, req.AgentID, turnID, fmt.Errorf("complete with provider %q: %w", s.providerName, err))
		return
	}

	calls := s.parser.Extract(completion.Content)
	applied := 0
	failed := 0
	if len(calls) > 0 {
		results, execErr := s.executor.ExecuteBatch(ctx, req.AgentID, calls)
		if execErr != nil {
			s.failTurn(ctx, req.AgentID, turnID, fmt.Errorf("execute tool batch: %w", execErr))
			return
		}

		outcomes := make([]agent.ToolOutcome, 0, len(results))
		for _, result := range results {
			outcomes = append(outcomes, result.Outcome())
			if result.Success {
				applied++
				s.dispatcher.Dispatch(ctx, event.New(event.TypeToolCallApplied, req.AgentID, map[string]any{
					"turn_id": turnID,
					"tool_id": result.ToolID,
					"result":  result.Formatted,
				}))
			} else {
				failed++
				s.dispatcher.Dispatch(ctx, event.New(event.TypeToolCallFailed, req.AgentID, map[string]any{
					"turn_id": turnID,
					"tool_id": result.ToolID,
					"kind":    string(result.ErrorKind),
					"result":  result.Formatted,
				}))
			}
		}

		if _, err := s.store.ApplyToolOutcomes(ctx, req.AgentID, outcomes); err != nil {
			s.failTurn(ctx, req.AgentID, turnID, fmt.Errorf("apply tool outcomes: %w", err))
			return
		}
	}

	entries := []agent.TurnHistoryEntry{}
	if strings.TrimSpace(completion.Content) != "" {
		entries = append(entries, agent.TurnHistoryEntry{
			Role:    string(model.RoleAssistant),
			Content: completion.Content,
			At:      s.now(),
		})
	}
	if _, err := s.store.CompleteTurn(ctx, req.AgentID, agent.TurnUpdate{
		HistoryEntries: entries,
		TriggeredAt:    triggeredAt,
	}); err != nil {
		s.failTurn(ctx, req.AgentID, turnID, fmt.Errorf("complete turn persist: %w", err))
		return
	}

	s.dispatcher.Dispatch(ctx, event.New(event.TypeTurnCompleted, req.AgentID, map[string]any{
		"turn_id":       turnID,
		"tool_calls":    len(calls),
		"tools_applied": applied,
		"tools_failed":  failed,
		"input_tokens":  completion.Usage.InputTokens,
		"output_tokens": completion.Usage.OutputTokens,
	}))
	s.logger.Printf("turn complete agent_id=%s turn_id=%s tool_calls=%d applied=%d failed=%d", req.AgentID, turnID, len(calls), applied, failed)
}

func (s *Service) systemPrompt(rec agent.Record) string {
	if strings.TrimSpace(rec.TurnPrompt) != "" {
		return rec.TurnPrompt
	}
	return defaultTurnPrompt
}

// buildMessages assembles the model context for one cycle: fresh system
// notes first, then the tail of the turn history, then a kickoff line so the
// transcript always ends on a user turn.
func (s *Service) buildMessages(rec agent.Record, now time.Time) []model.Message {
	history := rec.TurnHistory
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}

	messages := make([]model.Message, 0, len(history)+len(rec.SystemNotes)+1)
	for _, note := range rec.ActiveNotes(now) {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: note.Message})
	}
	for _, entry := range history {
		role := model.Role(entry.Role)
		switch role {
		case model.RoleUser, model.RoleAssistant, model.RoleSystem:
		default:
			role = model.RoleUser
		}
		if strings.TrimSpace(entry.Content) == "" {
			continue
		}
		messages = append(messages, model.Message{Role: role, Content: entry.Content})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: turnKickoff})
	return messages
}

func (s *Service) failTurn(ctx context.Context, agentID, turnID string, err error) {
	s.logger.Printf("turn failed agent_id=%s turn_id=%s err=%v", agentID, turnID, err)
	s.dispatcher.Dispatch(ctx, event.New(event.TypeTurnFailed, agentID, map[string]any{
		"turn_id": turnID,
		"error":   err.Error(),
	}))
}
