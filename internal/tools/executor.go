package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/largeweb/skapp/internal/agent"
	"github.com/largeweb/skapp/internal/toolcall"
)

// DefaultDeadline bounds one tool-call batch, measured from the start of
// request handling rather than from any individual call.
const DefaultDeadline = 10 * time.Second

type ErrorKind string

const (
	KindInvalidInput    ErrorKind = "invalid_input"
	KindAgentNotFound   ErrorKind = "agent_not_found"
	KindUnknownTool     ErrorKind = "unknown_tool"
	KindInvalidParams   ErrorKind = "invalid_params"
	KindTimeout         ErrorKind = "timeout"
	KindExecutionFailed ErrorKind = "execution_failed"
	KindStorageFailure  ErrorKind = "storage_failure"
)

// Result is the typed outcome of one call. Failures are results, not errors:
// one bad call never aborts its siblings.
type Result struct {
	ToolID     string
	Success    bool
	ResultText string
	ErrorKind  ErrorKind
	Formatted  string
	Mutation   agent.Mutation
}

func (r Result) Outcome() agent.ToolOutcome {
	return agent.ToolOutcome{FormattedResult: r.Formatted, Mutation: r.Mutation}
}

// RecordSource looks up the agent record executed against. Satisfied by
// *agent.Store.
type RecordSource interface {
	Get(ctx context.Context, agentID string) (agent.Record, error)
}

type Executor struct {
	registry *Registry
	records  RecordSource
	logger   *log.Logger
	deadline time.Duration
	now      func() time.Time
}

type ExecutorOption func(*Executor)

func WithDeadline(deadline time.Duration) ExecutorOption {
	return func(e *Executor) {
		if deadline > 0 {
			e.deadline = deadline
		}
	}
}

func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func NewExecutor(registry *Registry, records RecordSource, logger *log.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	e := &Executor{
		registry: registry,
		records:  records,
		logger:   logger,
		deadline: DefaultDeadline,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Executor) Deadline() time.Duration {
	return e.deadline
}

// ExecuteBatch validates and runs calls in order under one shared deadline.
// Per call the first failure wins: unknown tool, then invalid params, then a
// missing agent. The record is looked up once before any handler runs; a
// missing agent fails the remaining well-formed calls without invoking
// anything. The error return is reserved for storage failures, which abort
// the operation entirely.
func (e *Executor) ExecuteBatch(ctx context.Context, agentID string, calls []toolcall.Call) ([]Result, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deadline)
		defer cancel()
	}

	found := true
	rec, err := e.records.Get(ctx, agentID)
	if err != nil {
		if !errors.Is(err, agent.ErrNotFound) {
			return nil, fmt.Errorf("lookup agent record: %w", err)
		}
		found = false
		rec = agent.Record{AgentID: agentID}
	}

	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.executeOne(ctx, call, rec, found))
	}
	return results, nil
}

func (e *Executor) executeOne(ctx context.Context, call toolcall.Call, rec agent.Record, found bool) Result {
	select {
	case <-ctx.Done():
		return e.failure(call, KindTimeout, "execution deadline elapsed before this call started")
	default:
	}

	handler, ok := e.registry.Get(call.ToolID)
	if !ok {
		return e.failure(call, KindUnknownTool, fmt.Sprintf("unknown tool %q", call.ToolID))
	}

	normalized, badField := normalizeParams(call, handler.Params())
	if badField != "" {
		return e.failure(call, KindInvalidParams, fmt.Sprintf("missing or invalid parameter %q", badField))
	}

	if !found {
		return e.failure(call, KindAgentNotFound, fmt.Sprintf("agent %q not found", rec.AgentID))
	}

	type handlerOutput struct {
		text     string
		mutation agent.Mutation
		err      error
	}
	outputCh := make(chan handlerOutput, 1)
	go func() {
		text, mutation, err := handler.Execute(ctx, normalized, rec)
		outputCh <- handlerOutput{text: text, mutation: mutation, err: err}
	}()

	select {
	case <-ctx.Done():
		// The handler is abandoned; its mutation, if any, is never merged.
		e.logger.Printf("tool call timed out tool=%s agent=%s", call.ToolID, rec.AgentID)
		return e.failure(call, KindTimeout, "execution deadline elapsed")
	case out := <-outputCh:
		if out.err != nil {
			e.logger.Printf("tool call failed tool=%s agent=%s err=%v", call.ToolID, rec.AgentID, out.err)
			return e.failure(call, KindExecutionFailed, "tool execution failed")
		}
		return Result{
			ToolID:     call.ToolID,
			Success:    true,
			ResultText: out.text,
			Formatted:  e.format(normalized, out.text),
			Mutation:   out.mutation,
		}
	}
}

func (e *Executor) failure(call toolcall.Call, kind ErrorKind, message string) Result {
	return Result{
		ToolID:     call.ToolID,
		Success:    false,
		ResultText: message,
		ErrorKind:  kind,
		Formatted:  e.format(call, "error: "+message),
	}
}

// format renders one result line: toolId(p1: v1, p2: v2): <result> [<timestamp>].
// Parameters keep the order they were supplied in the call.
func (e *Executor) format(call toolcall.Call, resultText string) string {
	parts := make([]string, 0, len(call.Params))
	for _, p := range call.Params {
		parts = append(parts, p.Name+": "+p.Value.Display())
	}
	return fmt.Sprintf("%s(%s): %s [%s]", call.ToolID, strings.Join(parts, ", "), resultText, e.now().Format(time.RFC3339))
}

// normalizeParams checks presence and semantic type against the handler's
// specs, coercing numeric strings for integer parameters. It returns the
// first missing or invalid field name, first failure wins.
func normalizeParams(call toolcall.Call, specs []ParamSpec) (toolcall.Call, string) {
	normalized := call
	normalized.Params = make([]toolcall.Param, len(call.Params))
	copy(normalized.Params, call.Params)

	for _, spec := range specs {
		value, ok := normalized.Param(spec.Name)
		if !ok {
			if spec.Required {
				return toolcall.Call{}, spec.Name
			}
			continue
		}

		switch spec.Kind {
		case ParamInt:
			if value.Kind == toolcall.IntValue {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSpace(value.Str))
			if err != nil {
				return toolcall.Call{}, spec.Name
			}
			setCallParam(&normalized, spec.Name, toolcall.Int(n))
		default:
			if spec.Required && strings.TrimSpace(value.Display()) == "" {
				return toolcall.Call{}, spec.Name
			}
		}
	}
	return normalized, ""
}

func setCallParam(call *toolcall.Call, name string, value toolcall.Value) {
	for i, p := range call.Params {
		if p.Name == name {
			call.Params[i].Value = value
			return
		}
	}
	call.Params = append(call.Params, toolcall.Param{Name: name, Value: value})
}
