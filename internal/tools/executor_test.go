package tools

import (
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/largeweb/skapp/internal/agent"
	"github.com/largeweb/skapp/internal/kv"
	"github.com/largeweb/skapp/internal/toolcall"
)

func fixedClock() func() time.Time {
	at := time.Date(2026, 2, 10, 15, 4, 5, 0, time.UTC)
	return func() time.Time { return at }
}

func newTestExecutor(t *testing.T, opts ...ExecutorOption) (*Executor, *agent.Store) {
	t.Helper()
	backing := kv.NewMemoryStore()
	t.Cleanup(func() { _ = backing.Close() })
	logger := log.New(os.Stdout, "", 0)
	agents := agent.NewStore(backing, logger)
	registry := NewDefaultRegistry(fixedClock())
	opts = append([]ExecutorOption{WithExecutorClock(fixedClock())}, opts...)
	return NewExecutor(registry, agents, logger, opts...), agents
}

func noteCall(message string, days int) toolcall.Call {
	return toolcall.Call{
		ToolID: ToolGenerateSystemNote,
		Params: []toolcall.Param{
			{Name: toolcall.ParamMessage, Value: toolcall.String(message)},
			{Name: toolcall.ParamExpirationDays, Value: toolcall.Int(days)},
		},
	}
}

func TestExecuteBatchSuccessFormatsResult(t *testing.T) {
	executor, agents := newTestExecutor(t)
	if _, err := agents.Create(context.Background(), "deepsky", agent.ModeAwake, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	results, err := executor.ExecuteBatch(context.Background(), "deepsky", []toolcall.Call{noteCall("Test", 7)})
	if err != nil {
		t.Fatalf("execute batch failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	result := results[0]
	if !result.Success || result.ErrorKind != "" {
		t.Fatalf("expected success, got %+v", result)
	}
	want := "generate_system_note(message: Test, expirationDays: 7): note recorded, expires in 7d [2026-02-10T15:04:05Z]"
	if result.Formatted != want {
		t.Fatalf("unexpected formatted result:\nwant %q\ngot  %q", want, result.Formatted)
	}
	if result.Mutation.AddSystemNote == nil {
		t.Fatalf("expected a system note mutation")
	}
	if got := result.Mutation.AddSystemNote.ExpiresAt.Sub(result.Mutation.AddSystemNote.CreatedAt); got != 7*24*time.Hour {
		t.Fatalf("unexpected note expiry span: %v", got)
	}
}

func TestExecuteBatchValidationOrder(t *testing.T) {
	executor, agents := newTestExecutor(t)
	if _, err := agents.Create(context.Background(), "deepsky", agent.ModeAwake, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Unknown tool wins over any parameter problem.
	results, err := executor.ExecuteBatch(context.Background(), "deepsky", []toolcall.Call{{ToolID: "launch_rocket"}})
	if err != nil {
		t.Fatalf("execute batch failed: %v", err)
	}
	if results[0].Success || results[0].ErrorKind != KindUnknownTool {
		t.Fatalf("expected unknown tool failure, got %+v", results[0])
	}

	// Missing required message reports the field name.
	results, err = executor.ExecuteBatch(context.Background(), "deepsky", []toolcall.Call{{ToolID: ToolGenerateSystemNote}})
	if err != nil {
		t.Fatalf("execute batch failed: %v", err)
	}
	if results[0].ErrorKind != KindInvalidParams {
		t.Fatalf("expected invalid params, got %+v", results[0])
	}
	if !strings.Contains(results[0].ResultText, `"message"`) {
		t.Fatalf("expected offending field name in message, got %q", results[0].ResultText)
	}
}

func TestExecuteBatchValidationOrderBeatsMissingAgent(t *testing.T) {
	executor, _ := newTestExecutor(t)

	// Unknown tool and bad params outrank the missing-agent check, call by
	// call; only the well-formed call reports agent_not_found.
	results, err := executor.ExecuteBatch(context.Background(), "ghost", []toolcall.Call{
		{ToolID: "launch_rocket"},
		{ToolID: ToolGenerateSystemNote},
		noteCall("well formed", 1),
	})
	if err != nil {
		t.Fatalf("execute batch failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ErrorKind != KindUnknownTool {
		t.Fatalf("expected unknown tool first, got %+v", results[0])
	}
	if results[1].ErrorKind != KindInvalidParams {
		t.Fatalf("expected invalid params second, got %+v", results[1])
	}
	if results[2].ErrorKind != KindAgentNotFound {
		t.Fatalf("expected agent not found last, got %+v", results[2])
	}
}

func TestExecuteBatchAgentNotFoundShortCircuits(t *testing.T) {
	executor, _ := newTestExecutor(t)

	results, err := executor.ExecuteBatch(context.Background(), "ghost", []toolcall.Call{
		noteCall("a", 1),
		noteCall("b", 2),
	})
	if err != nil {
		t.Fatalf("execute batch failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, result := range results {
		if result.Success || result.ErrorKind != KindAgentNotFound {
			t.Fatalf("expected agent-not-found failure, got %+v", result)
		}
		if result.Mutation.AddSystemNote != nil {
			t.Fatalf("no handler may run for a missing agent")
		}
	}
}

type hangingTool struct{}

func (hangingTool) Name() string { return "hang_forever" }

func (hangingTool) Params() []ParamSpec { return nil }

func (hangingTool) Execute(ctx context.Context, _ toolcall.Call, _ agent.Record) (string, agent.Mutation, error) {
	<-ctx.Done()
	return "too late", agent.Mutation{}, nil
}

func TestExecuteBatchDeadlineProducesTimeout(t *testing.T) {
	backing := kv.NewMemoryStore()
	defer func() { _ = backing.Close() }()
	logger := log.New(os.Stdout, "", 0)
	agents := agent.NewStore(backing, logger)
	if _, err := agents.Create(context.Background(), "deepsky", agent.ModeAwake, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	registry := NewDefaultRegistry(fixedClock())
	registry.Register(hangingTool{})
	executor := NewExecutor(registry, agents, logger, WithDeadline(50*time.Millisecond), WithExecutorClock(fixedClock()))

	started := time.Now()
	results, err := executor.ExecuteBatch(context.Background(), "deepsky", []toolcall.Call{
		{ToolID: ToolGenerateSystemThought, Params: []toolcall.Param{{Name: toolcall.ParamMessage, Value: toolcall.String("quick")}}},
		{ToolID: "hang_forever"},
		{ToolID: ToolGenerateSystemThought, Params: []toolcall.Param{{Name: toolcall.ParamMessage, Value: toolcall.String("starved")}}},
	})
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("execute batch failed: %v", err)
	}
	if elapsed > 50*time.Millisecond+200*time.Millisecond {
		t.Fatalf("deadline overshot: %v", elapsed)
	}

	if !results[0].Success {
		t.Fatalf("completed call must keep its result: %+v", results[0])
	}
	if results[1].Success || results[1].ErrorKind != KindTimeout {
		t.Fatalf("expected timeout for hanging call, got %+v", results[1])
	}
	if results[2].Success || results[2].ErrorKind != KindTimeout {
		t.Fatalf("calls after the deadline must report timeout, got %+v", results[2])
	}
}

func TestExecuteBatchCoercesNumericStrings(t *testing.T) {
	executor, agents := newTestExecutor(t)
	if _, err := agents.Create(context.Background(), "deepsky", agent.ModeAwake, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	call := toolcall.Call{
		ToolID: ToolGenerateSystemNote,
		Params: []toolcall.Param{
			{Name: toolcall.ParamMessage, Value: toolcall.String("m")},
			{Name: toolcall.ParamExpirationDays, Value: toolcall.String(" 3 ")},
		},
	}
	results, err := executor.ExecuteBatch(context.Background(), "deepsky", []toolcall.Call{call})
	if err != nil {
		t.Fatalf("execute batch failed: %v", err)
	}
	if !results[0].Success {
		t.Fatalf("expected success, got %+v", results[0])
	}
	if !strings.Contains(results[0].Formatted, "expirationDays: 3") {
		t.Fatalf("expected coerced integer in formatted output: %q", results[0].Formatted)
	}

	call.Params[1].Value = toolcall.String("soon")
	results, err = executor.ExecuteBatch(context.Background(), "deepsky", []toolcall.Call{call})
	if err != nil {
		t.Fatalf("execute batch failed: %v", err)
	}
	if results[0].ErrorKind != KindInvalidParams {
		t.Fatalf("expected invalid params for non-numeric value, got %+v", results[0])
	}
}

func TestRegistryNames(t *testing.T) {
	registry := NewDefaultRegistry(nil)
	names := registry.Names()
	want := []string{ToolGenerateSystemNote, ToolGenerateSystemThought, ToolRecordPermanentMemory}
	if len(names) != len(want) {
		t.Fatalf("unexpected registry size: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected tool order: %v", names)
		}
	}
}
