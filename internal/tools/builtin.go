package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/largeweb/skapp/internal/agent"
	"github.com/largeweb/skapp/internal/toolcall"
)

const (
	ToolGenerateSystemNote    = "generate_system_note"
	ToolGenerateSystemThought = "generate_system_thought"
	ToolRecordPermanentMemory = "record_permanent_memory"
)

type BuiltinOption func(*systemNoteTool)

// WithDefaultNoteExpirationDays overrides the expiry applied when a note
// call omits expirationDays.
func WithDefaultNoteExpirationDays(days int) BuiltinOption {
	return func(t *systemNoteTool) {
		if days > 0 {
			t.defaultDays = days
		}
	}
}

// NewDefaultRegistry wires the built-in tools.
func NewDefaultRegistry(now func() time.Time, opts ...BuiltinOption) *Registry {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	noteTool := &systemNoteTool{now: now, defaultDays: toolcall.DefaultExpirationDays}
	for _, opt := range opts {
		opt(noteTool)
	}
	registry := NewRegistry()
	registry.Register(noteTool)
	registry.Register(&systemThoughtTool{})
	registry.Register(&permanentMemoryTool{})
	return registry
}

type systemNoteTool struct {
	now         func() time.Time
	defaultDays int
}

func (t *systemNoteTool) Name() string {
	return ToolGenerateSystemNote
}

func (t *systemNoteTool) Params() []ParamSpec {
	return []ParamSpec{
		{Name: toolcall.ParamMessage, Kind: ParamString, Required: true},
		{Name: toolcall.ParamExpirationDays, Kind: ParamInt, DefaultInt: t.defaultDays},
	}
}

func (t *systemNoteTool) Execute(_ context.Context, call toolcall.Call, _ agent.Record) (string, agent.Mutation, error) {
	message, _ := call.Param(toolcall.ParamMessage)
	days := t.defaultDays
	if v, ok := call.Param(toolcall.ParamExpirationDays); ok {
		days = v.Int
	}

	created := t.now()
	note := agent.SystemNote{
		Message:   message.Str,
		CreatedAt: created,
		ExpiresAt: created.AddDate(0, 0, days),
	}
	result := fmt.Sprintf("note recorded, expires in %dd", days)
	return result, agent.Mutation{AddSystemNote: &note}, nil
}

type systemThoughtTool struct{}

func (t *systemThoughtTool) Name() string {
	return ToolGenerateSystemThought
}

func (t *systemThoughtTool) Params() []ParamSpec {
	return []ParamSpec{
		{Name: toolcall.ParamMessage, Kind: ParamString, Required: true},
	}
}

func (t *systemThoughtTool) Execute(_ context.Context, call toolcall.Call, _ agent.Record) (string, agent.Mutation, error) {
	message, _ := call.Param(toolcall.ParamMessage)
	return "thought recorded", agent.Mutation{AddSystemThought: message.Str}, nil
}

type permanentMemoryTool struct{}

func (t *permanentMemoryTool) Name() string {
	return ToolRecordPermanentMemory
}

func (t *permanentMemoryTool) Params() []ParamSpec {
	return []ParamSpec{
		{Name: toolcall.ParamMessage, Kind: ParamString, Required: true},
	}
}

func (t *permanentMemoryTool) Execute(_ context.Context, call toolcall.Call, rec agent.Record) (string, agent.Mutation, error) {
	message, _ := call.Param(toolcall.ParamMessage)
	result := fmt.Sprintf("memory recorded, %d entries total", len(rec.PermanentMemory)+1)
	return result, agent.Mutation{AddPermanentMemory: message.Str}, nil
}
