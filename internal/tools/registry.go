package tools

import (
	"context"
	"sort"
	"strings"

	"github.com/largeweb/skapp/internal/agent"
	"github.com/largeweb/skapp/internal/toolcall"
)

type ParamKind int

const (
	ParamString ParamKind = iota
	ParamInt
)

// ParamSpec declares one parameter a tool accepts. Optional integer
// parameters fall back to DefaultInt when the call omits them.
type ParamSpec struct {
	Name       string
	Kind       ParamKind
	Required   bool
	DefaultInt int
}

// Handler executes one tool. Handlers see the agent record read-only and
// signal intended state changes through the returned mutation; the store
// adapter performs the actual merge.
type Handler interface {
	Name() string
	Params() []ParamSpec
	Execute(ctx context.Context, call toolcall.Call, rec agent.Record) (string, agent.Mutation, error)
}

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(handler Handler) {
	if handler == nil {
		panic("tools: nil handler")
	}
	name := strings.TrimSpace(handler.Name())
	if name == "" {
		panic("tools: empty handler name")
	}
	r.handlers[name] = handler
}

func (r *Registry) Get(toolID string) (Handler, bool) {
	handler, ok := r.handlers[strings.TrimSpace(toolID)]
	return handler, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
