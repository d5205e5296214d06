package model

import "context"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ReasoningEffort is the hosted model's reasoning budget knob.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

func (e ReasoningEffort) Valid() bool {
	switch e {
	case "", EffortLow, EffortMedium, EffortHigh:
		return true
	default:
		return false
	}
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model        string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	Effort       ReasoningEffort
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type CompletionResponse struct {
	Content    string
	Usage      Usage
	Model      string
	StopReason string
}

// Chunk is one streamed increment. The final chunk sets Done and carries
// usage counts, which may be zero when the backend does not report them in
// streaming mode.
type Chunk struct {
	Text  string
	Done  bool
	Usage Usage
}

type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// Stream returns incremental chunks; the channel is closed after the
	// final Done chunk or on context cancellation.
	Stream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
