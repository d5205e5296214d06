package event

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeAgentCreated     Type = "agent.created"
	TypeAgentInitialized Type = "agent.initialized"
	TypeAgentModeChanged Type = "agent.mode.changed"
	TypeTurnStarted      Type = "turn.started"
	TypeTurnCompleted    Type = "turn.completed"
	TypeTurnFailed       Type = "turn.failed"
	TypeToolCallApplied  Type = "tool.call.applied"
	TypeToolCallFailed   Type = "tool.call.failed"
	TypeHeartbeatTick    Type = "heartbeat.tick"
)

// Envelope is one lifecycle event fanned out to subscribers.
type Envelope struct {
	EventID    string         `json:"event_id"`
	Type       Type           `json:"type"`
	AgentID    string         `json:"agent_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func New(t Type, agentID string, payload map[string]any) Envelope {
	return Envelope{
		EventID:    uuid.NewString(),
		Type:       t,
		AgentID:    agentID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}
