package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Mode string

const (
	ModeDormant Mode = "dormant"
	ModeAwake   Mode = "awake"
)

type SystemNote struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (n SystemNote) Expired(now time.Time) bool {
	return !n.ExpiresAt.After(now)
}

type TurnHistoryEntry struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Record is the persisted state of one agent, stored whole under agent:<id>.
// The pmem, note, thgt and tools arrays are long-lived memory: they survive
// an initialize reset, which clears only the turn-scoped fields.
type Record struct {
	AgentID           string             `json:"agent_id"`
	Mode              Mode               `json:"mode"`
	TurnHistory       []TurnHistoryEntry `json:"turn_history"`
	TurnPrompt        string             `json:"turn_prompt"`
	TurnsCount        int64              `json:"turns_count"`
	LastTurnTriggered *time.Time         `json:"last_turn_triggered,omitempty"`
	LastActivity      time.Time          `json:"last_activity"`
	SystemNotes       []SystemNote       `json:"system_notes"`
	SystemThoughts    []string           `json:"system_thoughts"`
	ToolCallResults   []string           `json:"tool_call_results"`
	PermanentMemory   []string           `json:"pmem"`
	Notes             []string           `json:"note"`
	Thoughts          []string           `json:"thgt"`
	Tools             []string           `json:"tools"`
	CreatedAt         time.Time          `json:"created_at"`
}

// ActiveNotes filters out notes past their expiration. Expired notes stay in
// the record unless the store is configured to purge them on write.
func (r Record) ActiveNotes(now time.Time) []SystemNote {
	active := make([]SystemNote, 0, len(r.SystemNotes))
	for _, note := range r.SystemNotes {
		if !note.Expired(now) {
			active = append(active, note)
		}
	}
	return active
}

// Mutation is the state change a tool handler intends. Handlers are
// effect-free; the store adapter commits mutations during the merge.
type Mutation struct {
	AddSystemNote      *SystemNote
	AddSystemThought   string
	AddPermanentMemory string
}

func (m Mutation) isZero() bool {
	return m.AddSystemNote == nil && m.AddSystemThought == "" && m.AddPermanentMemory == ""
}

// ToolOutcome is one executed tool call as the store adapter receives it:
// the formatted result line plus any mutation to fold into the record.
type ToolOutcome struct {
	FormattedResult string
	Mutation        Mutation
}

const (
	minAgentIDLen = 1
	maxAgentIDLen = 100
)

// ErrInvalidID marks identifiers that fail validation; callers map it to a
// client error rather than a server fault.
var ErrInvalidID = errors.New("invalid agent id")

// ErrInvalidMode marks mode values outside the dormant/awake pair.
var ErrInvalidMode = errors.New("invalid agent mode")

func ValidateAgentID(id string) error {
	if len(id) < minAgentIDLen || len(id) > maxAgentIDLen {
		return fmt.Errorf("%w: must be %d-%d characters", ErrInvalidID, minAgentIDLen, maxAgentIDLen)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: must not be blank", ErrInvalidID)
	}
	return nil
}

// NewRecord builds a fresh dormant record with non-nil slices so persisted
// JSON always carries arrays instead of nulls.
func NewRecord(agentID string, now time.Time) Record {
	return Record{
		AgentID:         agentID,
		Mode:            ModeDormant,
		TurnHistory:     []TurnHistoryEntry{},
		SystemNotes:     []SystemNote{},
		SystemThoughts:  []string{},
		ToolCallResults: []string{},
		PermanentMemory: []string{},
		Notes:           []string{},
		Thoughts:        []string{},
		Tools:           []string{},
		LastActivity:    now,
		CreatedAt:       now,
	}
}
