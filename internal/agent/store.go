package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/largeweb/skapp/internal/kv"
)

var (
	ErrNotFound = errors.New("agent not found")
	ErrExists   = errors.New("agent already exists")
)

// Store owns the read-modify-write cycle for agent records. The underlying
// KV layer has no transactions, so every mutating operation runs under a
// per-agent mutex and writes the record back whole. Nothing else writes
// agent keys.
type Store struct {
	kv           kv.Store
	logger       *log.Logger
	now          func() time.Time
	purgeExpired bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Store)

// WithPurgeExpiredNotes drops expired system notes during writes instead of
// leaving them for read-time filtering.
func WithPurgeExpiredNotes(purge bool) Option {
	return func(s *Store) {
		s.purgeExpired = purge
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(kvStore kv.Store, logger *log.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Store{
		kv:     kvStore,
		logger: logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) lockFor(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[agentID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[agentID] = lock
	return lock
}

func (s *Store) Get(ctx context.Context, agentID string) (Record, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return Record{}, err
	}
	return s.read(ctx, agentID)
}

func (s *Store) read(ctx context.Context, agentID string) (Record, error) {
	raw, err := s.kv.Get(ctx, kv.AgentKey(agentID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("load agent record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode agent record: %w", err)
	}
	if rec.AgentID == "" {
		rec.AgentID = agentID
	}
	return rec, nil
}

func (s *Store) write(ctx context.Context, rec Record) error {
	if s.purgeExpired {
		rec.SystemNotes = rec.ActiveNotes(s.now())
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode agent record: %w", err)
	}
	if err := s.kv.Put(ctx, kv.AgentKey(rec.AgentID), raw); err != nil {
		return fmt.Errorf("store agent record: %w", err)
	}
	return nil
}

type Availability struct {
	Exists    bool `json:"exists"`
	Available bool `json:"available"`
}

// Availability reports whether an identifier already has a record and,
// inversely, whether it is free to claim.
func (s *Store) Availability(ctx context.Context, agentID string) (Availability, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return Availability{}, err
	}

	_, err := s.kv.Get(ctx, kv.AgentKey(agentID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Availability{Exists: false, Available: true}, nil
		}
		return Availability{}, fmt.Errorf("check agent record: %w", err)
	}
	return Availability{Exists: true, Available: false}, nil
}

// Create claims an identifier. The record shape comes from NewRecord; mode
// and turn prompt may be seeded by the caller.
func (s *Store) Create(ctx context.Context, agentID string, mode Mode, turnPrompt string) (Record, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return Record{}, err
	}
	if mode == "" {
		mode = ModeDormant
	}
	if mode != ModeDormant && mode != ModeAwake {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	lock := s.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.read(ctx, agentID); err == nil {
		return Record{}, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	rec := NewRecord(agentID, s.now())
	rec.Mode = mode
	rec.TurnPrompt = turnPrompt
	if err := s.write(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

type ClearedSnapshot struct {
	TurnHistoryLen    int        `json:"turn_history_len"`
	TurnPrompt        string     `json:"turn_prompt"`
	TurnsCount        int64      `json:"turns_count"`
	LastTurnTriggered *time.Time `json:"last_turn_triggered,omitempty"`
}

type PreservedCounts struct {
	PermanentMemory int `json:"pmem"`
	Notes           int `json:"note"`
	Thoughts        int `json:"thgt"`
	Tools           int `json:"tools"`
}

type InitializeResult struct {
	AgentID   string          `json:"agent_id"`
	Before    ClearedSnapshot `json:"before"`
	After     ClearedSnapshot `json:"after"`
	Preserved PreservedCounts `json:"preserved"`
	ResetAt   time.Time       `json:"reset_at"`
}

// Initialize resets turn-scoped state while leaving long-lived memory alone.
// Running it twice in a row only refreshes lastActivity: the cleared fields
// are already empty.
func (s *Store) Initialize(ctx context.Context, agentID string) (InitializeResult, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return InitializeResult{}, err
	}

	lock := s.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.read(ctx, agentID)
	if err != nil {
		return InitializeResult{}, err
	}

	before := clearedSnapshot(rec)

	now := s.now()
	rec.TurnHistory = []TurnHistoryEntry{}
	rec.TurnPrompt = ""
	rec.TurnsCount = 0
	rec.LastTurnTriggered = nil
	rec.LastActivity = now

	if err := s.write(ctx, rec); err != nil {
		return InitializeResult{}, err
	}

	s.logger.Printf("agent initialized agent_id=%s prior_turns=%d", agentID, before.TurnsCount)
	return InitializeResult{
		AgentID: agentID,
		Before:  before,
		After:   clearedSnapshot(rec),
		Preserved: PreservedCounts{
			PermanentMemory: len(rec.PermanentMemory),
			Notes:           len(rec.Notes),
			Thoughts:        len(rec.Thoughts),
			Tools:           len(rec.Tools),
		},
		ResetAt: now,
	}, nil
}

func clearedSnapshot(rec Record) ClearedSnapshot {
	return ClearedSnapshot{
		TurnHistoryLen:    len(rec.TurnHistory),
		TurnPrompt:        rec.TurnPrompt,
		TurnsCount:        rec.TurnsCount,
		LastTurnTriggered: rec.LastTurnTriggered,
	}
}

// ApplyToolOutcomes appends formatted result lines in the order given and
// folds handler mutations into the record under one read-modify-write.
func (s *Store) ApplyToolOutcomes(ctx context.Context, agentID string, outcomes []ToolOutcome) (Record, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return Record{}, err
	}
	if len(outcomes) == 0 {
		return s.Get(ctx, agentID)
	}

	lock := s.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.read(ctx, agentID)
	if err != nil {
		return Record{}, err
	}

	now := s.now()
	for _, outcome := range outcomes {
		if outcome.FormattedResult != "" {
			rec.ToolCallResults = append(rec.ToolCallResults, outcome.FormattedResult)
		}
		applyMutation(&rec, outcome.Mutation)
	}
	rec.LastActivity = now

	if err := s.write(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func applyMutation(rec *Record, m Mutation) {
	if m.isZero() {
		return
	}
	if m.AddSystemNote != nil {
		rec.SystemNotes = append(rec.SystemNotes, *m.AddSystemNote)
	}
	if m.AddSystemThought != "" {
		rec.SystemThoughts = append(rec.SystemThoughts, m.AddSystemThought)
	}
	if m.AddPermanentMemory != "" {
		rec.PermanentMemory = append(rec.PermanentMemory, m.AddPermanentMemory)
	}
}

// TurnUpdate is the state an engine cycle commits after its model round.
type TurnUpdate struct {
	HistoryEntries []TurnHistoryEntry
	TriggeredAt    time.Time
}

func (s *Store) CompleteTurn(ctx context.Context, agentID string, update TurnUpdate) (Record, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return Record{}, err
	}

	lock := s.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.read(ctx, agentID)
	if err != nil {
		return Record{}, err
	}

	rec.TurnHistory = append(rec.TurnHistory, update.HistoryEntries...)
	rec.TurnsCount++
	triggered := update.TriggeredAt
	if triggered.IsZero() {
		triggered = s.now()
	}
	rec.LastTurnTriggered = &triggered
	rec.LastActivity = s.now()

	if err := s.write(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) SetMode(ctx context.Context, agentID string, mode Mode) (Record, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return Record{}, err
	}
	if mode != ModeDormant && mode != ModeAwake {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	lock := s.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.read(ctx, agentID)
	if err != nil {
		return Record{}, err
	}
	rec.Mode = mode
	rec.LastActivity = s.now()
	if err := s.write(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListIDs pages through every agent key.
func (s *Store) ListIDs(ctx context.Context, pageSize int) ([]string, error) {
	keys, err := kv.ListAll(ctx, s.kv, kv.AgentKeyPrefix, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list agent keys: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id, ok := kv.AgentIDFromKey(key); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
