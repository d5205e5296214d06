package agent

import (
	"context"
	"errors"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/largeweb/skapp/internal/kv"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *kv.MemoryStore) {
	t.Helper()
	backing := kv.NewMemoryStore()
	t.Cleanup(func() { _ = backing.Close() })
	logger := log.New(os.Stdout, "", 0)
	return NewStore(backing, logger, opts...), backing
}

func TestCreateAndAvailability(t *testing.T) {
	store, _ := newTestStore(t)

	avail, err := store.Availability(context.Background(), "deepsky")
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	if avail.Exists || !avail.Available {
		t.Fatalf("expected exists=false available=true, got %+v", avail)
	}

	rec, err := store.Create(context.Background(), "deepsky", ModeAwake, "explore")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if rec.Mode != ModeAwake || rec.TurnPrompt != "explore" {
		t.Fatalf("unexpected created record: %+v", rec)
	}

	avail, err = store.Availability(context.Background(), "deepsky")
	if err != nil {
		t.Fatalf("availability after create failed: %v", err)
	}
	if !avail.Exists || avail.Available {
		t.Fatalf("expected exists=true available=false, got %+v", avail)
	}

	if _, err := store.Create(context.Background(), "deepsky", ModeDormant, ""); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestAgentIDValidation(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Get(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if _, err := store.Get(context.Background(), strings.Repeat("x", 101)); err == nil {
		t.Fatalf("expected error for over-long id")
	}
	if _, err := store.Create(context.Background(), "ok", Mode("hibernating"), ""); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestInitializePreservesLongLivedMemory(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Initialize(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing agent, got %v", err)
	}

	if _, err := store.Create(context.Background(), "deepsky", ModeAwake, "explore"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	now := time.Now().UTC()
	outcomes := []ToolOutcome{
		{
			FormattedResult: "generate_system_note(message: a): noted [ts]",
			Mutation:        Mutation{AddSystemNote: &SystemNote{Message: "a", CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour)}},
		},
		{
			FormattedResult: "record_permanent_memory(message: core): remembered [ts]",
			Mutation:        Mutation{AddPermanentMemory: "core"},
		},
	}
	if _, err := store.ApplyToolOutcomes(context.Background(), "deepsky", outcomes); err != nil {
		t.Fatalf("apply outcomes failed: %v", err)
	}
	if _, err := store.CompleteTurn(context.Background(), "deepsky", TurnUpdate{
		HistoryEntries: []TurnHistoryEntry{{Role: "assistant", Content: "done", At: now}},
		TriggeredAt:    now,
	}); err != nil {
		t.Fatalf("complete turn failed: %v", err)
	}

	result, err := store.Initialize(context.Background(), "deepsky")
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if result.Before.TurnsCount != 1 || result.Before.TurnHistoryLen != 1 || result.Before.TurnPrompt != "explore" {
		t.Fatalf("unexpected before snapshot: %+v", result.Before)
	}
	if result.After.TurnsCount != 0 || result.After.TurnHistoryLen != 0 || result.After.TurnPrompt != "" || result.After.LastTurnTriggered != nil {
		t.Fatalf("unexpected after snapshot: %+v", result.After)
	}
	if result.Preserved.PermanentMemory != 1 {
		t.Fatalf("expected pmem to survive reset: %+v", result.Preserved)
	}

	rec, err := store.Get(context.Background(), "deepsky")
	if err != nil {
		t.Fatalf("get after reset failed: %v", err)
	}
	if len(rec.PermanentMemory) != 1 || rec.PermanentMemory[0] != "core" {
		t.Fatalf("pmem lost on reset: %v", rec.PermanentMemory)
	}
	if len(rec.SystemNotes) != 1 {
		t.Fatalf("system notes must survive reset by default: %v", rec.SystemNotes)
	}
	if len(rec.ToolCallResults) != 2 {
		t.Fatalf("tool call results must survive reset: %v", rec.ToolCallResults)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Create(context.Background(), "deepsky", ModeDormant, "p"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first, err := store.Initialize(context.Background(), "deepsky")
	if err != nil {
		t.Fatalf("first initialize failed: %v", err)
	}
	second, err := store.Initialize(context.Background(), "deepsky")
	if err != nil {
		t.Fatalf("second initialize failed: %v", err)
	}

	if !reflect.DeepEqual(first.Preserved, second.Preserved) {
		t.Fatalf("preserved counts changed between resets: %+v vs %+v", first.Preserved, second.Preserved)
	}
	if second.Before.TurnsCount != 0 || second.Before.TurnHistoryLen != 0 || second.Before.TurnPrompt != "" {
		t.Fatalf("second reset must see already-cleared fields: %+v", second.Before)
	}
}

func TestApplyToolOutcomesAppendsInOrder(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Create(context.Background(), "deepsky", ModeAwake, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	outcomes := []ToolOutcome{
		{FormattedResult: "r1"},
		{FormattedResult: "r2"},
		{FormattedResult: "r3"},
	}
	rec, err := store.ApplyToolOutcomes(context.Background(), "deepsky", outcomes)
	if err != nil {
		t.Fatalf("apply outcomes failed: %v", err)
	}
	if want := []string{"r1", "r2", "r3"}; !reflect.DeepEqual(rec.ToolCallResults, want) {
		t.Fatalf("unexpected result order: %v", rec.ToolCallResults)
	}
}

func TestApplyToolOutcomesConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Create(context.Background(), "deepsky", ModeAwake, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, _ = store.ApplyToolOutcomes(context.Background(), "deepsky", []ToolOutcome{{FormattedResult: "r"}})
		}()
	}
	wg.Wait()

	rec, err := store.Get(context.Background(), "deepsky")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(rec.ToolCallResults) != writers {
		t.Fatalf("lost updates: expected %d results, got %d", writers, len(rec.ToolCallResults))
	}
}

func TestExpiredNotesFilteredAtReadAndOptionallyPurged(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store, _ := newTestStore(t, WithClock(clock))
	if _, err := store.Create(context.Background(), "deepsky", ModeAwake, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stale := SystemNote{Message: "old", CreatedAt: now.Add(-10 * 24 * time.Hour), ExpiresAt: now.Add(-3 * 24 * time.Hour)}
	fresh := SystemNote{Message: "new", CreatedAt: now, ExpiresAt: now.Add(7 * 24 * time.Hour)}
	_, err := store.ApplyToolOutcomes(context.Background(), "deepsky", []ToolOutcome{
		{Mutation: Mutation{AddSystemNote: &stale}},
		{Mutation: Mutation{AddSystemNote: &fresh}},
	})
	if err != nil {
		t.Fatalf("apply outcomes failed: %v", err)
	}

	rec, err := store.Get(context.Background(), "deepsky")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(rec.SystemNotes) != 2 {
		t.Fatalf("expired notes must stay stored by default, got %d", len(rec.SystemNotes))
	}
	active := rec.ActiveNotes(now)
	if len(active) != 1 || active[0].Message != "new" {
		t.Fatalf("unexpected active notes: %v", active)
	}

	purging, _ := newTestStore(t, WithClock(clock), WithPurgeExpiredNotes(true))
	if _, err := purging.Create(context.Background(), "argo", ModeAwake, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err = purging.ApplyToolOutcomes(context.Background(), "argo", []ToolOutcome{
		{Mutation: Mutation{AddSystemNote: &stale}},
		{Mutation: Mutation{AddSystemNote: &fresh}},
	})
	if err != nil {
		t.Fatalf("apply outcomes failed: %v", err)
	}
	rec, err = purging.Get(context.Background(), "argo")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(rec.SystemNotes) != 1 || rec.SystemNotes[0].Message != "new" {
		t.Fatalf("purge-on-write must drop stale notes: %v", rec.SystemNotes)
	}
}

func TestCompleteTurnBumpsCountersErrNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.CompleteTurn(context.Background(), "ghost", TurnUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := store.Create(context.Background(), "deepsky", ModeAwake, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	triggered := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	rec, err := store.CompleteTurn(context.Background(), "deepsky", TurnUpdate{
		HistoryEntries: []TurnHistoryEntry{{Role: "user", Content: "go"}, {Role: "assistant", Content: "ok"}},
		TriggeredAt:    triggered,
	})
	if err != nil {
		t.Fatalf("complete turn failed: %v", err)
	}
	if rec.TurnsCount != 1 || len(rec.TurnHistory) != 2 {
		t.Fatalf("unexpected turn state: count=%d history=%d", rec.TurnsCount, len(rec.TurnHistory))
	}
	if rec.LastTurnTriggered == nil || !rec.LastTurnTriggered.Equal(triggered) {
		t.Fatalf("unexpected lastTurnTriggered: %v", rec.LastTurnTriggered)
	}
}

func TestSetMode(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Create(context.Background(), "argo", ModeDormant, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	rec, err := store.SetMode(context.Background(), "argo", ModeAwake)
	if err != nil {
		t.Fatalf("set mode failed: %v", err)
	}
	if rec.Mode != ModeAwake {
		t.Fatalf("expected awake, got %q", rec.Mode)
	}

	if _, err := store.SetMode(context.Background(), "argo", Mode("hibernating")); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	if _, err := store.SetMode(context.Background(), "ghost", ModeDormant); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListIDs(t *testing.T) {
	store, backing := newTestStore(t)
	for _, id := range []string{"argo", "deepsky", "zephyr"} {
		if _, err := store.Create(context.Background(), id, ModeDormant, ""); err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
	}
	if err := backing.Put(context.Background(), kv.StatsKey, []byte("{}")); err != nil {
		t.Fatalf("seed stats key failed: %v", err)
	}

	ids, err := store.ListIDs(context.Background(), 2)
	if err != nil {
		t.Fatalf("list ids failed: %v", err)
	}
	if want := []string{"argo", "deepsky", "zephyr"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
