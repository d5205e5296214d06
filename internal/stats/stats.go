package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/largeweb/skapp/internal/agent"
	"github.com/largeweb/skapp/internal/kv"
)

// DefaultTimezone fixes the calendar used for day-boundary counting.
const DefaultTimezone = "America/New_York"

const defaultPageSize = 100

// Metrics is a point-in-time fleet snapshot. Sample marks placeholder data
// returned when no records exist, so downstream display stays non-empty;
// callers needing the distinction must check it.
type Metrics struct {
	Sample       bool      `json:"sample"`
	AwakeAgents  int       `json:"awake_agents"`
	NotesToday   int       `json:"notes_today"`
	LastActivity string    `json:"last_activity"`
	ComputedAt   time.Time `json:"computed_at"`
}

type Reducer struct {
	kv       kv.Store
	logger   *log.Logger
	loc      *time.Location
	pageSize int
	now      func() time.Time
}

type Option func(*Reducer)

func WithLocation(loc *time.Location) Option {
	return func(r *Reducer) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithPageSize(size int) Option {
	return func(r *Reducer) {
		if size > 0 {
			r.pageSize = size
		}
	}
}

func WithReducerClock(now func() time.Time) Option {
	return func(r *Reducer) {
		if now != nil {
			r.now = now
		}
	}
}

func NewReducer(kvStore kv.Store, logger *log.Logger, opts ...Option) *Reducer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	r := &Reducer{
		kv:       kvStore,
		logger:   logger,
		loc:      loc,
		pageSize: defaultPageSize,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Compute scans every agent record page by page. Records that fail to load
// or decode are skipped with a log line; only a failing key listing aborts
// the aggregation. The fresh snapshot is cached at the fixed stats key on a
// best-effort basis.
func (r *Reducer) Compute(ctx context.Context) (Metrics, error) {
	now := r.now()

	scanned := 0
	awake := 0
	notesToday := 0
	var lastActivity time.Time

	cursor := ""
	for {
		keys, next, err := r.kv.List(ctx, kv.AgentKeyPrefix, cursor, r.pageSize)
		if err != nil {
			return Metrics{}, fmt.Errorf("list agent records: %w", err)
		}

		for _, key := range keys {
			raw, err := r.kv.Get(ctx, key)
			if err != nil {
				r.logger.Printf("stats skip key=%s err=%v", key, err)
				continue
			}
			var rec agent.Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				r.logger.Printf("stats skip key=%s err=decode: %v", key, err)
				continue
			}

			scanned++
			if rec.Mode == agent.ModeAwake {
				awake++
			}
			for _, note := range rec.SystemNotes {
				if sameDay(note.CreatedAt, now, r.loc) {
					notesToday++
				}
			}
			if rec.LastActivity.After(lastActivity) {
				lastActivity = rec.LastActivity
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	if scanned == 0 {
		metrics := sampleMetrics(now)
		r.cache(ctx, metrics)
		return metrics, nil
	}

	metrics := Metrics{
		AwakeAgents:  awake,
		NotesToday:   notesToday,
		LastActivity: recency(now.Sub(lastActivity)),
		ComputedAt:   now,
	}
	r.cache(ctx, metrics)
	return metrics, nil
}

func (r *Reducer) cache(ctx context.Context, metrics Metrics) {
	raw, err := json.Marshal(metrics)
	if err != nil {
		r.logger.Printf("stats cache encode err=%v", err)
		return
	}
	if err := r.kv.Put(ctx, kv.StatsKey, raw); err != nil {
		r.logger.Printf("stats cache write err=%v", err)
	}
}

// sampleMetrics is the documented placeholder for an empty record set.
func sampleMetrics(now time.Time) Metrics {
	return Metrics{
		Sample:       true,
		AwakeAgents:  2,
		NotesToday:   5,
		LastActivity: "Just now",
		ComputedAt:   now,
	}
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	al, bl := a.In(loc), b.In(loc)
	return al.Year() == bl.Year() && al.Month() == bl.Month() && al.Day() == bl.Day()
}

// recency buckets an activity age: under a minute is "Just now", under an
// hour "Nm ago", anything longer "Nh ago".
func recency(age time.Duration) string {
	if age < 0 {
		age = 0
	}
	switch {
	case age < time.Minute:
		return "Just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	}
}
