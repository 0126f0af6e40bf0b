package aggregator

// ============================================================================
// Package: aggregator
// File: aggregator.go
// Purpose: Turn the supervisor's event stream into active and historical
//          violation views and the session export document.
//
//   supervisor ──HandleEvent(worker, payload, ts)──▶ Aggregator
//                                                      │ Classify
//                                                      ▼
//                            active[worker] = latest result (replaced)
//                            history        = append unseen ids only
//                                                      │
//                                   subscribers ◀──────┘ Update
//
// History is never pruned or retracted. A payload that classifies to
// nothing clears that worker's active slice.
// ============================================================================

import (
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/proctor-guard/internal/clock"
	"github.com/ChuLiYu/proctor-guard/internal/logging"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
	"github.com/google/uuid"
)

var log = logging.Logger()

// ============================================================================
// Data structures
// ============================================================================

// Update is delivered to subscribers after every ingest.
type Update struct {
	Worker    string
	Payload   map[string]any
	Timestamp time.Time
	// Active is the worker's active slice after the ingest.
	Active []types.Violation
	// New holds the violations that entered history with this ingest.
	New []types.Violation
}

// SeverityCounts summarizes history by severity.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

func (c *SeverityCounts) add(s types.Severity) {
	switch s {
	case types.SeverityCritical:
		c.Critical++
	case types.SeverityHigh:
		c.High++
	case types.SeverityMedium:
		c.Medium++
	case types.SeverityLow:
		c.Low++
	}
}

// SchemaVersion is written into every export document.
const SchemaVersion = 1

// ExportDocument is the on-demand session export.
type ExportDocument struct {
	SchemaVersion   int               `json:"schema_version"`
	ExportedAt      time.Time         `json:"exported_at"`
	SessionID       string            `json:"session_id"`
	SessionStart    time.Time         `json:"session_start"`
	SessionEnd      time.Time         `json:"session_end"`
	TotalViolations int               `json:"total_violations"`
	Violations      []types.Violation `json:"violations"`
	SeverityCounts  SeverityCounts    `json:"severity_counts"`
}

// Options configures an Aggregator.
type Options struct {
	Clock clock.Clock
	// SessionID is generated when empty.
	SessionID string
}

// Aggregator owns the active and history collections. Readers always get
// copies.
type Aggregator struct {
	mu        sync.Mutex
	active    map[string][]types.Violation
	history   []types.Violation
	seen      map[string]bool
	subs      map[int]func(Update)
	nextSub   int
	sessionID string
	started   time.Time
}

// New creates an empty aggregator whose session starts now.
func New(opts Options) *Aggregator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	return &Aggregator{
		active:    make(map[string][]types.Violation),
		seen:      make(map[string]bool),
		subs:      make(map[int]func(Update)),
		sessionID: opts.SessionID,
		started:   opts.Clock.Now(),
	}
}

// ============================================================================
// Ingest
// ============================================================================

// Ingest classifies one payload, replaces the worker's active slice and
// appends violations whose id has not been seen before to history.
func (a *Aggregator) Ingest(worker string, payload map[string]any, ts time.Time) []types.Violation {
	found := Classify(worker, payload, ts)

	a.mu.Lock()
	var fresh []types.Violation
	for _, v := range found {
		if a.seen[v.ID] {
			continue
		}
		a.seen[v.ID] = true
		a.history = append(a.history, v)
		fresh = append(fresh, v)
	}
	if len(found) == 0 {
		delete(a.active, worker)
	} else {
		a.active[worker] = found
	}
	subs := make([]func(Update), 0, len(a.subs))
	for _, id := range sortedKeys(a.subs) {
		subs = append(subs, a.subs[id])
	}
	a.mu.Unlock()

	for _, v := range fresh {
		log.Info("Violation recorded",
			"worker", worker,
			"type", v.ViolationType,
			"severity", v.Severity.String(),
			"id", v.ID)
	}

	u := Update{
		Worker:    worker,
		Payload:   payload,
		Timestamp: ts,
		Active:    cloneViolations(found),
		New:       cloneViolations(fresh),
	}
	for _, fn := range subs {
		fn(u)
	}
	return cloneViolations(found)
}

// HandleEvent lets the aggregator be the supervisor's event sink.
func (a *Aggregator) HandleEvent(worker string, payload map[string]any, ts time.Time) {
	a.Ingest(worker, payload, ts)
}

// Subscribe registers fn for every subsequent ingest. Callbacks run on the
// ingesting goroutine, outside the aggregator lock. The returned function
// removes the subscription.
func (a *Aggregator) Subscribe(fn func(Update)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
		})
	}
}

// ============================================================================
// Views
// ============================================================================

// Active returns every worker's active violations, ordered by worker key.
func (a *Aggregator) Active() []types.Violation {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []types.Violation
	for _, worker := range sortedKeys(a.active) {
		out = append(out, a.active[worker]...)
	}
	return cloneViolations(out)
}

// ActiveFor returns one worker's active violations.
func (a *Aggregator) ActiveFor(worker string) []types.Violation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneViolations(a.active[worker])
}

// History returns history newest first, for display.
func (a *Aggregator) History() []types.Violation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.Violation, len(a.history))
	for i, v := range a.history {
		out[len(a.history)-1-i] = v
	}
	return out
}

// Replay returns history in insertion order.
func (a *Aggregator) Replay() []types.Violation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneViolations(a.history)
}

// Counts summarizes history by severity.
func (a *Aggregator) Counts() SeverityCounts {
	a.mu.Lock()
	defer a.mu.Unlock()

	var c SeverityCounts
	for _, v := range a.history {
		c.add(v.Severity)
	}
	return c
}

// Export builds the session document. Two exports of the same history at
// the same instant are identical.
func (a *Aggregator) Export(now time.Time) ExportDocument {
	a.mu.Lock()
	defer a.mu.Unlock()

	doc := ExportDocument{
		SchemaVersion:   SchemaVersion,
		ExportedAt:      now,
		SessionID:       a.sessionID,
		SessionStart:    a.started,
		SessionEnd:      now,
		TotalViolations: len(a.history),
		Violations:      make([]types.Violation, len(a.history)),
	}
	copy(doc.Violations, a.history)
	for _, v := range a.history {
		doc.SeverityCounts.add(v.Severity)
	}
	return doc
}

// SessionID identifies this aggregator's session in exports.
func (a *Aggregator) SessionID() string {
	return a.sessionID
}

// ============================================================================
// Helpers
// ============================================================================

func cloneViolations(in []types.Violation) []types.Violation {
	if len(in) == 0 {
		return nil
	}
	out := make([]types.Violation, len(in))
	copy(out, in)
	return out
}

func sortedKeys[K int | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
