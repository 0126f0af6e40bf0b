package aggregator

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/proctor-guard/internal/clock"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestAggregator() *Aggregator {
	return New(Options{Clock: clock.Fake(t0), SessionID: "session-1"})
}

func blacklisted(pid int, name string) map[string]any {
	return map[string]any{
		"blacklisted_found": true,
		"matches":           []any{map[string]any{"pid": pid, "name": name}},
	}
}

// ============================================================================
// Classification
// ============================================================================

func TestClassifyBlacklistedProcess(t *testing.T) {
	got := Classify(types.WorkerProcessWatch, blacklisted(42, "chrome"), t0)

	require.Len(t, got, 1)
	v := got[0]
	assert.Equal(t, types.SeverityCritical, v.Severity)
	assert.Equal(t, "blacklisted_process", v.ViolationType)
	assert.Contains(t, v.Evidence, "pid=42")
	assert.Contains(t, v.Evidence, "chrome")
	assert.Equal(t, types.WorkerProcessWatch, v.Worker)
	assert.Equal(t, t0, v.Timestamp)
	assert.Len(t, v.ID, 32)
}

func TestClassifyDecodedNumbers(t *testing.T) {
	// Payloads decoded from the worker pipe carry unsigned integers.
	p := map[string]any{
		"blacklisted_found": true,
		"matches":           []any{map[string]any{"pid": uint64(42), "name": "chrome"}},
	}
	got := Classify(types.WorkerProcessWatch, p, t0)
	require.Len(t, got, 1)
	assert.Equal(t, Classify(types.WorkerProcessWatch, blacklisted(42, "chrome"), t0)[0].ID, got[0].ID)
}

func TestClassifyLargeNumbersClamp(t *testing.T) {
	n, ok := number(uint64(math.MaxUint64))
	assert.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), n)

	n, ok = number(float64(1e30))
	assert.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), n)

	p := map[string]any{"sessions": uint64(math.MaxUint64), "is_capturing": false}
	assert.NotEmpty(t, Classify(types.WorkerScreenWatch, p, t0), "a huge session count is still positive")
}

func TestClassifyCollapsesRepeatedMatches(t *testing.T) {
	p := map[string]any{
		"blacklisted_found": true,
		"matches": []any{
			map[string]any{"pid": 42, "name": "chrome"},
			map[string]any{"pid": 42, "name": "chrome"},
			map[string]any{"pid": 43, "name": "chrome"},
		},
	}
	got := Classify(types.WorkerProcessWatch, p, t0)
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].ID, got[1].ID)

	a := newTestAggregator()
	a.Ingest(types.WorkerProcessWatch, p, t0)
	assert.Len(t, a.ActiveFor(types.WorkerProcessWatch), 2)
	assert.Len(t, a.History(), 2)
}

func TestClassifyRules(t *testing.T) {
	tests := []struct {
		name     string
		worker   string
		payload  map[string]any
		kinds    []string
		severity []types.Severity
	}{
		{
			name:    "no matches is clean",
			worker:  types.WorkerProcessWatch,
			payload: map[string]any{"blacklisted_found": false, "matches": []any{}},
		},
		{
			name:     "screen capture default high",
			worker:   types.WorkerScreenWatch,
			payload:  map[string]any{"is_capturing": true},
			kinds:    []string{"screen_capture"},
			severity: []types.Severity{types.SeverityHigh},
		},
		{
			name:     "screen threat level wins",
			worker:   types.WorkerScreenWatch,
			payload:  map[string]any{"sessions": 1, "threat_level": 2, "apps": []any{"obs"}},
			kinds:    []string{"screen_capture"},
			severity: []types.Severity{types.SeverityMedium},
		},
		{
			name:    "screen threat level zero is not a violation",
			worker:  types.WorkerScreenWatch,
			payload: map[string]any{"sessions": 1, "threat_level": 0},
		},
		{
			name:     "vm",
			worker:   types.WorkerVMDetect,
			payload:  map[string]any{"is_vm": true, "vendor": "kvm"},
			kinds:    []string{"virtual_machine"},
			severity: []types.Severity{types.SeverityCritical},
		},
		{
			name:    "no vm",
			worker:  types.WorkerVMDetect,
			payload: map[string]any{"is_vm": false},
		},
		{
			name:     "notification change during session",
			worker:   types.WorkerNotificationBlocker,
			payload:  map[string]any{"user_changed_settings": true, "session_active": true},
			kinds:    []string{"notification_settings_changed"},
			severity: []types.Severity{types.SeverityMedium},
		},
		{
			name:    "notification change outside session",
			worker:  types.WorkerNotificationBlocker,
			payload: map[string]any{"user_changed_settings": true, "session_active": false},
		},
		{
			name:   "external devices and attach events",
			worker: types.WorkerDeviceWatch,
			payload: map[string]any{
				"connected": []any{
					map[string]any{"name": "Keyboard", "category": "input", "external": false},
					map[string]any{"name": "USB Mic", "category": "audio", "external": true},
					map[string]any{"name": "Webcam", "category": "video", "external": true},
				},
				"attached": []any{"event7"},
			},
			kinds:    []string{"device_connected", "device_attached"},
			severity: []types.Severity{types.SeverityMedium, types.SeverityMedium},
		},
		{
			name:     "suspicious clipboard",
			worker:   types.WorkerClipboardWatch,
			payload:  map[string]any{"changed": true, "suspicious": true, "length": 900},
			kinds:    []string{"clipboard_activity"},
			severity: []types.Severity{types.SeverityLow},
		},
		{
			name:    "unsuspicious clipboard change",
			worker:  types.WorkerClipboardWatch,
			payload: map[string]any{"changed": true, "suspicious": false},
		},
		{
			name:     "focus lost and idle",
			worker:   types.WorkerFocusWatch,
			payload:  map[string]any{"focus_lost": true, "idle_seconds": 61},
			kinds:    []string{"focus_lost", "idle"},
			severity: []types.Severity{types.SeverityMedium, types.SeverityLow},
		},
		{
			name:    "idle below threshold",
			worker:  types.WorkerFocusWatch,
			payload: map[string]any{"focus_lost": false, "idle_seconds": 100, "idle_threshold": 120},
		},
		{
			name:     "explicit textual severity overrides",
			worker:   types.WorkerVMDetect,
			payload:  map[string]any{"is_vm": true, "severity": "warning"},
			kinds:    []string{"virtual_machine"},
			severity: []types.Severity{types.SeverityMedium},
		},
		{
			name:    "explicit none suppresses",
			worker:  types.WorkerVMDetect,
			payload: map[string]any{"is_vm": true, "severity": 0},
		},
		{
			name:     "unknown worker uses generic flag",
			worker:   "gaze-watch",
			payload:  map[string]any{"violation": true, "violation_type": "gaze_away", "severity": "high"},
			kinds:    []string{"gaze_away"},
			severity: []types.Severity{types.SeverityHigh},
		},
		{
			name:    "unknown worker without flag",
			worker:  "gaze-watch",
			payload: map[string]any{"looking": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.worker, tt.payload, t0)
			require.Len(t, got, len(tt.kinds))
			for i, v := range got {
				assert.Equal(t, tt.kinds[i], v.ViolationType)
				assert.Equal(t, tt.severity[i], v.Severity)
			}
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	workers := types.AllWorkers()

	properties.Property("same input gives same violations", prop.ForAll(
		func(idx, pid, idle int, name string, flagged bool) bool {
			worker := workers[idx%len(workers)]
			payload := map[string]any{
				"blacklisted_found": flagged,
				"matches":           []any{map[string]any{"pid": pid, "name": name}},
				"is_vm":             flagged,
				"is_capturing":      flagged,
				"focus_lost":        flagged,
				"idle_seconds":      idle,
				"attached":          []any{name, "event0"},
			}
			first := Classify(worker, payload, t0)
			second := Classify(worker, payload, t0)
			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i] != second[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 100),
		gen.IntRange(1, 1<<20),
		gen.IntRange(0, 600),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// ============================================================================
// Active and history views
// ============================================================================

func TestIngestDeduplicatesHistory(t *testing.T) {
	a := newTestAggregator()

	first := a.Ingest(types.WorkerProcessWatch, blacklisted(42, "chrome"), t0)
	second := a.Ingest(types.WorkerProcessWatch, blacklisted(42, "chrome"), t0.Add(2*time.Second))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Len(t, a.History(), 1, "same violation id is recorded once")
	require.Len(t, a.ActiveFor(types.WorkerProcessWatch), 1)
	assert.Equal(t, t0.Add(2*time.Second), a.ActiveFor(types.WorkerProcessWatch)[0].Timestamp,
		"active slice is replaced by the latest sample")
}

func TestIngestCleanPayloadClearsActiveOnly(t *testing.T) {
	a := newTestAggregator()
	a.Ingest(types.WorkerVMDetect, map[string]any{"is_vm": true, "vendor": "kvm"}, t0)
	require.Len(t, a.Active(), 1)

	a.Ingest(types.WorkerVMDetect, map[string]any{"is_vm": false}, t0.Add(time.Second))

	assert.Empty(t, a.Active())
	assert.Empty(t, a.ActiveFor(types.WorkerVMDetect))
	assert.Len(t, a.History(), 1, "history is never retracted")
}

func TestHistoryOrdering(t *testing.T) {
	a := newTestAggregator()
	a.Ingest(types.WorkerProcessWatch, blacklisted(1, "a"), t0)
	a.Ingest(types.WorkerProcessWatch, blacklisted(2, "b"), t0.Add(time.Second))
	a.Ingest(types.WorkerProcessWatch, blacklisted(3, "c"), t0.Add(2*time.Second))

	replay := a.Replay()
	history := a.History()
	require.Len(t, replay, 3)
	require.Len(t, history, 3)
	assert.Contains(t, replay[0].Evidence, "pid=1")
	assert.Contains(t, replay[2].Evidence, "pid=3")
	assert.Contains(t, history[0].Evidence, "pid=3", "history is newest first")
	assert.Contains(t, history[2].Evidence, "pid=1")
}

func TestActiveAcrossWorkers(t *testing.T) {
	a := newTestAggregator()
	a.Ingest(types.WorkerVMDetect, map[string]any{"is_vm": true}, t0)
	a.Ingest(types.WorkerFocusWatch, map[string]any{"focus_lost": true}, t0)

	active := a.Active()
	require.Len(t, active, 2)
	assert.Equal(t, types.WorkerFocusWatch, active[0].Worker, "ordered by worker key")
	assert.Equal(t, types.WorkerVMDetect, active[1].Worker)
}

func TestViewsAreCopies(t *testing.T) {
	a := newTestAggregator()
	a.Ingest(types.WorkerVMDetect, map[string]any{"is_vm": true}, t0)

	a.Replay()[0].Reason = "tampered"
	a.ActiveFor(types.WorkerVMDetect)[0].Reason = "tampered"

	assert.NotEqual(t, "tampered", a.Replay()[0].Reason)
	assert.NotEqual(t, "tampered", a.ActiveFor(types.WorkerVMDetect)[0].Reason)
}

func TestHistoryDedupProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("history length equals distinct pids", prop.ForAll(
		func(pids []int) bool {
			a := newTestAggregator()
			distinct := map[int]bool{}
			for i, pid := range pids {
				a.Ingest(types.WorkerProcessWatch, blacklisted(pid, "chrome"), t0.Add(time.Duration(i)*time.Second))
				distinct[pid] = true
			}
			return len(a.History()) == len(distinct)
		},
		gen.SliceOf(gen.IntRange(1, 20)),
	))

	properties.TestingRun(t)
}

// ============================================================================
// Subscriptions
// ============================================================================

func TestSubscribe(t *testing.T) {
	a := newTestAggregator()

	var (
		mu      sync.Mutex
		updates []Update
	)
	unsubscribe := a.Subscribe(func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	a.HandleEvent(types.WorkerVMDetect, map[string]any{"is_vm": true}, t0)
	a.HandleEvent(types.WorkerVMDetect, map[string]any{"is_vm": true}, t0.Add(time.Second))
	unsubscribe()
	unsubscribe()
	a.HandleEvent(types.WorkerVMDetect, map[string]any{"is_vm": false}, t0.Add(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	assert.Equal(t, types.WorkerVMDetect, updates[0].Worker)
	assert.Len(t, updates[0].New, 1)
	assert.Len(t, updates[1].Active, 1)
	assert.Empty(t, updates[1].New, "repeat observation adds nothing to history")
}

func TestSubscriberMayReadAggregator(t *testing.T) {
	a := newTestAggregator()
	var seen int
	a.Subscribe(func(Update) { seen = len(a.History()) })

	a.Ingest(types.WorkerVMDetect, map[string]any{"is_vm": true}, t0)
	assert.Equal(t, 1, seen)
}

// ============================================================================
// Export
// ============================================================================

func TestExportEmpty(t *testing.T) {
	a := newTestAggregator()
	doc := a.Export(t0.Add(time.Hour))

	assert.Equal(t, 0, doc.TotalViolations)
	assert.Empty(t, doc.Violations)
	assert.Equal(t, SeverityCounts{}, doc.SeverityCounts)
	assert.Equal(t, "session-1", doc.SessionID)
	assert.Equal(t, t0, doc.SessionStart)
	assert.Equal(t, t0.Add(time.Hour), doc.SessionEnd)

	body, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"violations":[]`)
}

func TestExportCounts(t *testing.T) {
	a := newTestAggregator()
	a.Ingest(types.WorkerProcessWatch, blacklisted(42, "chrome"), t0)
	a.Ingest(types.WorkerClipboardWatch, map[string]any{"changed": true, "suspicious": true, "length": 800}, t0)

	doc := a.Export(t0.Add(time.Minute))
	assert.Equal(t, 2, doc.TotalViolations)
	assert.Equal(t, SeverityCounts{Critical: 1, Low: 1}, doc.SeverityCounts)
	assert.Equal(t, doc.SeverityCounts, a.Counts())
}

func TestExportIsStable(t *testing.T) {
	a := newTestAggregator()
	a.Ingest(types.WorkerProcessWatch, blacklisted(42, "chrome"), t0)
	a.Ingest(types.WorkerFocusWatch, map[string]any{"focus_lost": true}, t0)

	now := t0.Add(time.Minute)
	first, err := json.Marshal(a.Export(now))
	require.NoError(t, err)
	second, err := json.Marshal(a.Export(now))
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
}

func TestGeneratedSessionID(t *testing.T) {
	a := New(Options{})
	b := New(Options{})
	assert.Len(t, a.SessionID(), 36)
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

// ============================================================================
// Writer
// ============================================================================

func TestWriterRoundTrip(t *testing.T) {
	for _, name := range []string{"export.json", "export.json.gz"} {
		t.Run(name, func(t *testing.T) {
			a := newTestAggregator()
			a.Ingest(types.WorkerProcessWatch, blacklisted(42, "chrome"), t0)
			doc := a.Export(t0.Add(time.Minute))

			w := NewWriter(filepath.Join(t.TempDir(), "out", name))
			require.NoError(t, w.Write(doc))

			_, err := os.Stat(w.Path() + ".tmp")
			assert.True(t, os.IsNotExist(err), "temp file is renamed away")

			loaded, err := w.Load()
			require.NoError(t, err)
			assert.Equal(t, doc.SessionID, loaded.SessionID)
			assert.Equal(t, doc.SeverityCounts, loaded.SeverityCounts)
			require.Len(t, loaded.Violations, 1)
			assert.Equal(t, doc.Violations[0].ID, loaded.Violations[0].ID)
			assert.Equal(t, types.SeverityCritical, loaded.Violations[0].Severity)
			assert.True(t, doc.Violations[0].Timestamp.Equal(loaded.Violations[0].Timestamp))
		})
	}
}

func TestWriterCompresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json.gz")
	require.NoError(t, NewWriter(path).Write(newTestAggregator().Export(t0)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(raw), 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, raw[:2], "gzip magic")
}

func TestWriterLoadErrors(t *testing.T) {
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o600))
	_, err := NewWriter(corrupt).Load()
	assert.ErrorIs(t, err, ErrCorruptedExport)

	future := filepath.Join(dir, "future.json")
	require.NoError(t, os.WriteFile(future, []byte(`{"schema_version": 9}`), 0o600))
	_, err = NewWriter(future).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)

	_, err = NewWriter(filepath.Join(dir, "missing.json")).Load()
	assert.Error(t, err)
}
