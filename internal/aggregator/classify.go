package aggregator

import (
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/proctor-guard/pkg/types"
	"github.com/zeebo/blake3"
)

// ============================================================================
// Classification rules
// ============================================================================
//
//   worker key            violation when                          default
//   --------------------  --------------------------------------  --------
//   process-watch         matches non-empty / blacklisted_found   CRITICAL
//   screen-watch          is_capturing / capture_active /         HIGH
//                         sessions > 0 (threat_level 0-4 wins)
//   vm-detect             is_vm / vm_detected                     CRITICAL
//   notification-blocker  user_changed_settings && session_active MEDIUM
//   device-watch          external audio/input/hid/bluetooth,     MEDIUM
//                         every attached node
//   clipboard-watch       changed && suspicious                   LOW
//   focus-watch           focus_lost                              MEDIUM
//                         idle_seconds >= idle_threshold          LOW
//   anything else         violation: true                         MEDIUM
//
// An explicit "severity" field in the payload overrides the default.
// A NONE result is not a violation.
// ============================================================================

// DefaultIdleThreshold applies when a focus payload carries no threshold.
const DefaultIdleThreshold = 60

type rule func(payload map[string]any) []finding

// finding is a violation before it is stamped with worker, time and id.
type finding struct {
	kind     string
	subject  string
	reason   string
	evidence string
	severity types.Severity
}

var rules = map[string]rule{
	types.WorkerProcessWatch:        processRule,
	types.WorkerScreenWatch:         screenRule,
	types.WorkerVMDetect:            vmRule,
	types.WorkerNotificationBlocker: notificationRule,
	types.WorkerDeviceWatch:         deviceRule,
	types.WorkerClipboardWatch:      clipboardRule,
	types.WorkerFocusWatch:          focusRule,
}

// Classify converts one worker payload into canonical violations. It has
// no side effects: the same worker, payload and timestamp always produce
// the same result.
func Classify(worker string, payload map[string]any, ts time.Time) []types.Violation {
	if payload == nil {
		return nil
	}
	r, ok := rules[worker]
	if !ok {
		r = genericRule
	}

	override, hasOverride := types.ParseSeverity(payload["severity"])
	if _, present := payload["severity"]; !present {
		hasOverride = false
	}

	var out []types.Violation
	ids := map[string]bool{}
	for _, f := range r(payload) {
		sev := f.severity
		if hasOverride {
			sev = override
		}
		if sev == types.SeverityNone {
			continue
		}
		// A payload may list the same subject twice; keep the first.
		id := violationID(worker, f)
		if ids[id] {
			continue
		}
		ids[id] = true
		out = append(out, types.Violation{
			ID:            id,
			Worker:        worker,
			Timestamp:     ts,
			Severity:      sev,
			ViolationType: f.kind,
			Reason:        f.reason,
			Evidence:      f.evidence,
		})
	}
	return out
}

// violationID fingerprints the parts of a violation that identify it. The
// timestamp is left out so a repeated observation maps to the same id.
func violationID(worker string, f finding) string {
	h := blake3.New()
	for _, part := range []string{worker, f.kind, f.subject, f.evidence} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// ----------------------------------------------------------------------------
// Per-worker rules
// ----------------------------------------------------------------------------

func processRule(p map[string]any) []finding {
	matches := list(p["matches"])
	if len(matches) == 0 {
		if !flag(p, "blacklisted_found") {
			return nil
		}
		return []finding{{
			kind:     "blacklisted_process",
			subject:  "unknown",
			reason:   "blacklisted process running",
			severity: types.SeverityCritical,
		}}
	}

	out := make([]finding, 0, len(matches))
	for _, m := range matches {
		entry, _ := m.(map[string]any)
		name := str(entry["name"])
		pid, _ := number(entry["pid"])
		evidence := fmt.Sprintf("pid=%d name=%s", pid, name)
		out = append(out, finding{
			kind:     "blacklisted_process",
			subject:  evidence,
			reason:   fmt.Sprintf("blacklisted process %q running", name),
			evidence: evidence,
			severity: types.SeverityCritical,
		})
	}
	return out
}

func screenRule(p map[string]any) []finding {
	sessions, _ := number(p["sessions"])
	if !flag(p, "is_capturing") && !flag(p, "capture_active") && sessions <= 0 {
		return nil
	}
	sev := types.SeverityHigh
	if v, ok := p["threat_level"]; ok {
		if parsed, ok := types.ParseSeverity(v); ok {
			sev = parsed
		}
	}
	apps := strs(p["apps"])
	return []finding{{
		kind:     "screen_capture",
		subject:  strings.Join(apps, ","),
		reason:   "screen capture or sharing session active",
		evidence: fmt.Sprintf("sessions=%d apps=%s", sessions, strings.Join(apps, ",")),
		severity: sev,
	}}
}

func vmRule(p map[string]any) []finding {
	if !flag(p, "is_vm") && !flag(p, "vm_detected") {
		return nil
	}
	vendor := str(p["vendor"])
	indicators := strs(p["indicators"])
	evidence := vendor
	if len(indicators) > 0 {
		evidence = strings.TrimSpace(vendor + " " + strings.Join(indicators, ","))
	}
	return []finding{{
		kind:     "virtual_machine",
		subject:  vendor,
		reason:   "running inside a virtual machine",
		evidence: evidence,
		severity: types.SeverityCritical,
	}}
}

func notificationRule(p map[string]any) []finding {
	if !flag(p, "user_changed_settings") || !flag(p, "session_active") {
		return nil
	}
	return []finding{{
		kind:     "notification_settings_changed",
		reason:   "notification settings changed during an active session",
		evidence: fmt.Sprintf("banners_enabled=%v baseline=%v", p["banners_enabled"], p["baseline"]),
		severity: types.SeverityMedium,
	}}
}

var suspiciousCategories = map[string]bool{
	"audio":     true,
	"input":     true,
	"hid":       true,
	"bluetooth": true,
}

func deviceRule(p map[string]any) []finding {
	var out []finding
	for _, d := range list(p["connected"]) {
		dev, _ := d.(map[string]any)
		category := strings.ToLower(str(dev["category"]))
		if !flag(dev, "external") || !suspiciousCategories[category] {
			continue
		}
		name := str(dev["name"])
		out = append(out, finding{
			kind:     "device_connected",
			subject:  category + "/" + name + "/" + str(dev["address"]),
			reason:   fmt.Sprintf("external %s device connected", category),
			evidence: fmt.Sprintf("name=%s category=%s", name, category),
			severity: types.SeverityMedium,
		})
	}

	attached := append([]string(nil), strs(p["attached"])...)
	sort.Strings(attached)
	for _, node := range attached {
		out = append(out, finding{
			kind:     "device_attached",
			subject:  node,
			reason:   "device attached during session",
			evidence: "node=" + node,
			severity: types.SeverityMedium,
		})
	}
	return out
}

func clipboardRule(p map[string]any) []finding {
	if !flag(p, "changed") || !flag(p, "suspicious") {
		return nil
	}
	length, _ := number(p["length"])
	return []finding{{
		kind:     "clipboard_activity",
		subject:  str(p["fingerprint"]),
		reason:   "suspicious clipboard content",
		evidence: fmt.Sprintf("length=%d content_type=%s", length, str(p["content_type"])),
		severity: types.SeverityLow,
	}}
}

func focusRule(p map[string]any) []finding {
	var out []finding
	if flag(p, "focus_lost") {
		out = append(out, finding{
			kind:     "focus_lost",
			reason:   "exam window lost focus",
			severity: types.SeverityMedium,
		})
	}

	idle, ok := number(p["idle_seconds"])
	if !ok {
		return out
	}
	threshold, ok := number(p["idle_threshold"])
	if !ok || threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	if idle >= threshold {
		out = append(out, finding{
			kind:     "idle",
			reason:   "no user input",
			evidence: fmt.Sprintf("idle_seconds=%d threshold=%d", idle, threshold),
			severity: types.SeverityLow,
		})
	}
	return out
}

func genericRule(p map[string]any) []finding {
	if !flag(p, "violation") {
		return nil
	}
	kind := str(p["violation_type"])
	if kind == "" {
		kind = "violation"
	}
	reason := str(p["reason"])
	if reason == "" {
		reason = "reported by worker"
	}
	evidence := str(p["evidence"])
	return []finding{{
		kind:     kind,
		subject:  evidence,
		reason:   reason,
		evidence: evidence,
		severity: types.SeverityMedium,
	}}
}

// ----------------------------------------------------------------------------
// Payload accessors
// ----------------------------------------------------------------------------
//
// Payloads arrive either straight from a Go map (tests, in-process use) or
// decoded from CBOR, where integers are uint64/int64 and lists are []any.

func flag(p map[string]any, key string) bool {
	b, _ := p[key].(bool)
	return b
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func number(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(n), true
	case float64:
		switch {
		case n >= math.MaxInt64:
			return math.MaxInt64, true
		case n <= math.MinInt64:
			return math.MinInt64, true
		}
		return int64(n), true
	}
	return 0, false
}

func list(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []map[string]any:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	}
	return nil
}

func strs(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
