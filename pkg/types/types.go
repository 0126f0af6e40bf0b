// Package types defines the core domain model shared by the proctor-guard
// supervisor, its workers, the permission gate and the signal aggregator.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Worker keys. The set is fixed: workers are not submitted dynamically.
const (
	WorkerProcessWatch        = "process-watch"
	WorkerDeviceWatch         = "device-watch"
	WorkerScreenWatch         = "screen-watch"
	WorkerVMDetect            = "vm-detect"
	WorkerClipboardWatch      = "clipboard-watch"
	WorkerNotificationBlocker = "notification-blocker"
	WorkerFocusWatch          = "focus-watch"
)

// AllWorkers lists every known worker key in start order.
func AllWorkers() []string {
	return []string{
		WorkerProcessWatch,
		WorkerDeviceWatch,
		WorkerScreenWatch,
		WorkerVMDetect,
		WorkerClipboardWatch,
		WorkerNotificationBlocker,
		WorkerFocusWatch,
	}
}

// ============================================================================
// Severity
// ============================================================================

// Severity is the canonical violation scale.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts any form understood by ParseSeverity.
func (s *Severity) UnmarshalText(b []byte) error {
	v, ok := ParseSeverity(string(b))
	if !ok {
		return fmt.Errorf("invalid severity %q", string(b))
	}
	*s = v
	return nil
}

// ParseSeverity maps a numeric 0-4 value or a textual label onto the
// canonical scale. Numbers outside 0-4 are clamped.
func ParseSeverity(v any) (Severity, bool) {
	switch val := v.(type) {
	case Severity:
		return val, true
	case int:
		return clampSeverity(int64(val)), true
	case int64:
		return clampSeverity(val), true
	case uint64:
		if val > 4 {
			return SeverityCritical, true
		}
		return Severity(val), true
	case float64:
		return clampSeverity(int64(val)), true
	case string:
		label := strings.ToLower(strings.TrimSpace(val))
		if n, err := strconv.Atoi(label); err == nil {
			return clampSeverity(int64(n)), true
		}
		switch label {
		case "none":
			return SeverityNone, true
		case "low", "info":
			return SeverityLow, true
		case "medium", "warning", "warn":
			return SeverityMedium, true
		case "high", "error", "severe":
			return SeverityHigh, true
		case "critical", "fatal":
			return SeverityCritical, true
		}
	}
	return SeverityNone, false
}

func clampSeverity(n int64) Severity {
	if n < 0 {
		return SeverityNone
	}
	if n > int64(SeverityCritical) {
		return SeverityCritical
	}
	return Severity(n)
}

// ============================================================================
// Violation
// ============================================================================

// Violation is a normalized record of a detected policy breach.
type Violation struct {
	ID            string    `json:"id"`
	Worker        string    `json:"worker"`
	Timestamp     time.Time `json:"timestamp"`
	Severity      Severity  `json:"severity"`
	ViolationType string    `json:"violation_type"`
	Reason        string    `json:"reason"`
	Evidence      string    `json:"evidence,omitempty"`
}

// ============================================================================
// Permission
// ============================================================================

// PermissionStatus is the consent state of one system capability.
type PermissionStatus string

const (
	PermissionUnknown  PermissionStatus = "unknown"
	PermissionChecking PermissionStatus = "checking"
	PermissionGranted  PermissionStatus = "granted"
	PermissionDenied   PermissionStatus = "denied"
)

// Permission tracks one capability required before monitoring may start.
type Permission struct {
	Key              string           `json:"key"`
	DisplayName      string           `json:"display_name"`
	Status           PermissionStatus `json:"status"`
	Required         bool             `json:"required"`
	DependentWorkers []string         `json:"dependent_workers"`
	LastError        string           `json:"last_error,omitempty"`
	CheckedAt        time.Time        `json:"checked_at,omitempty"`
}

// PermissionSnapshot is derived from the permission table on demand.
type PermissionSnapshot struct {
	AllGranted   bool                  `json:"all_granted"`
	ReadyToStart bool                  `json:"ready_to_start"`
	Permissions  map[string]Permission `json:"permissions"`
}

// ============================================================================
// Worker status
// ============================================================================

// WorkerState is the supervisor-side lifecycle state of a worker key.
type WorkerState string

const (
	WorkerNotStarted WorkerState = "not_started"
	WorkerStarting   WorkerState = "starting"
	WorkerRunning    WorkerState = "running"
	WorkerStale      WorkerState = "stale"
	WorkerCrashed    WorkerState = "crashed"
	WorkerRestarting WorkerState = "restarting"
	WorkerStopping   WorkerState = "stopping"
	WorkerStopped    WorkerState = "stopped"
)

// WorkerStatus is a snapshot copy of one worker's lifecycle record.
type WorkerStatus struct {
	Key             string      `json:"key"`
	State           WorkerState `json:"state"`
	Running         bool        `json:"running"`
	PID             int         `json:"pid"`
	StartedAt       time.Time   `json:"started_at,omitempty"`
	Uptime          string      `json:"uptime,omitempty"`
	RestartCount    int         `json:"restart_count"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at,omitempty"`
	Mode            string      `json:"mode,omitempty"`
	Confirmed       bool        `json:"confirmed"`
	LastExitCode    *int        `json:"last_exit_code,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
}
