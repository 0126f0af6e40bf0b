// ============================================================================
// proctor-guard Built-in Concerns
// ============================================================================
//
// Package: internal/worker
// File: concerns.go
// Purpose: The seven monitoring concerns. Each pairs a native strategy
//          (provider capabilities) with a lower-fidelity fallback that
//          shells out to common desktop helpers.
//
//   key                    poll    native capabilities              fallback helper
//   process-watch          2s      process.snapshot                 ps
//   device-watch           5s      device.list, device.watch        bluetoothctl
//   screen-watch           750ms   screen.sessions                  ps
//   vm-detect              10s     vm.detect                        systemd-detect-virt
//   clipboard-watch        1s      clipboard.snapshot               wl-paste / xclip / xsel
//   notification-blocker   3s      notification.settings            gsettings
//   focus-watch            500ms   focus.state                      xprintidle
//
// Payload shapes are what the aggregator's classify rules read.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ChuLiYu/proctor-guard/internal/detection"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
)

// DefaultBlacklist is the process-watch blacklist when none is configured.
var DefaultBlacklist = []string{
	"anydesk", "teamviewer", "rustdesk", "x11vnc",
	"discord", "slack", "telegram-desktop", "signal-desktop",
	"obs", "chatgpt", "copilot",
}

// Privacy modes for clipboard-watch.
const (
	PrivacyOff      = "off"
	PrivacyStandard = "standard"
	PrivacyStrict   = "strict"
)

type builder func(run Runner) Concern

var builtins = map[string]builder{
	types.WorkerProcessWatch:        processWatch,
	types.WorkerDeviceWatch:         deviceWatch,
	types.WorkerScreenWatch:         screenWatch,
	types.WorkerVMDetect:            vmDetect,
	types.WorkerClipboardWatch:      clipboardWatch,
	types.WorkerNotificationBlocker: notificationBlocker,
	types.WorkerFocusWatch:          focusWatch,
}

// Builtin returns a fresh concern for key. Concerns carry per-run state, so
// each Runtime needs its own. run defaults to ExecRunner.
func Builtin(key string, run Runner) (Concern, error) {
	b, ok := builtins[key]
	if !ok {
		return Concern{}, fmt.Errorf("%w: %q", ErrUnknownConcern, key)
	}
	if run == nil {
		run = ExecRunner
	}
	return b(run), nil
}

// Keys lists the built-in concern keys, sorted.
func Keys() []string {
	keys := make([]string, 0, len(builtins))
	for k := range builtins {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ---------------------------------------------------------------------------
// process-watch
// ---------------------------------------------------------------------------

type procEntry struct {
	pid  int
	name string
}

func processWatch(run Runner) Concern {
	return Concern{
		Key:          types.WorkerProcessWatch,
		PollInterval: 2 * time.Second,
		Required:     []detection.Capability{detection.CapProcessSnapshot},
		Defaults:     Settings{"blacklist": append([]string(nil), DefaultBlacklist...)},
		Native: func(ctx context.Context, q Querier, s Settings) (Payload, error) {
			out, err := q.Query(ctx, detection.CapProcessSnapshot)
			if err != nil {
				return nil, err
			}
			return matchBlacklist(procsFromPayload(out["processes"]), s.Strings("blacklist")), nil
		},
		Fallback: func(ctx context.Context, s Settings) (Payload, error) {
			procs, err := psList(ctx, run)
			if err != nil {
				return nil, err
			}
			return matchBlacklist(procs, s.Strings("blacklist")), nil
		},
	}
}

func procsFromPayload(v any) []procEntry {
	list, _ := v.([]any)
	procs := make([]procEntry, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pid, _ := toInt(m["pid"])
		name, _ := m["name"].(string)
		procs = append(procs, procEntry{pid: pid, name: name})
	}
	return procs
}

// psList parses `ps -eo pid=,comm=`.
func psList(ctx context.Context, run Runner) ([]procEntry, error) {
	out, err := run(ctx, "ps", "-eo", "pid=,comm=")
	if err != nil {
		return nil, err
	}
	var procs []procEntry
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		procs = append(procs, procEntry{pid: pid, name: strings.Join(fields[1:], " ")})
	}
	return procs, nil
}

func matchBlacklist(procs []procEntry, blacklist []string) Payload {
	deny := make(map[string]bool, len(blacklist))
	for _, name := range blacklist {
		deny[strings.ToLower(name)] = true
	}
	matches := []any{}
	for _, p := range procs {
		if deny[strings.ToLower(p.name)] {
			matches = append(matches, map[string]any{"pid": p.pid, "name": p.name})
		}
	}
	return Payload{
		"blacklisted_found": len(matches) > 0,
		"matches":           matches,
		"process_count":     len(procs),
	}
}

// ---------------------------------------------------------------------------
// device-watch
// ---------------------------------------------------------------------------

func deviceWatch(run Runner) Concern {
	return Concern{
		Key:          types.WorkerDeviceWatch,
		PollInterval: 5 * time.Second,
		Required:     []detection.Capability{detection.CapDeviceList, detection.CapDeviceWatch},
		Native: func(ctx context.Context, q Querier, _ Settings) (Payload, error) {
			list, err := q.Query(ctx, detection.CapDeviceList)
			if err != nil {
				return nil, err
			}
			watch, err := q.Query(ctx, detection.CapDeviceWatch)
			if err != nil {
				return nil, err
			}
			return Payload{
				"connected":          orEmpty(list["connected"]),
				"attached":           orEmpty(watch["attached"]),
				"bluetooth_adapters": list["bluetooth_adapters"],
			}, nil
		},
		Fallback: func(ctx context.Context, _ Settings) (Payload, error) {
			out, err := run(ctx, "bluetoothctl", "devices", "Connected")
			if err != nil {
				return nil, err
			}
			connected := []any{}
			for _, line := range strings.Split(string(out), "\n") {
				// Device AA:BB:CC:DD:EE:FF Name With Spaces
				fields := strings.Fields(line)
				if len(fields) < 3 || fields[0] != "Device" {
					continue
				}
				connected = append(connected, map[string]any{
					"name":     strings.Join(fields[2:], " "),
					"address":  fields[1],
					"category": "bluetooth",
					"external": true,
				})
			}
			return Payload{"connected": connected, "attached": []any{}}, nil
		},
	}
}

func orEmpty(v any) []any {
	if list, ok := v.([]any); ok && list != nil {
		return list
	}
	return []any{}
}

// ---------------------------------------------------------------------------
// screen-watch
// ---------------------------------------------------------------------------

func screenWatch(run Runner) Concern {
	return Concern{
		Key:          types.WorkerScreenWatch,
		PollInterval: 750 * time.Millisecond,
		Required:     []detection.Capability{detection.CapScreenSessions},
		Defaults:     Settings{"capture_apps": append([]string(nil), detection.DefaultCaptureApps...)},
		Native: func(ctx context.Context, q Querier, _ Settings) (Payload, error) {
			return q.Query(ctx, detection.CapScreenSessions)
		},
		// The process scan cannot tell a running recorder from an idle
		// one, so the fallback never reports above threat level 2.
		Fallback: func(ctx context.Context, s Settings) (Payload, error) {
			procs, err := psList(ctx, run)
			if err != nil {
				return nil, err
			}
			watch := make(map[string]bool)
			for _, name := range s.Strings("capture_apps") {
				watch[strings.ToLower(name)] = true
			}
			apps := []any{}
			for _, p := range procs {
				if watch[strings.ToLower(p.name)] {
					apps = append(apps, map[string]any{"pid": p.pid, "name": p.name})
				}
			}
			threat := 0
			if len(apps) > 0 {
				threat = 2
			}
			return Payload{
				"is_capturing": len(apps) > 0,
				"sessions":     len(apps),
				"threat_level": threat,
				"apps":         apps,
			}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// vm-detect
// ---------------------------------------------------------------------------

func vmDetect(run Runner) Concern {
	return Concern{
		Key:          types.WorkerVMDetect,
		PollInterval: 10 * time.Second,
		Required:     []detection.Capability{detection.CapVMDetect},
		Native: func(ctx context.Context, q Querier, _ Settings) (Payload, error) {
			return q.Query(ctx, detection.CapVMDetect)
		},
		Fallback: func(ctx context.Context, _ Settings) (Payload, error) {
			// systemd-detect-virt exits 1 and prints "none" on bare metal.
			out, err := run(ctx, "systemd-detect-virt")
			vendor := strings.TrimSpace(string(out))
			if vendor == "none" {
				return Payload{"is_vm": false, "vendor": "", "indicators": []any{}}, nil
			}
			if err != nil {
				return nil, err
			}
			if vendor == "" {
				return nil, fmt.Errorf("systemd-detect-virt: empty output")
			}
			return Payload{
				"is_vm":      true,
				"vendor":     vendor,
				"indicators": []any{"systemd-detect-virt=" + vendor},
			}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// clipboard-watch
// ---------------------------------------------------------------------------

// clipboardWatch never reports clipboard content, only a fingerprint
// comparison and size.
func clipboardWatch(run Runner) Concern {
	var (
		mu       sync.Mutex
		lastHash string
		seen     bool
	)
	diff := func(hash string, length int, contentType string, s Settings) Payload {
		mu.Lock()
		changed := seen && hash != lastHash
		lastHash, seen = hash, true
		mu.Unlock()

		mode := s.String("privacy_mode", PrivacyStandard)
		suspicious := changed && (mode == PrivacyStrict || length >= s.Int("max_length", 500))
		return Payload{
			"changed":      changed,
			"suspicious":   suspicious,
			"length":       length,
			"content_type": contentType,
			"privacy_mode": mode,
			"fingerprint":  hash,
		}
	}
	off := func(s Settings) (Payload, bool) {
		if s.String("privacy_mode", PrivacyStandard) != PrivacyOff {
			return nil, false
		}
		return Payload{"changed": false, "suspicious": false, "privacy_mode": PrivacyOff}, true
	}

	return Concern{
		Key:          types.WorkerClipboardWatch,
		PollInterval: time.Second,
		Required:     []detection.Capability{detection.CapClipboardSnapshot},
		Defaults:     Settings{"privacy_mode": PrivacyStandard, "max_length": 500},
		Native: func(ctx context.Context, q Querier, s Settings) (Payload, error) {
			if p, ok := off(s); ok {
				return p, nil
			}
			out, err := q.Query(ctx, detection.CapClipboardSnapshot)
			if err != nil {
				return nil, err
			}
			hash, _ := out["content_hash"].(string)
			length, _ := toInt(out["length"])
			contentType, _ := out["content_type"].(string)
			return diff(hash, length, contentType, s), nil
		},
		Fallback: func(ctx context.Context, s Settings) (Payload, error) {
			if p, ok := off(s); ok {
				return p, nil
			}
			data, err := firstOf(ctx, run,
				[]string{"wl-paste", "--no-newline"},
				[]string{"xclip", "-selection", "clipboard", "-o"},
				[]string{"xsel", "--clipboard", "--output"},
			)
			if err != nil {
				return nil, err
			}
			sum := blake3.Sum256(data)
			return diff(hex.EncodeToString(sum[:16]), len(data), "text", s), nil
		},
		Commands: map[string]CommandFunc{
			"set-privacy-mode": func(s Settings, args map[string]any) error {
				mode, _ := args["mode"].(string)
				switch mode {
				case PrivacyOff, PrivacyStandard, PrivacyStrict:
					s["privacy_mode"] = mode
					return nil
				}
				return fmt.Errorf("invalid privacy mode %q", mode)
			},
		},
	}
}

// ---------------------------------------------------------------------------
// notification-blocker
// ---------------------------------------------------------------------------

// notificationBlocker records the banner setting seen on the first pass and
// reports any later change while a session is active.
func notificationBlocker(run Runner) Concern {
	var (
		mu       sync.Mutex
		baseline *bool
	)
	compare := func(enabled bool, s Settings) Payload {
		mu.Lock()
		if baseline == nil {
			b := enabled
			baseline = &b
		}
		base := *baseline
		mu.Unlock()
		return Payload{
			"banners_enabled":       enabled,
			"baseline":              base,
			"user_changed_settings": enabled != base,
			"session_active":        s.Bool("session_active", true),
		}
	}

	return Concern{
		Key:          types.WorkerNotificationBlocker,
		PollInterval: 3 * time.Second,
		Required:     []detection.Capability{detection.CapNotificationSettings},
		Defaults:     Settings{"session_active": true},
		Native: func(ctx context.Context, q Querier, s Settings) (Payload, error) {
			out, err := q.Query(ctx, detection.CapNotificationSettings)
			if err != nil {
				return nil, err
			}
			enabled, ok := out["banners_enabled"].(bool)
			if !ok {
				return nil, fmt.Errorf("notification settings: missing banners_enabled")
			}
			return compare(enabled, s), nil
		},
		Fallback: func(ctx context.Context, s Settings) (Payload, error) {
			out, err := run(ctx, "gsettings", "get", "org.gnome.desktop.notifications", "show-banners")
			if err != nil {
				return nil, err
			}
			enabled, err := strconv.ParseBool(strings.TrimSpace(string(out)))
			if err != nil {
				return nil, fmt.Errorf("gsettings: %w", err)
			}
			return compare(enabled, s), nil
		},
		Commands: map[string]CommandFunc{
			"set-session-active": func(s Settings, args map[string]any) error {
				active, ok := args["active"].(bool)
				if !ok {
					return fmt.Errorf("set-session-active requires bool arg active")
				}
				s["session_active"] = active
				return nil
			},
		},
	}
}

// ---------------------------------------------------------------------------
// focus-watch
// ---------------------------------------------------------------------------

func focusWatch(run Runner) Concern {
	return Concern{
		Key:          types.WorkerFocusWatch,
		PollInterval: 500 * time.Millisecond,
		Required:     []detection.Capability{detection.CapFocusState},
		Defaults:     Settings{"idle_threshold": 60},
		Native: func(ctx context.Context, q Querier, s Settings) (Payload, error) {
			out, err := q.Query(ctx, detection.CapFocusState)
			if err != nil {
				return nil, err
			}
			focused, _ := out["focused"].(bool)
			idle, _ := toInt(out["idle_seconds"])
			return Payload{
				"focus_lost":     !focused,
				"idle_seconds":   idle,
				"idle_threshold": s.Int("idle_threshold", 60),
			}, nil
		},
		// xprintidle only knows about input idleness; focus is unknown.
		Fallback: func(ctx context.Context, s Settings) (Payload, error) {
			out, err := run(ctx, "xprintidle")
			if err != nil {
				return nil, err
			}
			ms, err := strconv.Atoi(strings.TrimSpace(string(out)))
			if err != nil {
				return nil, fmt.Errorf("xprintidle: %w", err)
			}
			return Payload{
				"focus_lost":     false,
				"idle_seconds":   ms / 1000,
				"idle_threshold": s.Int("idle_threshold", 60),
			}, nil
		},
		Commands: map[string]CommandFunc{
			"set-threshold": func(s Settings, args map[string]any) error {
				n, ok := toInt(args["seconds"])
				if !ok || n <= 0 {
					return fmt.Errorf("set-threshold requires positive seconds")
				}
				s["idle_threshold"] = n
				return nil
			},
		},
	}
}
