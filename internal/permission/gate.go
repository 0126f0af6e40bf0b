// ============================================================================
// proctor-guard Permission Gate
// ============================================================================
//
// Package: internal/permission
// File: gate.go
// Purpose: Holds the consent state every worker depends on and decides
//          whether the supervisor may start monitoring.
//
// Status transitions (only via CheckAll or Request):
//
//   unknown ──► checking ──► granted
//                   │
//                   └──────► denied   (also: probe error, timeout, or an
//                                      ambiguous answer)
//
// Probes never run concurrently: probeMu serialises CheckAll and Request so
// two OS consent prompts can never stack.
//
// ============================================================================

package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/proctor-guard/internal/clock"
	"github.com/ChuLiYu/proctor-guard/internal/logging"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
)

var log = logging.Logger()

var (
	// ErrNotReady is returned by WaitForReady once its retries are spent.
	ErrNotReady = errors.New("permission: not ready to start")
	// ErrUnknownPermission is returned for a key with no definition.
	ErrUnknownPermission = errors.New("permission: unknown permission")
)

// Permission keys.
const (
	ScreenRecording = "screenRecording"
	Accessibility   = "accessibility"
	Bluetooth       = "bluetooth"
	Notifications   = "notifications"
)

// Probe checks and requests one capability.
type Probe interface {
	Check(ctx context.Context) (types.PermissionStatus, error)
	Request(ctx context.Context) (bool, error)
}

// Definition describes one permission.
type Definition struct {
	Key              string
	DisplayName      string
	Required         bool
	DependentWorkers []string
	Probe            Probe
}

// Options tune a Gate.
type Options struct {
	ProbeTimeout  time.Duration // default 5s
	MaxAttempts   int           // default 3
	RetryInterval time.Duration // default 2s
	Clock         clock.Clock
	// OnChange is called after every status transition, outside the lock.
	OnChange func(types.Permission)
}

// Gate is the permission table.
type Gate struct {
	opts  Options
	order []string
	defs  map[string]Definition

	probeMu sync.Mutex

	mu    sync.Mutex
	perms map[string]*types.Permission
}

// New builds a gate with every permission in the unknown state.
func New(defs []Definition, opts Options) (*Gate, error) {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	g := &Gate{
		opts:  opts,
		defs:  make(map[string]Definition, len(defs)),
		perms: make(map[string]*types.Permission, len(defs)),
	}
	for _, d := range defs {
		if d.Key == "" || d.Probe == nil {
			return nil, fmt.Errorf("permission: definition %q needs a key and a probe", d.Key)
		}
		if _, dup := g.defs[d.Key]; dup {
			return nil, fmt.Errorf("permission: duplicate definition %q", d.Key)
		}
		workers := append([]string(nil), d.DependentWorkers...)
		sort.Strings(workers)
		d.DependentWorkers = workers

		g.order = append(g.order, d.Key)
		g.defs[d.Key] = d
		g.perms[d.Key] = &types.Permission{
			Key:              d.Key,
			DisplayName:      d.DisplayName,
			Status:           types.PermissionUnknown,
			Required:         d.Required,
			DependentWorkers: workers,
		}
	}
	return g, nil
}

// CheckAll probes every permission in definition order, one at a time.
func (g *Gate) CheckAll(ctx context.Context) types.PermissionSnapshot {
	g.probeMu.Lock()
	defer g.probeMu.Unlock()

	for _, key := range g.order {
		if ctx.Err() != nil {
			break
		}
		g.check(ctx, key)
	}
	snap := g.Snapshot()
	log.Info("permission check complete", "all_granted", snap.AllGranted, "missing", g.Missing())
	return snap
}

// check runs one probe. Caller holds probeMu.
func (g *Gate) check(ctx context.Context, key string) types.PermissionStatus {
	def := g.defs[key]
	g.transition(key, types.PermissionChecking, "")

	ctx, cancel := context.WithTimeout(ctx, g.opts.ProbeTimeout)
	defer cancel()

	status, err := def.Probe.Check(ctx)
	switch {
	case err != nil:
		g.transition(key, types.PermissionDenied, err.Error())
		return types.PermissionDenied
	case status == types.PermissionGranted || status == types.PermissionDenied:
		g.transition(key, status, "")
		return status
	default:
		g.transition(key, types.PermissionDenied, fmt.Sprintf("ambiguous probe result %q", status))
		return types.PermissionDenied
	}
}

func (g *Gate) transition(key string, status types.PermissionStatus, lastErr string) {
	g.mu.Lock()
	p := g.perms[key]
	p.Status = status
	p.LastError = lastErr
	switch status {
	case types.PermissionGranted, types.PermissionDenied:
		p.CheckedAt = g.opts.Clock.Now()
	case types.PermissionUnknown:
		p.CheckedAt = time.Time{}
	}
	snapshot := clonePermission(p)
	g.mu.Unlock()

	if status == types.PermissionDenied && lastErr != "" {
		log.Warn("permission denied", "permission", key, "error", lastErr)
	}
	if g.opts.OnChange != nil {
		g.opts.OnChange(snapshot)
	}
}

// Request attempts to obtain one permission and reports whether a grant
// could be confirmed. The attempt is bounded by ProbeTimeout.
func (g *Gate) Request(ctx context.Context, key string) (bool, error) {
	def, ok := g.defs[key]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownPermission, key)
	}

	g.probeMu.Lock()
	defer g.probeMu.Unlock()

	g.transition(key, types.PermissionChecking, "")
	reqCtx, cancel := context.WithTimeout(ctx, g.opts.ProbeTimeout)
	granted, err := def.Probe.Request(reqCtx)
	cancel()
	if err != nil {
		g.transition(key, types.PermissionDenied, err.Error())
		return false, nil
	}
	if !granted {
		// The settings surface may have been opened; the user has not
		// answered yet. Re-check so the status reflects reality.
		return g.check(ctx, key) == types.PermissionGranted, nil
	}
	g.transition(key, types.PermissionGranted, "")
	return true, nil
}

// WaitForReady re-checks until the snapshot is ready to start or the
// attempts are spent. It never waits longer than
// MaxAttempts*(ProbeTimeout*len(permissions)+RetryInterval).
func (g *Gate) WaitForReady(ctx context.Context) (types.PermissionSnapshot, error) {
	var snap types.PermissionSnapshot
	for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
		snap = g.CheckAll(ctx)
		if snap.ReadyToStart {
			return snap, nil
		}
		if attempt == g.opts.MaxAttempts {
			break
		}
		log.Info("permissions not ready, retrying",
			"attempt", attempt, "max_attempts", g.opts.MaxAttempts, "missing", g.Missing())
		select {
		case <-ctx.Done():
			return snap, fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		case <-g.opts.Clock.After(g.opts.RetryInterval):
		}
	}
	return snap, fmt.Errorf("%w: missing %v", ErrNotReady, g.Missing())
}

// Snapshot derives the current view. AllGranted is true iff every
// required permission is granted; ReadyToStart additionally requires no
// permission to be mid-check.
func (g *Gate) Snapshot() types.PermissionSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := types.PermissionSnapshot{
		AllGranted:  true,
		Permissions: make(map[string]types.Permission, len(g.perms)),
	}
	checking := false
	for key, p := range g.perms {
		snap.Permissions[key] = clonePermission(p)
		if p.Required && p.Status != types.PermissionGranted {
			snap.AllGranted = false
		}
		if p.Status == types.PermissionChecking {
			checking = true
		}
	}
	snap.ReadyToStart = snap.AllGranted && !checking
	return snap
}

// Missing lists required permissions that are not granted, in definition
// order.
func (g *Gate) Missing() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, key := range g.order {
		if p := g.perms[key]; p.Required && p.Status != types.PermissionGranted {
			out = append(out, key)
		}
	}
	return out
}

// Reset returns every permission to unknown.
func (g *Gate) Reset() {
	g.probeMu.Lock()
	defer g.probeMu.Unlock()
	for _, key := range g.order {
		g.transition(key, types.PermissionUnknown, "")
	}
}

// WorkersBlockedBy returns the workers that depend on key.
func (g *Gate) WorkersBlockedBy(key string) []string {
	def, ok := g.defs[key]
	if !ok {
		return nil
	}
	return append([]string(nil), def.DependentWorkers...)
}

func clonePermission(p *types.Permission) types.Permission {
	out := *p
	out.DependentWorkers = append([]string(nil), p.DependentWorkers...)
	return out
}
