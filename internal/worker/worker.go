// ============================================================================
// proctor-guard Worker Runtime - Detection Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: The generic runtime every monitoring worker process runs. The
//          per-concern behaviour comes from a Concern descriptor; this file
//          owns the lifecycle, heartbeats and native→fallback switching.
//
// Lifecycle:
//
//   idle ──Start──► connecting ──bind ok──► native ──query fails──► fallback
//                       │                                              ▲
//                       └──────────── no provider / missing cap ───────┘
//
//   any state ──Stop──► stopping ──loops exited, provider released──► terminated
//
//   Fallback is terminal for the run: a worker never switches back to the
//   native provider.
//
// Loops (each its own goroutine, both tracked by the WaitGroup):
//   1. heartbeat: every HeartbeatInterval, unless a detection pass has been
//      in flight longer than HangThreshold. A hung provider call therefore
//      shows up at the supervisor as a stale worker.
//   2. detection: every PollInterval (or on a snapshot command), run one
//      pass and emit the payload as an event.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/proctor-guard/internal/clock"
	"github.com/ChuLiYu/proctor-guard/internal/detection"
	"github.com/ChuLiYu/proctor-guard/internal/logging"
	"github.com/ChuLiYu/proctor-guard/internal/protocol"
)

var log = logging.Logger()

// State is the runtime lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateNative     State = "native"
	StateFallback   State = "fallback"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

// Default timings.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultHangThreshold     = 30 * time.Second
)

// Options tune a Runtime.
type Options struct {
	HeartbeatInterval time.Duration
	HangThreshold     time.Duration
	PID               int
	Clock             clock.Clock
	Settings          Settings // merged over Concern.Defaults
}

// Runtime runs one Concern.
type Runtime struct {
	concern Concern
	handle  *detection.Handle
	out     Sink
	opts    Options
	clk     clock.Clock

	mu            sync.Mutex
	state         State
	bound         *detection.Bound
	settings      Settings
	inFlightSince time.Time
	cancel        context.CancelFunc
	stopOnce      sync.Once

	wg      sync.WaitGroup
	pollNow chan struct{}
	done    chan struct{}
}

// New validates the concern and returns an idle runtime. handle may be nil,
// in which case the worker starts straight in fallback mode.
func New(c Concern, handle *detection.Handle, out Sink, opts Options) (*Runtime, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("worker: nil sink")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HangThreshold <= 0 {
		opts.HangThreshold = DefaultHangThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	settings := c.Defaults.clone()
	for k, v := range opts.Settings {
		settings[k] = v
	}

	return &Runtime{
		concern:  c,
		handle:   handle,
		out:      out,
		opts:     opts,
		clk:      opts.Clock,
		state:    StateIdle,
		settings: settings,
		pollNow:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Key returns the concern key.
func (r *Runtime) Key() string { return r.concern.Key }

// State returns the lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Mode returns the mode string reported in heartbeats.
func (r *Runtime) Mode() string {
	switch r.State() {
	case StateNative:
		return protocol.ModeNative
	case StateFallback:
		return protocol.ModeFallback
	}
	return protocol.ModeConnecting
}

// Done is closed once the runtime has terminated.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Start begins heartbeats and connects to the provider. It is idempotent.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return nil
	}
	r.state = StateConnecting
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log.Info("worker starting", "worker", r.concern.Key, "pid", r.opts.PID)

	r.wg.Add(2)
	go r.heartbeatLoop(ctx)
	go r.detectionLoop(ctx)
	return nil
}

// connect loads the provider and binds the required capabilities. Any
// failure leaves the runtime in fallback mode.
func (r *Runtime) connect(ctx context.Context) {
	if r.concern.Native == nil || r.handle == nil {
		r.setMode(StateFallback, nil, errors.New("no native strategy"))
		return
	}
	provider, err := r.handle.Get(ctx)
	if err != nil {
		r.setMode(StateFallback, nil, err)
		return
	}
	bound, err := detection.Bind(provider, r.concern.Required)
	if err != nil {
		r.setMode(StateFallback, nil, err)
		return
	}
	r.setMode(StateNative, bound, nil)
}

func (r *Runtime) setMode(s State, bound *detection.Bound, cause error) {
	r.mu.Lock()
	if r.state != StateConnecting && r.state != StateNative {
		r.mu.Unlock()
		if bound != nil {
			_ = bound.Close()
		}
		return
	}
	r.state = s
	if bound != nil {
		r.bound = bound
	}
	r.mu.Unlock()

	if s == StateFallback {
		if r.concern.Fallback == nil {
			log.Error("native provider unavailable and no fallback", "worker", r.concern.Key, "error", cause)
		} else {
			log.Warn("switching to fallback mode", "worker", r.concern.Key, "error", cause)
		}
		return
	}
	log.Info("native provider bound", "worker", r.concern.Key)
}

// degrade switches native → fallback. The bound provider is kept so Stop
// can release its watchers.
func (r *Runtime) degrade(cause error) {
	r.mu.Lock()
	if r.state != StateNative {
		r.mu.Unlock()
		return
	}
	r.state = StateFallback
	r.mu.Unlock()
	log.Warn("native detection failed, switching to fallback mode", "worker", r.concern.Key, "error", cause)
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := r.clk.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	r.heartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

// heartbeat emits a liveness message unless the current detection pass is
// hung.
func (r *Runtime) heartbeat() {
	now := r.clk.Now()
	r.mu.Lock()
	since := r.inFlightSince
	r.mu.Unlock()
	if !since.IsZero() && now.Sub(since) > r.opts.HangThreshold {
		log.Warn("detection pass hung, withholding heartbeat",
			"worker", r.concern.Key, "in_flight", now.Sub(since))
		return
	}
	r.emit(protocol.Heartbeat(r.concern.Key, r.opts.PID, r.Mode(), now))
}

func (r *Runtime) detectionLoop(ctx context.Context) {
	defer r.wg.Done()

	r.connect(ctx)
	if ctx.Err() != nil {
		return
	}

	ticker := r.clk.NewTicker(r.concern.PollInterval)
	defer ticker.Stop()

	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.pollNow:
		}
		r.runOnce(ctx)
	}
}

// runOnce performs one detection pass. Errors and panics are contained to
// the pass.
func (r *Runtime) runOnce(ctx context.Context) {
	r.mu.Lock()
	r.inFlightSince = r.clk.Now()
	settings := r.settings.clone()
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlightSince = time.Time{}
		r.mu.Unlock()
	}()

	payload, err := r.detect(ctx, settings)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn("detection pass failed", "worker", r.concern.Key, "mode", r.Mode(), "error", err)
		return
	}
	if payload == nil {
		payload = Payload{}
	}
	r.emit(protocol.Event(r.concern.Key, payload, r.clk.Now()))
}

func (r *Runtime) detect(ctx context.Context, s Settings) (Payload, error) {
	r.mu.Lock()
	state, bound := r.state, r.bound
	r.mu.Unlock()

	if state == StateNative {
		payload, err := guard(func() (Payload, error) { return r.concern.Native(ctx, bound, s) })
		if err == nil {
			return payload, nil
		}
		r.degrade(err)
	}
	if r.concern.Fallback == nil {
		return nil, fmt.Errorf("worker: %s has no fallback", r.concern.Key)
	}
	return guard(func() (Payload, error) { return r.concern.Fallback(ctx, s) })
}

func guard(fn func() (Payload, error)) (payload Payload, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			payload = nil
			err = fmt.Errorf("worker: detection panicked: %v", rec)
		}
	}()
	return fn()
}

// emit sends m. A send failure means the supervisor is gone; the runtime
// stops itself.
func (r *Runtime) emit(m protocol.Message) {
	if err := r.out.Send(m); err != nil {
		if r.State() == StateStopping || r.State() == StateTerminated {
			return
		}
		log.Warn("output closed, stopping worker", "worker", r.concern.Key, "error", err)
		go r.Stop()
	}
}

// HandleCommand applies a supervisor command. Unknown verbs are logged and
// ignored.
func (r *Runtime) HandleCommand(m protocol.Message) {
	switch m.Cmd {
	case protocol.CmdStop:
		r.Stop()
	case protocol.CmdPing:
		r.heartbeat()
	case protocol.CmdSnapshot:
		select {
		case r.pollNow <- struct{}{}:
		default:
		}
	default:
		fn, ok := r.concern.Commands[m.Cmd]
		if !ok {
			log.Warn("ignoring unknown command", "worker", r.concern.Key, "cmd", m.Cmd)
			return
		}
		r.mu.Lock()
		err := fn(r.settings, m.Args)
		r.mu.Unlock()
		if err != nil {
			log.Warn("command rejected", "worker", r.concern.Key, "cmd", m.Cmd, "error", err)
			return
		}
		log.Info("command applied", "worker", r.concern.Key, "cmd", m.Cmd)
	}
}

// Settings returns a copy of the current settings.
func (r *Runtime) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings.clone()
}

// Stop cancels both loops, waits for them, and releases the provider. Safe
// to call more than once and before Start.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started := r.state != StateIdle
		r.state = StateStopping
		cancel := r.cancel
		r.mu.Unlock()

		if started {
			log.Info("worker stopping", "worker", r.concern.Key)
			cancel()
			r.wg.Wait()
		}

		r.mu.Lock()
		bound := r.bound
		r.bound = nil
		r.state = StateTerminated
		r.mu.Unlock()

		if err := bound.Close(); err != nil {
			log.Warn("provider close failed", "worker", r.concern.Key, "error", err)
		}
		close(r.done)
	})
	<-r.done
}
