// ============================================================================
// proctor-guard Supervisor - Worker Lifecycle Coordinator
// ============================================================================
//
// Package: internal/supervisor
// File: supervisor.go
// Purpose: Owns the table of worker processes: starts them once the
//          Permission Gate allows it, routes their messages, detects
//          crashes and hangs, and restarts them with a linear backoff.
//
// Per-key state machine:
//
//   not_started ──start──► starting ──heartbeat──► running
//                              │                      │
//                              │          no heartbeat for StaleAfter
//                              │                      ▼
//                              │                    stale ──kill──┐
//                              ▼                                  │
//                      unexpected exit ◄──────────────────────────┘
//                              │
//                              ▼
//        restarting ──Delay(restartCount)──► starting ...
//
//   any live state ──StopWorker──► stopping ──exit──► stopped
//
// Invariants:
//   - At most one process per key. A replacement is only spawned after the
//     previous process has exited.
//   - Every spawn gets a new generation number; messages and exit
//     notifications carrying an old generation are ignored.
//   - No spawn happens unless the gate's current snapshot has AllGranted.
//   - Intentional stops never trigger a restart.
//
// Concurrency:
//   - mu guards the worker table. It is never held while calling the
//     event sink, the spawner, or a Process method that may block.
//   - One pump goroutine per process drains its messages and then waits
//     for its exit; wg tracks them so StopAll can wait for every worker.
//
// ============================================================================

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/proctor-guard/internal/clock"
	"github.com/ChuLiYu/proctor-guard/internal/logging"
	"github.com/ChuLiYu/proctor-guard/internal/protocol"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
)

var log = logging.Logger()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnknownWorker is returned for a key the supervisor is not
	// configured to run.
	ErrUnknownWorker = errors.New("supervisor: unknown worker")
	// ErrPermissionsMissing is returned when startup is refused because a
	// required permission is not granted.
	ErrPermissionsMissing = errors.New("supervisor: required permissions not granted")
	// ErrNotRunning is returned when a command targets a worker with no
	// live process.
	ErrNotRunning = errors.New("supervisor: worker not running")
	// ErrShutdown is returned after StopAll.
	ErrShutdown = errors.New("supervisor: shut down")
)

// ============================================================================
// Collaborators
// ============================================================================

// PermissionSource probes the permissions workers depend on. Every start
// re-probes, so consent granted or revoked while running is honoured.
type PermissionSource interface {
	WaitForReady(ctx context.Context) (types.PermissionSnapshot, error)
	CheckAll(ctx context.Context) types.PermissionSnapshot
}

// EventSink receives worker events.
type EventSink interface {
	HandleEvent(worker string, payload map[string]any, ts time.Time)
}

// Observer is notified of lifecycle transitions.
type Observer interface {
	WorkerStarted(key string)
	WorkerRestarted(key string)
	WorkerStale(key string)
	HeartbeatReceived(key string)
	WorkerUp(key string, up bool)
}

type nopObserver struct{}

func (nopObserver) WorkerStarted(string)     {}
func (nopObserver) WorkerRestarted(string)   {}
func (nopObserver) WorkerStale(string)       {}
func (nopObserver) HeartbeatReceived(string) {}
func (nopObserver) WorkerUp(string, bool)    {}

// ============================================================================
// Configuration
// ============================================================================

// Config holds supervisor timings.
type Config struct {
	Workers             []string
	StaleAfter          time.Duration // default 10s
	HealthCheckInterval time.Duration // default 2s
	StopGrace           time.Duration // default 3s
	PingDelay           time.Duration // default 1s
	Restart             RestartPolicy
}

func (c *Config) setDefaults() {
	if len(c.Workers) == 0 {
		c.Workers = types.AllWorkers()
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 2 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 3 * time.Second
	}
	if c.PingDelay <= 0 {
		c.PingDelay = time.Second
	}
	if c.Restart.BaseDelay <= 0 {
		c.Restart = DefaultRestartPolicy
	}
}

// Options carries optional collaborators.
type Options struct {
	Clock    clock.Clock
	Observer Observer
}

// StartResult reports what StartAll did.
type StartResult struct {
	Started []string          `json:"started"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// ============================================================================
// Worker table
// ============================================================================

// worker is the supervisor's record for one key. It survives restarts.
type worker struct {
	key   string
	state types.WorkerState

	// live process, nil when none
	proc          Process
	gen           uint64
	startedAt     time.Time
	lastHeartbeat time.Time
	mode          string
	pinged        bool
	confirmed     bool
	stopping      bool
	pingTimer     *clock.Timer
	killTimer     *clock.Timer

	restartTimer *clock.Timer
	restartToken uint64

	restartCount int
	lastExitCode *int
	lastError    string
}

// Supervisor runs the worker processes.
type Supervisor struct {
	cfg     Config
	spawner Spawner
	gate    PermissionSource
	sink    EventSink
	clk     clock.Clock
	obs     Observer

	mu       sync.Mutex
	workers  map[string]*worker
	gen      uint64
	shutdown bool
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup
}

// New builds a supervisor. Nothing is spawned until StartAll or
// StartWorker.
func New(cfg Config, spawner Spawner, gate PermissionSource, sink EventSink, opts Options) (*Supervisor, error) {
	if spawner == nil || gate == nil {
		return nil, errors.New("supervisor: spawner and permission source are required")
	}
	cfg.setDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	s := &Supervisor{
		cfg:      cfg,
		spawner:  spawner,
		gate:     gate,
		sink:     sink,
		clk:      opts.Clock,
		obs:      opts.Observer,
		workers:  make(map[string]*worker, len(cfg.Workers)),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, key := range cfg.Workers {
		if _, dup := s.workers[key]; dup {
			return nil, fmt.Errorf("supervisor: duplicate worker %q", key)
		}
		s.workers[key] = &worker{key: key, state: types.WorkerNotStarted}
	}
	return s, nil
}

// ============================================================================
// Startup
// ============================================================================

// StartAll waits for the gate, then spawns every configured worker. It
// starts nothing, and returns ErrPermissionsMissing, unless every required
// permission is granted.
func (s *Supervisor) StartAll(ctx context.Context) (StartResult, error) {
	result := StartResult{Failed: map[string]string{}}
	// Not ready is not fatal here; missingPermissions decides.
	snap, _ := s.gate.WaitForReady(ctx)
	if err := missingPermissions(snap); err != nil {
		return result, err
	}

	for _, key := range s.cfg.Workers {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := s.startWorker(key, false); err != nil {
			result.Failed[key] = err.Error()
			continue
		}
		result.Started = append(result.Started, key)
	}
	log.Info("workers started", "started", len(result.Started), "failed", len(result.Failed))
	return result, nil
}

// checkPermissions runs one probe round and reports what is missing.
func (s *Supervisor) checkPermissions(ctx context.Context) error {
	return missingPermissions(s.gate.CheckAll(ctx))
}

func missingPermissions(snap types.PermissionSnapshot) error {
	if snap.AllGranted {
		return nil
	}
	var missing []string
	for key, p := range snap.Permissions {
		if p.Required && p.Status != types.PermissionGranted {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	log.Warn("refusing to start workers", "missing_permissions", missing)
	return fmt.Errorf("%w: %v", ErrPermissionsMissing, missing)
}

// StartWorker spawns one worker. It is a no-op when the key already has a
// live process.
func (s *Supervisor) StartWorker(key string) error {
	return s.startWorker(key, true)
}

func (s *Supervisor) startWorker(key string, probe bool) error {
	s.mu.Lock()
	w, ok := s.workers[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWorker, key)
	}
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	if w.proc != nil {
		s.mu.Unlock()
		return nil
	}
	s.cancelRestartLocked(w)
	s.mu.Unlock()

	if probe {
		if err := s.checkPermissions(context.Background()); err != nil {
			return err
		}
	}
	return s.spawn(key, false)
}

// spawn starts a process for key unless one is already live. It is the
// only place a Process is created.
func (s *Supervisor) spawn(key string, restart bool) error {
	proc, err := s.spawner.Spawn(key)

	s.mu.Lock()
	w := s.workers[key]
	if err != nil {
		w.state = types.WorkerCrashed
		w.lastError = err.Error()
		if restart {
			s.scheduleRestartLocked(w)
		}
		s.mu.Unlock()
		log.Error("worker spawn failed", "worker", key, "error", err)
		return err
	}
	if s.shutdown || w.proc != nil {
		s.mu.Unlock()
		// Lost a race with StopAll or another start; the new process is
		// surplus.
		_ = proc.Kill()
		go func() {
			for range proc.Messages() {
			}
			<-proc.Exited()
		}()
		if s.shutdown {
			return ErrShutdown
		}
		return nil
	}

	s.gen++
	gen := s.gen
	now := s.clk.Now()
	w.proc = proc
	w.gen = gen
	w.state = types.WorkerStarting
	w.startedAt = now
	w.lastHeartbeat = now
	w.mode = ""
	w.pinged = false
	w.confirmed = false
	w.stopping = false
	w.lastError = ""
	w.pingTimer = s.clk.AfterFunc(s.cfg.PingDelay, func() { s.ping(key, gen) })
	s.wg.Add(1)
	s.mu.Unlock()

	go s.pump(key, gen, proc)

	if restart {
		s.obs.WorkerRestarted(key)
	}
	s.obs.WorkerStarted(key)
	s.obs.WorkerUp(key, true)
	log.Info("worker spawned", "worker", key, "pid", proc.PID(), "generation", gen)
	return nil
}

// ping is the post-start liveness probe. The next heartbeat after it marks
// the worker confirmed.
func (s *Supervisor) ping(key string, gen uint64) {
	s.mu.Lock()
	w := s.workers[key]
	if w.proc == nil || w.gen != gen || w.stopping {
		s.mu.Unlock()
		return
	}
	proc := w.proc
	w.pinged = true
	s.mu.Unlock()

	if err := proc.Send(protocol.Command(protocol.CmdPing, nil)); err != nil {
		log.Warn("ping failed", "worker", key, "error", err)
	}
}

// ============================================================================
// Message routing
// ============================================================================

// pump drains one process's output and then records its exit.
func (s *Supervisor) pump(key string, gen uint64, proc Process) {
	defer s.wg.Done()
	for m := range proc.Messages() {
		s.handleMessage(key, gen, m)
	}
	status := <-proc.Exited()
	s.handleExit(key, gen, status)
}

func (s *Supervisor) handleMessage(key string, gen uint64, m protocol.Message) {
	if err := m.Validate(); err != nil {
		s.dropMessage(key, m, err)
		return
	}
	if m.Kind != protocol.KindCommand && m.Worker != key {
		s.dropMessage(key, m, fmt.Errorf("message claims worker %q", m.Worker))
		return
	}

	s.mu.Lock()
	w := s.workers[key]
	if w.proc == nil || w.gen != gen {
		s.mu.Unlock()
		return
	}

	switch m.Kind {
	case protocol.KindHeartbeat:
		w.lastHeartbeat = s.clk.Now()
		w.mode = m.Mode
		if w.state == types.WorkerStarting {
			w.state = types.WorkerRunning
		}
		if w.pinged && !w.confirmed {
			w.confirmed = true
			log.Debug("worker confirmed", "worker", key)
		}
		s.mu.Unlock()
		s.obs.HeartbeatReceived(key)

	case protocol.KindEvent:
		s.mu.Unlock()
		if s.sink != nil {
			s.sink.HandleEvent(key, m.Payload, m.Time())
		}

	default:
		s.mu.Unlock()
		s.dropMessage(key, m, fmt.Errorf("unexpected %s from worker", m.Kind))
	}
}

// dropMessage logs a rejected message, at most a few per worker per
// interval.
func (s *Supervisor) dropMessage(key string, m protocol.Message, reason error) {
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(10*time.Second), 3)
		s.limiters[key] = lim
	}
	s.mu.Unlock()
	if lim.Allow() {
		log.Warn("dropping worker message", "worker", key, "kind", m.Kind, "reason", reason)
	}
}

// ============================================================================
// Exit handling and restart
// ============================================================================

func (s *Supervisor) handleExit(key string, gen uint64, status ExitStatus) {
	s.mu.Lock()
	w := s.workers[key]
	if w.gen != gen || w.proc == nil {
		s.mu.Unlock()
		return
	}

	code := status.Code
	w.lastExitCode = &code
	w.proc = nil
	stopTimer(w.pingTimer)
	stopTimer(w.killTimer)
	w.pingTimer, w.killTimer = nil, nil

	if w.stopping || s.shutdown {
		w.state = types.WorkerStopped
		w.stopping = false
		s.mu.Unlock()
		s.obs.WorkerUp(key, false)
		log.Info("worker stopped", "worker", key, "status", status.String())
		return
	}

	if w.state != types.WorkerStale {
		w.state = types.WorkerCrashed
	}
	w.lastError = status.String()
	s.scheduleRestartLocked(w)
	delay := s.cfg.Restart.Delay(w.restartCount)
	count := w.restartCount
	s.mu.Unlock()

	s.obs.WorkerUp(key, false)
	log.Warn("worker exited unexpectedly",
		"worker", key, "status", status.String(), "restart_count", count, "restart_in", delay)
}

// scheduleRestartLocked counts an unexpected termination and arms the
// restart timer.
func (s *Supervisor) scheduleRestartLocked(w *worker) {
	if s.shutdown {
		return
	}
	w.restartCount++
	w.state = types.WorkerRestarting
	w.restartToken++
	token := w.restartToken
	key := w.key
	stopTimer(w.restartTimer)
	w.restartTimer = s.clk.AfterFunc(s.cfg.Restart.Delay(w.restartCount), func() {
		s.restart(key, token)
	})
}

func (s *Supervisor) cancelRestartLocked(w *worker) {
	stopTimer(w.restartTimer)
	w.restartTimer = nil
	w.restartToken++
}

func (s *Supervisor) restart(key string, token uint64) {
	s.mu.Lock()
	w := s.workers[key]
	if s.shutdown || w.restartToken != token || w.proc != nil {
		s.mu.Unlock()
		return
	}
	w.restartTimer = nil
	s.mu.Unlock()

	if err := s.checkPermissions(context.Background()); err != nil {
		s.mu.Lock()
		w.state = types.WorkerStopped
		w.lastError = err.Error()
		s.mu.Unlock()
		return
	}
	_ = s.spawn(key, true)
}

// ============================================================================
// Health
// ============================================================================

// Run performs a health check every HealthCheckInterval until ctx ends.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clk.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth()
		}
	}
}

// CheckHealth kills every worker whose last heartbeat is older than
// StaleAfter and returns their keys. The exit that follows restarts them.
func (s *Supervisor) CheckHealth() []string {
	now := s.clk.Now()
	var stale []string
	var procs []Process

	s.mu.Lock()
	for _, key := range s.cfg.Workers {
		w := s.workers[key]
		if w.proc == nil || w.stopping || w.state == types.WorkerStale {
			continue
		}
		if now.Sub(w.lastHeartbeat) <= s.cfg.StaleAfter {
			continue
		}
		w.state = types.WorkerStale
		w.lastError = fmt.Sprintf("no heartbeat for %s", now.Sub(w.lastHeartbeat).Round(time.Millisecond))
		stale = append(stale, key)
		procs = append(procs, w.proc)
	}
	s.mu.Unlock()

	for i, key := range stale {
		s.obs.WorkerStale(key)
		log.Warn("worker stale, killing", "worker", key, "pid", procs[i].PID())
		if err := procs[i].Kill(); err != nil {
			log.Error("kill stale worker failed", "worker", key, "error", err)
		}
	}
	return stale
}

// ============================================================================
// Stop
// ============================================================================

// StopWorker asks a worker to stop and kills it if it has not exited
// within StopGrace. It does not wait for the exit.
func (s *Supervisor) StopWorker(key string) error {
	s.mu.Lock()
	w, ok := s.workers[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWorker, key)
	}
	s.cancelRestartLocked(w)
	if w.proc == nil {
		if w.state != types.WorkerNotStarted {
			w.state = types.WorkerStopped
		}
		s.mu.Unlock()
		return nil
	}
	if w.stopping {
		s.mu.Unlock()
		return nil
	}
	w.stopping = true
	w.state = types.WorkerStopping
	proc, gen := w.proc, w.gen
	w.killTimer = s.clk.AfterFunc(s.cfg.StopGrace, func() { s.forceKill(key, gen) })
	s.mu.Unlock()

	log.Info("stopping worker", "worker", key)
	if err := proc.Send(protocol.Command(protocol.CmdStop, nil)); err != nil {
		log.Warn("stop command failed, killing", "worker", key, "error", err)
		_ = proc.Kill()
	}
	return nil
}

func (s *Supervisor) forceKill(key string, gen uint64) {
	s.mu.Lock()
	w := s.workers[key]
	if w.proc == nil || w.gen != gen {
		s.mu.Unlock()
		return
	}
	proc := w.proc
	s.mu.Unlock()
	log.Warn("worker ignored stop, killing", "worker", key)
	_ = proc.Kill()
}

// StopAll stops every worker, disables restarts, and waits until every
// process has exited or ctx ends.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	for _, w := range s.workers {
		s.cancelRestartLocked(w)
	}
	s.mu.Unlock()

	for _, key := range s.cfg.Workers {
		_ = s.StopWorker(key)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("all workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Commands and status
// ============================================================================

// Send delivers a command to one worker.
func (s *Supervisor) Send(key, cmd string, args map[string]any) error {
	s.mu.Lock()
	w, ok := s.workers[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWorker, key)
	}
	proc := w.proc
	s.mu.Unlock()

	if proc == nil {
		return fmt.Errorf("%w: %q", ErrNotRunning, key)
	}
	return proc.Send(protocol.Command(cmd, args))
}

// Broadcast sends a command to every live worker and returns the keys it
// reached.
func (s *Supervisor) Broadcast(cmd string, args map[string]any) []string {
	var delivered []string
	for _, key := range s.cfg.Workers {
		err := s.Send(key, cmd, args)
		switch {
		case err == nil:
			delivered = append(delivered, key)
		case errors.Is(err, ErrNotRunning):
		default:
			log.Warn("broadcast failed", "worker", key, "cmd", cmd, "error", err)
		}
	}
	return delivered
}

// Status returns a copy of every worker record.
func (s *Supervisor) Status() map[string]types.WorkerStatus {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.WorkerStatus, len(s.workers))
	for key, w := range s.workers {
		st := types.WorkerStatus{
			Key:             key,
			State:           w.state,
			Running:         w.proc != nil,
			RestartCount:    w.restartCount,
			LastHeartbeatAt: w.lastHeartbeat,
			Mode:            w.mode,
			Confirmed:       w.confirmed,
			LastError:       w.lastError,
		}
		if w.lastExitCode != nil {
			code := *w.lastExitCode
			st.LastExitCode = &code
		}
		if w.proc != nil {
			st.PID = w.proc.PID()
			st.StartedAt = w.startedAt
			st.Uptime = now.Sub(w.startedAt).Round(time.Second).String()
		}
		out[key] = st
	}
	return out
}

// Workers returns the configured keys in start order.
func (s *Supervisor) Workers() []string {
	return append([]string(nil), s.cfg.Workers...)
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}
