package supervisor

// ============================================================================
// Supervisor Test File
// Purpose: Verify the permission precondition, restart backoff, staleness,
//          intentional stops and message routing
// ============================================================================

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/proctor-guard/internal/clock"
	"github.com/ChuLiYu/proctor-guard/internal/permission"
	"github.com/ChuLiYu/proctor-guard/internal/protocol"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeProcess struct {
	pid        int
	msgs       chan protocol.Message
	exited     chan ExitStatus
	exitOnStop bool

	mu     sync.Mutex
	sent   []protocol.Message
	closed bool
	killed bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:        pid,
		msgs:       make(chan protocol.Message, 64),
		exited:     make(chan ExitStatus, 1),
		exitOnStop: true,
	}
}

func (p *fakeProcess) PID() int                          { return p.pid }
func (p *fakeProcess) Messages() <-chan protocol.Message { return p.msgs }
func (p *fakeProcess) Exited() <-chan ExitStatus         { return p.exited }

func (p *fakeProcess) Send(m protocol.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return protocol.ErrClosed
	}
	p.sent = append(p.sent, m)
	stop := m.Cmd == protocol.CmdStop && p.exitOnStop
	p.mu.Unlock()
	if stop {
		p.exit(ExitStatus{Code: 0})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(ExitStatus{Code: -1, Signal: "SIGKILL"})
	return nil
}

func (p *fakeProcess) emit(m protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.msgs <- m
	}
}

func (p *fakeProcess) exit(st ExitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.msgs)
	p.exited <- st
	close(p.exited)
}

func (p *fakeProcess) commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.sent {
		out = append(out, m.Cmd)
	}
	return out
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	procs   map[string][]*fakeProcess
	fail    map[string]error
	onSpawn func(*fakeProcess)
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 100, procs: map[string][]*fakeProcess{}, fail: map[string]error{}}
}

func (f *fakeSpawner) Spawn(key string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	f.nextPID++
	p := newFakeProcess(f.nextPID)
	if f.onSpawn != nil {
		f.onSpawn(p)
	}
	f.procs[key] = append(f.procs[key], p)
	return p, nil
}

func (f *fakeSpawner) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs[key])
}

func (f *fakeSpawner) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ps := range f.procs {
		n += len(ps)
	}
	return n
}

func (f *fakeSpawner) latest(key string) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.procs[key]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

type fakeGate struct {
	mu     sync.Mutex
	snap   types.PermissionSnapshot
	probes int
}

func grantedGate() *fakeGate {
	return &fakeGate{snap: types.PermissionSnapshot{AllGranted: true, ReadyToStart: true}}
}

func (g *fakeGate) CheckAll(context.Context) types.PermissionSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probes++
	return g.snap
}

func (g *fakeGate) WaitForReady(ctx context.Context) (types.PermissionSnapshot, error) {
	snap := g.CheckAll(ctx)
	if !snap.ReadyToStart {
		return snap, errors.New("not ready")
	}
	return snap, nil
}

func (g *fakeGate) probeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.probes
}

func (g *fakeGate) deny(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snap = types.PermissionSnapshot{Permissions: map[string]types.Permission{
		key: {Key: key, Required: true, Status: types.PermissionDenied},
	}}
}

type eventRecord struct {
	worker  string
	payload map[string]any
}

type fakeSink struct {
	mu     sync.Mutex
	events []eventRecord
}

func (s *fakeSink) HandleEvent(worker string, payload map[string]any, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventRecord{worker, payload})
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// ============================================================================
// Helpers
// ============================================================================

const (
	vm    = types.WorkerVMDetect
	focus = types.WorkerFocusWatch
)

type harness struct {
	sup     *Supervisor
	spawner *fakeSpawner
	gate    *fakeGate
	sink    *fakeSink
	clk     *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gate := grantedGate()
	h := newHarnessWithGate(t, gate)
	h.gate = gate
	return h
}

func newHarnessWithGate(t *testing.T, gate PermissionSource) *harness {
	t.Helper()
	h := &harness{
		spawner: newFakeSpawner(),
		sink:    &fakeSink{},
		clk:     clock.Fake(time.Unix(1_700_000_000, 0)),
	}
	cfg := Config{
		Workers:    []string{vm, focus},
		StaleAfter: 10 * time.Second,
		StopGrace:  3 * time.Second,
		PingDelay:  time.Second,
		Restart:    RestartPolicy{BaseDelay: time.Second, Cap: 5},
	}
	sup, err := New(cfg, h.spawner, gate, h.sink, Options{Clock: h.clk})
	require.NoError(t, err)
	h.sup = sup
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.StopAll(ctx)
	})
	return h
}

func (h *harness) heartbeat(key string) {
	h.spawner.latest(key).emit(protocol.Heartbeat(key, 1, protocol.ModeNative, h.clk.Now()))
}

func (h *harness) waitState(t *testing.T, key string, state types.WorkerState) types.WorkerStatus {
	t.Helper()
	var st types.WorkerStatus
	require.Eventually(t, func() bool {
		st = h.sup.Status()[key]
		return st.State == state
	}, 2*time.Second, time.Millisecond, "worker %s never reached %s", key, state)
	return st
}

// ============================================================================
// Permission precondition
// ============================================================================

// TestStartAllRefusedWithoutPermissions: one required permission denied
// means zero spawns.
func TestStartAllRefusedWithoutPermissions(t *testing.T) {
	h := newHarness(t)
	h.gate.deny("screenRecording")

	_, err := h.sup.StartAll(context.Background())
	require.ErrorIs(t, err, ErrPermissionsMissing)
	assert.Contains(t, err.Error(), "screenRecording")

	assert.ErrorIs(t, h.sup.StartWorker(vm), ErrPermissionsMissing)
	assert.Equal(t, 0, h.spawner.total())
	for _, st := range h.sup.Status() {
		assert.Equal(t, types.WorkerNotStarted, st.State)
		assert.False(t, st.Running)
	}
}

func TestRestartSkippedWhenPermissionRevoked(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))

	h.gate.deny("accessibility")
	h.spawner.latest(vm).exit(ExitStatus{Code: 2})
	h.waitState(t, vm, types.WorkerRestarting)

	h.clk.Advance(time.Second)
	assert.Equal(t, 1, h.spawner.count(vm))
	assert.Equal(t, types.WorkerStopped, h.sup.Status()[vm].State)
}

func TestEveryStartProbesThePermissions(t *testing.T) {
	h := newHarness(t)

	_, err := h.sup.StartAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.gate.probeCount(), "one probe round for the whole batch")

	require.NoError(t, h.sup.StopWorker(vm))
	h.waitState(t, vm, types.WorkerStopped)
	require.NoError(t, h.sup.StartWorker(vm))
	assert.Equal(t, 2, h.gate.probeCount())
	assert.Equal(t, 2, h.spawner.count(vm))
}

// TestConsentChangesTakeEffectWhileRunning drives a real gate backed by a
// consent file that is edited between starts.
func TestConsentChangesTakeEffectWhileRunning(t *testing.T) {
	store := &permission.ConsentStore{Path: filepath.Join(t.TempDir(), "consent.yaml")}
	require.NoError(t, store.Set(permission.ScreenRecording, types.PermissionGranted))
	require.NoError(t, store.Set(permission.Accessibility, types.PermissionGranted))
	gate, err := permission.New(permission.DefaultDefinitions(store, nil, nil), permission.Options{MaxAttempts: 1})
	require.NoError(t, err)
	h := newHarnessWithGate(t, gate)

	// No CheckAll beforehand: StartAll probes on its own.
	res, err := h.sup.StartAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{vm, focus}, res.Started)

	require.NoError(t, store.Set(permission.ScreenRecording, types.PermissionDenied))

	h.spawner.latest(vm).exit(ExitStatus{Code: 2})
	h.waitState(t, vm, types.WorkerRestarting)
	h.clk.Advance(time.Second)
	st := h.waitState(t, vm, types.WorkerStopped)
	assert.Contains(t, st.LastError, permission.ScreenRecording)
	assert.Equal(t, 1, h.spawner.count(vm))

	assert.ErrorIs(t, h.sup.StartWorker(vm), ErrPermissionsMissing)
	_, err = h.sup.StartAll(context.Background())
	assert.ErrorIs(t, err, ErrPermissionsMissing)
	assert.Equal(t, 1, h.spawner.count(vm))

	require.NoError(t, store.Set(permission.ScreenRecording, types.PermissionGranted))
	require.NoError(t, h.sup.StartWorker(vm))
	assert.Equal(t, 2, h.spawner.count(vm))
}

// ============================================================================
// Startup
// ============================================================================

func TestStartAllIsIdempotent(t *testing.T) {
	h := newHarness(t)

	res, err := h.sup.StartAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{vm, focus}, res.Started)
	assert.Empty(t, res.Failed)

	_, err = h.sup.StartAll(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.sup.StartWorker(vm))

	assert.Equal(t, 1, h.spawner.count(vm))
	assert.Equal(t, 1, h.spawner.count(focus))

	st := h.sup.Status()[vm]
	assert.True(t, st.Running)
	assert.Equal(t, types.WorkerStarting, st.State)
	assert.Equal(t, h.spawner.latest(vm).PID(), st.PID)
}

func TestStartAllReportsSpawnFailures(t *testing.T) {
	h := newHarness(t)
	h.spawner.fail[focus] = errors.New("exec format error")

	res, err := h.sup.StartAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{vm}, res.Started)
	assert.Contains(t, res.Failed[focus], "exec format error")
	assert.Equal(t, types.WorkerCrashed, h.sup.Status()[focus].State)
}

func TestStartUnknownWorker(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.sup.StartWorker("keylogger"), ErrUnknownWorker)
	assert.ErrorIs(t, h.sup.StopWorker("keylogger"), ErrUnknownWorker)
}

// ============================================================================
// Heartbeats, ping, routing
// ============================================================================

func TestHeartbeatAndPingConfirm(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))

	h.heartbeat(vm)
	st := h.waitState(t, vm, types.WorkerRunning)
	assert.False(t, st.Confirmed)
	assert.Equal(t, protocol.ModeNative, st.Mode)

	h.clk.Advance(time.Second)
	assert.Equal(t, []string{protocol.CmdPing}, h.spawner.latest(vm).commands())

	h.heartbeat(vm)
	require.Eventually(t, func() bool { return h.sup.Status()[vm].Confirmed }, time.Second, time.Millisecond)
}

func TestEventsAreRoutedAndBadMessagesDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))
	p := h.spawner.latest(vm)

	p.emit(protocol.Message{Kind: "gossip", Worker: vm})
	p.emit(protocol.Heartbeat(focus, 1, protocol.ModeNative, h.clk.Now()))
	p.emit(protocol.Command(protocol.CmdStop, nil))
	p.emit(protocol.Event(vm, map[string]any{"is_vm": true}, h.clk.Now()))

	require.Eventually(t, func() bool { return h.sink.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, vm, h.sink.events[0].worker)
	assert.Equal(t, true, h.sink.events[0].payload["is_vm"])
	assert.Equal(t, types.WorkerStarting, h.sup.Status()[vm].State, "a heartbeat for another key does not count")
}

// ============================================================================
// Crash and restart
// ============================================================================

// TestRestartDelaysGrowLinearly: three consecutive crashes restart after
// base*1, base*2 and base*3.
func TestRestartDelaysGrowLinearly(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))

	for n := 1; n <= 3; n++ {
		h.spawner.latest(vm).exit(ExitStatus{Code: 1})
		st := h.waitState(t, vm, types.WorkerRestarting)
		assert.Equal(t, n, st.RestartCount)
		require.NotNil(t, st.LastExitCode)
		assert.Equal(t, 1, *st.LastExitCode)
		assert.False(t, st.Running)

		delay := time.Duration(n) * time.Second
		h.clk.Advance(delay - time.Millisecond)
		assert.Equal(t, n, h.spawner.count(vm), "restart %d fired early", n)

		h.clk.Advance(time.Millisecond)
		assert.Equal(t, n+1, h.spawner.count(vm), "restart %d did not fire at %s", n, delay)
		assert.Equal(t, types.WorkerStarting, h.sup.Status()[vm].State)
	}
	assert.Equal(t, 3, h.sup.Status()[vm].RestartCount)
}

func TestSpawnFailureDuringRestartRetries(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))

	h.spawner.mu.Lock()
	h.spawner.fail[vm] = errors.New("fork: resource temporarily unavailable")
	h.spawner.mu.Unlock()

	h.spawner.latest(vm).exit(ExitStatus{Code: 1})
	h.waitState(t, vm, types.WorkerRestarting)
	h.clk.Advance(time.Second)

	st := h.sup.Status()[vm]
	assert.Equal(t, types.WorkerRestarting, st.State)
	assert.Equal(t, 2, st.RestartCount)

	h.spawner.mu.Lock()
	delete(h.spawner.fail, vm)
	h.spawner.mu.Unlock()
	h.clk.Advance(2 * time.Second)
	assert.Equal(t, 2, h.spawner.count(vm))
}

// ============================================================================
// Staleness
// ============================================================================

func TestStaleWorkerIsKilledAndRestarted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))
	require.NoError(t, h.sup.StartWorker(focus))
	h.heartbeat(vm)
	h.waitState(t, vm, types.WorkerRunning)

	h.clk.Advance(9 * time.Second)
	h.heartbeat(focus)
	require.Eventually(t, func() bool {
		return h.sup.Status()[focus].State == types.WorkerRunning
	}, time.Second, time.Millisecond)

	h.clk.Advance(2 * time.Second)
	stale := h.sup.CheckHealth()
	assert.Equal(t, []string{vm}, stale)

	first := h.spawner.procs[vm][0]
	assert.True(t, first.wasKilled())
	st := h.waitState(t, vm, types.WorkerRestarting)
	assert.Equal(t, 1, st.RestartCount)
	assert.Contains(t, st.LastError, "SIGKILL")

	h.clk.Advance(time.Second)
	assert.Equal(t, 2, h.spawner.count(vm))
	assert.Equal(t, 1, h.spawner.count(focus), "a healthy worker is left alone")
}

func TestRunChecksHealthPeriodically(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sup.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.clk.Pending() >= 2 }, time.Second, time.Millisecond)
	for i := 0; i < 6; i++ {
		h.clk.Advance(2 * time.Second)
	}
	require.Eventually(t, func() bool { return h.spawner.latest(vm).wasKilled() }, time.Second, time.Millisecond)

	cancel()
	<-done
}

// ============================================================================
// Stop
// ============================================================================

func TestStopWorkerNeverRestarts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))

	require.NoError(t, h.sup.StopWorker(vm))
	st := h.waitState(t, vm, types.WorkerStopped)
	assert.Equal(t, 0, st.RestartCount)
	assert.Equal(t, []string{protocol.CmdStop}, h.spawner.latest(vm).commands())

	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.spawner.count(vm))

	require.NoError(t, h.sup.StopWorker(vm), "stopping a stopped worker is fine")
}

func TestStopWorkerKillsAfterGrace(t *testing.T) {
	h := newHarness(t)
	h.spawner.onSpawn = func(p *fakeProcess) { p.exitOnStop = false }
	require.NoError(t, h.sup.StartWorker(vm))

	require.NoError(t, h.sup.StopWorker(vm))
	assert.Equal(t, types.WorkerStopping, h.sup.Status()[vm].State)

	h.clk.Advance(2 * time.Second)
	assert.False(t, h.spawner.latest(vm).wasKilled())

	h.clk.Advance(time.Second)
	assert.True(t, h.spawner.latest(vm).wasKilled())
	h.waitState(t, vm, types.WorkerStopped)
	assert.Equal(t, 0, h.sup.Status()[vm].RestartCount)
}

func TestStopCancelsPendingRestart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))
	h.spawner.latest(vm).exit(ExitStatus{Code: 1})
	h.waitState(t, vm, types.WorkerRestarting)

	require.NoError(t, h.sup.StopWorker(vm))
	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.spawner.count(vm))
	assert.Equal(t, types.WorkerStopped, h.sup.Status()[vm].State)
}

func TestStopAllWaitsAndDisablesStart(t *testing.T) {
	h := newHarness(t)
	_, err := h.sup.StartAll(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sup.StopAll(ctx))

	for key, st := range h.sup.Status() {
		assert.Equal(t, types.WorkerStopped, st.State, key)
		assert.False(t, st.Running, key)
	}
	assert.ErrorIs(t, h.sup.StartWorker(vm), ErrShutdown)
}

// ============================================================================
// Commands
// ============================================================================

func TestSendAndBroadcast(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))

	assert.ErrorIs(t, h.sup.Send("keylogger", "ping", nil), ErrUnknownWorker)
	assert.ErrorIs(t, h.sup.Send(focus, "ping", nil), ErrNotRunning)

	require.NoError(t, h.sup.Send(vm, protocol.CmdSnapshot, nil))
	assert.Equal(t, []string{protocol.CmdSnapshot}, h.spawner.latest(vm).commands())

	delivered := h.sup.Broadcast("set-session-active", map[string]any{"active": false})
	assert.Equal(t, []string{vm}, delivered)
}

// ============================================================================
// Generation guard
// ============================================================================

func TestLateExitFromReplacedProcessIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartWorker(vm))
	old := h.spawner.latest(vm)
	oldGen := h.sup.workers[vm].gen

	old.exit(ExitStatus{Code: 1})
	h.waitState(t, vm, types.WorkerRestarting)
	h.clk.Advance(time.Second)
	require.Equal(t, 2, h.spawner.count(vm))

	h.sup.handleExit(vm, oldGen, ExitStatus{Code: 9})
	h.sup.handleMessage(vm, oldGen, protocol.Heartbeat(vm, 1, protocol.ModeNative, h.clk.Now()))

	st := h.sup.Status()[vm]
	assert.True(t, st.Running)
	assert.Equal(t, types.WorkerStarting, st.State)
	assert.Equal(t, 1, st.RestartCount)
}
