// ============================================================================
// proctor-guard Exec Spawner - Worker Child Processes
// ============================================================================
//
// Package: internal/supervisor
// File: exec.go
// Purpose: Runs each worker as a separate OS process so a crash or hang in
//          one concern (or in the native provider it loads) cannot take the
//          supervisor down.
//
// Pipes:
//   stdin   supervisor → worker   CBOR command messages
//   stdout  worker → supervisor   CBOR heartbeat / event messages
//   stderr  worker → supervisor   JSON log lines, re-logged with worker=<key>
//
// Process hygiene:
//   - Each worker leads its own process group; Kill signals the whole group
//     so helper processes spawned by fallbacks die with it.
//   - On Linux the kernel delivers SIGKILL to the worker when the
//     supervisor dies (PR_SET_PDEATHSIG), so no orphan outlives it.
//
// ============================================================================

package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/ChuLiYu/proctor-guard/internal/protocol"
)

// ExecSpawner re-executes a binary in worker mode.
type ExecSpawner struct {
	// Path is the executable; defaults to the running binary.
	Path string
	// Args builds the argument list for a worker key.
	Args func(key string) []string
	// Env is appended to the supervisor's environment.
	Env []string
	// Logger receives forwarded worker stderr lines.
	Logger *slog.Logger
}

// WorkerArgs returns the Args function for `proctor worker --key <key>`,
// passing configPath through when set.
func WorkerArgs(configPath string) func(key string) []string {
	return func(key string) []string {
		args := []string{"worker", "--key", key}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		return args
	}
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(key string) (Process, error) {
	path := s.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = self
	}
	argsFn := s.Args
	if argsFn == nil {
		argsFn = WorkerArgs("")
	}

	cmd := exec.Command(path, argsFn(key)...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", key, err)
	}

	logger := s.Logger
	if logger == nil {
		logger = log
	}
	p := &execProcess{
		key:    key,
		cmd:    cmd,
		stdin:  stdin,
		conn:   protocol.NewConn(stdout, stdin),
		msgs:   make(chan protocol.Message, 64),
		exited: make(chan ExitStatus, 1),
		logger: logger.With("worker", key),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); p.readLoop() }()
	go func() { defer readers.Done(); p.forwardStderr(stderr) }()
	go func() {
		readers.Wait()
		p.wait()
	}()
	return p, nil
}

type execProcess struct {
	key    string
	cmd    *exec.Cmd
	stdin  io.Closer
	conn   *protocol.Conn
	msgs   chan protocol.Message
	exited chan ExitStatus
	logger *slog.Logger

	killOnce sync.Once
}

func (p *execProcess) PID() int                          { return p.cmd.Process.Pid }
func (p *execProcess) Messages() <-chan protocol.Message { return p.msgs }
func (p *execProcess) Exited() <-chan ExitStatus         { return p.exited }

func (p *execProcess) Send(m protocol.Message) error {
	return p.conn.Send(m)
}

// Kill terminates the worker's process group.
func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		_ = p.stdin.Close()
		err = killGroup(p.cmd.Process)
	})
	return err
}

// readLoop forwards decoded frames. Frames with a bad shape are passed on
// as-is; the supervisor decides what to do with them.
func (p *execProcess) readLoop() {
	defer close(p.msgs)
	for {
		m, err := p.conn.Receive()
		if err != nil && !protocol.IsShapeError(err) {
			if !protocol.IsStreamEnd(err) {
				p.logger.Warn("worker output unreadable", "error", err)
			}
			return
		}
		p.msgs <- m
	}
}

func (p *execProcess) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Info("worker log", "line", scanner.Text())
	}
}

// wait runs after both output pipes are drained, as exec.Cmd requires.
func (p *execProcess) wait() {
	err := p.cmd.Wait()
	_ = p.stdin.Close()

	status := ExitStatus{Code: p.cmd.ProcessState.ExitCode()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		status.Signal = signalName(exitErr.ProcessState)
	default:
		status.Err = err
	}
	p.exited <- status
	close(p.exited)
}
