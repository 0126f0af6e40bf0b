package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/ChuLiYu/proctor-guard/internal/detection"
	"github.com/ChuLiYu/proctor-guard/internal/protocol"
)

// ProcessOptions configure RunProcess.
type ProcessOptions struct {
	Options
	Handle *detection.Handle
	Runner Runner
}

// RunProcess is the worker child-process body: stdin carries supervisor
// commands, stdout carries heartbeats and events. It returns nil on a
// graceful stop (stop command, stdin EOF, or a broken stdout) and an error
// only when the worker cannot start at all.
func RunProcess(ctx context.Context, key string, stdin io.Reader, stdout io.Writer, opts ProcessOptions) error {
	concern, err := Builtin(key, opts.Runner)
	if err != nil {
		return err
	}

	conn := protocol.NewConn(stdin, stdout)
	rt, err := New(concern, opts.Handle, conn, opts.Options)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}

	go readCommands(conn, rt)

	select {
	case <-rt.Done():
	case <-ctx.Done():
		rt.Stop()
	}
	log.Info("worker exited", "worker", key)
	return nil
}

// readCommands feeds supervisor commands into the runtime until the input
// stream ends, which means the supervisor is gone.
func readCommands(conn *protocol.Conn, rt *Runtime) {
	for {
		m, err := conn.Receive()
		if err != nil {
			if protocol.IsShapeError(err) {
				log.Warn("dropping malformed message", "worker", rt.Key(), "error", err)
				continue
			}
			if !protocol.IsStreamEnd(err) {
				log.Warn("command stream failed", "worker", rt.Key(), "error", err)
			}
			rt.Stop()
			return
		}
		if m.Kind != protocol.KindCommand {
			log.Warn("ignoring non-command message", "worker", rt.Key(), "kind", m.Kind)
			continue
		}
		rt.HandleCommand(m)
		if m.Cmd == protocol.CmdStop {
			return
		}
	}
}

// SafeWriter forwards writes until the first failure and then discards
// everything. Worker logs go to stderr through it so a closed stderr can
// never crash or block the worker.
type SafeWriter struct {
	w      io.Writer
	failed atomic.Bool
}

// NewSafeWriter wraps w.
func NewSafeWriter(w io.Writer) *SafeWriter {
	return &SafeWriter{w: w}
}

// Write always reports success.
func (s *SafeWriter) Write(p []byte) (int, error) {
	if s.failed.Load() {
		return len(p), nil
	}
	if _, err := s.w.Write(p); err != nil {
		s.failed.Store(true)
	}
	return len(p), nil
}

// Failed reports whether the underlying writer has failed.
func (s *SafeWriter) Failed() bool { return s.failed.Load() }

// NewLogHandler returns the JSON handler worker processes log through.
func NewLogHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(NewSafeWriter(w), &slog.HandlerOptions{Level: level})
}
