package supervisor

import (
	"fmt"

	"github.com/ChuLiYu/proctor-guard/internal/protocol"
)

// Spawner starts one worker process.
type Spawner interface {
	Spawn(key string) (Process, error)
}

// Process is a running worker as seen by the supervisor.
//
// Messages is closed when the worker's output ends. Exited delivers exactly
// one ExitStatus and is then closed; it fires after Messages is closed.
type Process interface {
	PID() int
	Send(m protocol.Message) error
	Messages() <-chan protocol.Message
	Exited() <-chan ExitStatus
	Kill() error
}

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code   int // -1 when killed by a signal
	Signal string
	Err    error
}

// Clean reports a zero exit code.
func (s ExitStatus) Clean() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return fmt.Sprintf("killed by %s", s.Signal)
	case s.Err != nil:
		return fmt.Sprintf("exit %d: %v", s.Code, s.Err)
	}
	return fmt.Sprintf("exit %d", s.Code)
}
