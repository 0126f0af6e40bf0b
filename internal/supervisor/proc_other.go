//go:build !linux

package supervisor

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

func killGroup(p *os.Process) error {
	return p.Kill()
}

func signalName(ps *os.ProcessState) string {
	if ps == nil || ps.ExitCode() != -1 {
		return ""
	}
	return "signal"
}
