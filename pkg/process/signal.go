package process

import (
	"errors"
	"os"
	"syscall"
)

// signalGroup delivers sig to every process in p's group.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}
