//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcAttr places the child in its own process group and asks the kernel
// to send it SIGTERM if the daemon dies first.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
