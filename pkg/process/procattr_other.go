//go:build !linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcAttr places the child in its own process group. Pdeathsig is Linux
// only.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
