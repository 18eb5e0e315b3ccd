//go:build !windows

package installer

import (
	"os/exec"
	"syscall"
)

// setRelaunchProcAttr starts the relaunched host in a new session,
// making it independent of the installer service process.
func setRelaunchProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
