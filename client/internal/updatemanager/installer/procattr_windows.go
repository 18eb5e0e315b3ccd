package installer

import (
	"os/exec"
	"syscall"
)

// setRelaunchProcAttr starts the relaunched host detached from the installer service process.
func setRelaunchProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // 0x00000008 is DETACHED_PROCESS
	}
}
