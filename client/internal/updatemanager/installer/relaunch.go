package installer

import (
	"context"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
)

const hostPollInterval = 200 * time.Millisecond

// waitForExit polls until the host process is gone
func waitForExit(ctx context.Context, pid int32, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(hostPollInterval)
	defer ticker.Stop()

	for {
		exists, err := process.PidExistsWithContext(ctx, pid)
		if err != nil {
			return status.Wrap(status.Relaunch, err, "check host process %d", pid)
		}
		if !exists {
			return nil
		}

		select {
		case <-ctx.Done():
			return status.Errorf(status.Relaunch, "host process %d did not exit within %s", pid, timeout)
		case <-ticker.C:
		}
	}
}

// relaunch starts path detached from the service
func relaunch(path string) error {
	cmd := exec.Command(path)
	setRelaunchProcAttr(cmd)

	log.Infof("relaunching host: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		return status.Wrap(status.Relaunch, err, "start %s", path)
	}
	log.Infof("host started with PID %d", cmd.Process.Pid)

	// Release the process so the OS can fully detach it
	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release host process: %v", err)
	}
	return nil
}
