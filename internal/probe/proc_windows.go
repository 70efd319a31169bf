//go:build windows

package probe

import "os/exec"

// Process groups are a POSIX notion; on Windows the direct child is all we
// can address.
func setProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}
