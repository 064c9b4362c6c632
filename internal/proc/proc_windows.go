//go:build windows

package proc

import "os/exec"

func configure(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
