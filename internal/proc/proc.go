// Package proc starts subprocesses in their own process group so that
// cancellation terminates the whole tree.
package proc

import (
	"context"
	"os/exec"
	"runtime"
	"time"
)

// WaitDelay bounds how long Wait blocks on output pipes after the process
// group has been killed.
const WaitDelay = 2 * time.Second

// Command builds an exec.Cmd bound to ctx. Cancelling ctx kills the process
// group rather than just the direct child.
func Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	configure(cmd)
	cmd.Cancel = func() error {
		terminate(cmd)
		return nil
	}
	cmd.WaitDelay = WaitDelay
	return cmd
}

// Shell runs command through the platform shell.
func Shell(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return Command(ctx, "cmd", "/C", command)
	}
	return Command(ctx, "sh", "-c", command)
}
