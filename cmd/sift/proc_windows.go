//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProc starts the daemon in its own process group so it
// outlives the console that spawned it.
func configureDaemonProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
