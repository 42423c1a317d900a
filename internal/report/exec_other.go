//go:build !unix

package report

import "os/exec"

// killProcessGroup is a no-op where process groups are unavailable; WaitDelay
// still bounds the wait for output pipes
func killProcessGroup(cmd *exec.Cmd) {}
