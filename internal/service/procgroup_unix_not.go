//go:build !unix

package service

import "os/exec"

// setProcessGroup is a no-op, only the runner process itself is killed.
func setProcessGroup(_ *exec.Cmd) {}
