//go:build !windows

package proc

import (
	"syscall"
)

// Alive checks if a process with the given pid exists.
func Alive(pid int) bool {
	// On Unix systems, sending signal 0 checks if the process exists.
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		// Process exists but we don't have permission.
		return true
	}
	return false
}
