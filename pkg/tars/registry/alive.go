package registry

import (
	"errors"
	"syscall"
)

// ProcessAlive reports whether a process with the given pid exists. Signal 0
// performs the permission and existence checks without delivering anything;
// EPERM means the process exists but belongs to another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
