//go:build !windows

package batch

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes a POSIX advisory lock on f, exclusive or shared.
// Blocks until granted.
func lockFile(f *os.File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	return unix.Flock(int(f.Fd()), how)
}

// unlockFile releases the advisory lock.
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
