//go:build darwin

package memserver

import (
	"golang.org/x/sys/unix"
)

// Fdatasync flushes file data to stable storage. Darwin needs F_FULLFSYNC to
// force the drive to flush its buffers.
func Fdatasync(fd uintptr) error {
	_, _, errno := unix.Syscall(
		unix.SYS_FCNTL,
		fd,
		unix.F_FULLFSYNC,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
