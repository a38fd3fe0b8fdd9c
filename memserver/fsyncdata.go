//go:build linux || freebsd || netbsd || openbsd

package memserver

import (
	"syscall"
)

// Fdatasync flushes file data without forcing a metadata sync
func Fdatasync(fd uintptr) error {
	return syscall.Fdatasync(int(fd))
}
