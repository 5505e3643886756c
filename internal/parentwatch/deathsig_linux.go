//go:build linux

package parentwatch

import "golang.org/x/sys/unix"

// armDeathSignal asks the kernel to send SIGTERM when the parent exits.
func armDeathSignal() error {
	return unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0)
}
