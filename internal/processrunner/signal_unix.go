//go:build !windows

package processrunner

import "syscall"

// cmdInterrupt is the signal sent to a child before the kill-grace period
// elapses. SIGTERM gives well-behaved administrative tools (targetcli,
// qemu-img, service reload scripts) a chance to clean up.
func cmdInterrupt() syscall.Signal {
	return syscall.SIGTERM
}
