package pool

import "syscall"

// syscallSig0 returns the null signal used to probe whether a PID is
// still alive without actually sending it anything.
func syscallSig0() syscall.Signal {
	return syscall.Signal(0)
}
