package healthmon

import (
	"os"

	"golang.org/x/sys/unix"
)

// Package initialization runs on the main goroutine locked to the initial OS
// thread, so the thread seen here is the process' main thread.
var initialTID = unix.Gettid()

// processIdentity returns the pid and the thread the process was started on.
// The value does not depend on which OS thread the caller happens to run on.
func processIdentity() (pid, tid int, main bool) {
	pid = os.Getpid()
	return pid, initialTID, initialTID == pid
}
