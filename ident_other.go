//go:build !linux

package healthmon

import "os"

// Thread ids are not exposed portably; ThreadID stays 0.
func processIdentity() (pid, tid int, main bool) {
	return os.Getpid(), 0, false
}
