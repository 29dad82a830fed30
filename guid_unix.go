//go:build linux || darwin

package daemonfx

import (
	"os"
	"syscall"
)

// inodeOf extracts the inode number backing fi, the POSIX primitive §6's
// token derivation is built on.
func inodeOf(fi os.FileInfo) uint64 {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return uint64(st.Ino)
}
