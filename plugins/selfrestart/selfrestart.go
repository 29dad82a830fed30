// Package selfrestart implements the §4.6.5 auto-restart mechanism: a
// daemon that wants to pick up a new binary, reload rotated config, or
// simply clear any accumulated process-level drift re-execs itself rather
// than forking a supervisor-managed child, since daemonfx daemons are
// expected to run under an external supervisor (systemd, runit, a process
// manager) that already restarts on plain exit.
package selfrestart

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Marker is the environment variable a re-exec'd process finds set to a
// non-empty value, distinguishing a restart continuation from a true
// first launch.
const Marker = "DAEMONFX_DAEMONIZED"

// IsDaemonized reports whether this process is a post-restart
// continuation.
func IsDaemonized() bool {
	return os.Getenv(Marker) != ""
}

// Exec replaces the running process image with a fresh copy of the same
// binary and argv, appending extraEnv and the Marker to the environment.
// On success it never returns; the calling goroutine's deferred cleanup
// has already run by the time Exec is called (see daemonfx.Daemon's
// teardown-before-restart ordering).
func Exec(extraEnv ...string) error {
	exe, err := resolveSelf()
	if err != nil {
		return fmt.Errorf("daemonfx/plugins/selfrestart: %w", err)
	}
	argv := append([]string{exe}, os.Args[1:]...)
	env := append(os.Environ(), extraEnv...)
	env = append(env, Marker+"=1")
	if err := syscall.Exec(exe, argv, env); err != nil {
		return fmt.Errorf("daemonfx/plugins/selfrestart: exec %s: %w", exe, err)
	}
	return nil
}

// resolveSelf prefers os.Executable (resolves symlinks, survives a
// renamed cwd) and falls back to a PATH lookup of argv[0] for the rare
// case the running binary has been unlinked from disk since exec (still
// valid via the kernel's /proc/self/exe-backed fd on Linux, but
// exec.LookPath is the portable fallback).
func resolveSelf() (string, error) {
	if exe, err := os.Executable(); err == nil {
		return exe, nil
	}
	if len(os.Args) == 0 {
		return "", fmt.Errorf("empty argv")
	}
	return exec.LookPath(os.Args[0])
}
