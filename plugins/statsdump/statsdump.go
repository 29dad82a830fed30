// Package statsdump is a daemonfx plugin: Dump renders the payload of a
// "stats" event (raised on SIGUSR1, see daemonfx.Daemon.dispatchSignal) as
// a one-line summary of every live worker pool plus /proc introspection
// for the current process, and writes it to an io.Writer (typically the
// daemon's own log file or os.Stderr). The package registers no subscriber
// itself; a caller subscribes and calls Dump.
package statsdump

import (
	"fmt"
	"io"
	"os"
	"sort"
)

// Event is the minimal shape daemonfx.Event carries on a "stats" publish;
// kept narrow so this package doesn't import the root module (avoiding an
// import cycle, since daemonfx/cmd examples import both).
type Event struct {
	Name string
	Data any
}

// Dump renders ev.Data (expected to be a map[string]any produced by
// Daemon.snapshot) plus this process's own /proc footprint to w.
func Dump(w io.Writer, ev Event) {
	fmt.Fprintf(w, "=== stats (%s) ===\n", ev.Name)

	if snap, ok := ev.Data.(map[string]any); ok {
		if phase, ok := snap["phase"]; ok {
			fmt.Fprintf(w, "phase=%v uptime=%v tasks=%v\n", phase, snap["uptime"], snap["tasks"])
		}
		if workers, ok := snap["workers"].(map[string]int); ok {
			aliases := make([]string, 0, len(workers))
			for a := range workers {
				aliases = append(aliases, a)
			}
			sort.Strings(aliases)
			for _, a := range aliases {
				fmt.Fprintf(w, "worker[%s] live=%d\n", a, workers[a])
			}
		}
	}

	if s := Short(os.Getpid()); s != "" {
		fmt.Fprintf(w, "self: %s\n", s)
	}
}
