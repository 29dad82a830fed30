package daemonfx

import (
	"fmt"
	"os"
	"time"
)

// Task is a fire-and-forget unit of work run in its own forked child
// (§4.7 "Task Runner"): no result is collected, no Transport round-trip
// happens, the child simply runs fn to completion and exits.
type Task func(args []any)

// TaskRegistry maps task names to their implementations, looked up by the
// forked child the same way OperationRegistry resolves worker subjects.
type TaskRegistry struct {
	tasks map[string]Task
}

// NewTaskRegistry constructs an empty TaskRegistry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

// Register associates name with fn.
func (r *TaskRegistry) Register(name string, fn Task) {
	r.tasks[name] = fn
}

const (
	envTaskMarker = "DAEMONFX_TASK"
	envTaskArgs   = "DAEMONFX_TASK_ARGS"
)

// RunTaskIfChild inspects the environment for the §4.7 task marker. If
// present, it runs the named task to completion and calls os.Exit(0) (or
// os.Exit(1) if the task isn't registered), never returning. If absent, it
// returns immediately so normal daemon startup proceeds — this must be
// called at the very top of main, before any daemon state is built.
func RunTaskIfChild(registry *TaskRegistry) {
	name := os.Getenv(envTaskMarker)
	if name == "" {
		return
	}
	fn, ok := registry.tasks[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "daemonfx: no task registered for %q\n", name)
		os.Exit(1)
	}
	args := decodeArgsEnv(os.Getenv(envTaskArgs))
	fn(args)
	os.Exit(0)
}

// RunTask forks a child dedicated to running the named task with args, per
// §4.7: fire-and-forget, no Transport, no collected result. The returned
// Process can still be waited on via the ProcessTable if the caller wants
// to know when it exits, but nothing reads its output.
func RunTask(pt *ProcessTable, name string, args []any, timeout time.Duration) (*Process, error) {
	env := map[string]string{
		envTaskMarker: name,
		envTaskArgs:   encodeArgsEnv(args),
	}
	p, _, err := pt.Fork(ForkSpec{Group: TaskGroup, Env: env}, timeout)
	return p, err
}
