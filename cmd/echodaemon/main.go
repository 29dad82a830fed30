// Command echodaemon is a minimal daemonfx daemon: one worker pool
// ("echo") whose "reflect" operation returns its arguments. On every 20th
// idle pass the parent issues a "reflect" call and forks a "ping" task
// that prints its arguments. It exercises worker recycling (calls and
// runtime per child), auto-restart on SIGHUP and graceful shutdown, the
// way the teacher repo's demo mode exercised process supervision. No
// operation here makes a worker exit early, so premature-death recovery
// is not exercised.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"daemonfx"
)

func buildRegistry() *daemonfx.OperationRegistry {
	registry := daemonfx.NewOperationRegistry()
	registry.Register("echo", func() *daemonfx.Subject {
		return daemonfx.NewSubject("echo").On("reflect", func(args []any) (any, error) {
			return args, nil
		})
	})
	return registry
}

func buildTasks() *daemonfx.TaskRegistry {
	tasks := daemonfx.NewTaskRegistry()
	tasks.Register("ping", func(args []any) {
		fmt.Printf("[ping] pid=%d args=%v\n", os.Getpid(), args)
	})
	return tasks
}

func main() {
	loopInterval := flag.Duration("loop-interval", 0, "fixed scheduler cadence; 0 uses the idle Bernoulli draw")
	maxProcesses := flag.Int("max-processes", 2, "echo worker pool size")
	strategy := flag.String("strategy", "mixed", "lazy|mixed|aggressive")
	autoRestart := flag.Bool("auto-restart", false, "exec a fresh copy on SIGHUP")
	flag.Parse()

	registry := buildRegistry()
	tasks := buildTasks()

	// These two calls must run before any other daemon state is built:
	// a forked worker or task child re-execs this same binary, and only
	// recognizes itself as a child via the environment markers these
	// functions check.
	daemonfx.RunWorkerIfChild(registry)
	daemonfx.RunTaskIfChild(tasks)

	fmt.Println("=== daemonfx: echodaemon ===")
	fmt.Printf("pid=%d daemonized=%v\n", os.Getpid(), daemonfx.IsDaemonized())

	var strat daemonfx.ForkingStrategy
	switch *strategy {
	case "lazy":
		strat = daemonfx.Lazy
	case "aggressive":
		strat = daemonfx.Aggressive
	default:
		strat = daemonfx.Mixed
	}

	d := daemonfx.NewDaemon(daemonfx.DaemonConfig{
		LoopInterval:    *loopInterval,
		IdleProbability: 0.5,
		AutoRestart:     *autoRestart,
	})

	logging := daemonfx.NewLogging(slog.NewJSONHandler(os.Stderr, nil))
	logging.Attach(d.Bus)

	m, err := daemonfx.NewMediator(daemonfx.MediatorConfig{
		Alias:            "echo",
		Strategy:         strat,
		MaxProcesses:     *maxProcesses,
		MaxCallsPerChild: 50,
		MaxRuntime:       5 * time.Minute,
		AutoRestart:      true,
		AllowWakeup:      true,
	}, d.Bus, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echodaemon: %v\n", err)
		os.Exit(1)
	}

	// Same (executable, alias) derivation the mediator hands its children,
	// so parent and workers attach the same segments.
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "echodaemon: %v\n", err)
		os.Exit(1)
	}
	guid, _, err := daemonfx.GUID(exe, "echo")
	if err != nil {
		fmt.Fprintf(os.Stderr, "echodaemon: %v\n", err)
		os.Exit(1)
	}
	transport := daemonfx.NewSysVTransport(guid, daemonfx.SysVTransportConfig{})
	if err := m.SetupParent(transport); err != nil {
		fmt.Fprintf(os.Stderr, "echodaemon: %v\n", err)
		os.Exit(1)
	}
	d.AddMediator(m)

	if err := d.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "echodaemon: %v\n", err)
		os.Exit(1)
	}

	tick := 0
	d.Bus.Subscribe(daemonfx.EventIdle, 0, func(ev *daemonfx.Event) bool {
		tick++
		if tick%20 == 0 {
			_, _, _ = m.Call("reflect", []any{"tick", tick})
			_, _ = daemonfx.RunTask(d.Tasks, "ping", []any{tick}, 0)
		}
		return false
	})

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "echodaemon: %v\n", err)
		os.Exit(1)
	}
}
