package daemonfx

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// FileConfig is the on-disk TOML shape loaded by LoadConfig, covering the
// daemon's own settings plus every worker pool it should stand up at
// startup (SPEC_FULL.md "Config").
type FileConfig struct {
	Daemon  DaemonSection   `toml:"daemon"`
	Workers []WorkerSection `toml:"worker"`
}

// DaemonSection mirrors DaemonConfig with string/duration-friendly TOML
// field types.
type DaemonSection struct {
	LoopInterval     string  `toml:"loop_interval"`
	IdleProbability  float64 `toml:"idle_probability"`
	ShutdownDeadline string  `toml:"shutdown_deadline"`
	LogPath          string  `toml:"log_path"`
	AutoRestart      bool    `toml:"auto_restart"`
}

// WorkerSection mirrors MediatorConfig for one [[worker]] table.
type WorkerSection struct {
	Alias            string `toml:"alias"`
	Strategy         string `toml:"strategy"` // "lazy" | "mixed" | "aggressive"
	MaxProcesses     int    `toml:"max_processes"`
	MaxCallsPerChild int    `toml:"max_calls_per_child"`
	MinRuntime       string `toml:"min_runtime"`
	MaxRuntime       string `toml:"max_runtime"`
	AutoRestart      bool   `toml:"auto_restart"`
	AllowWakeup      bool   `toml:"allow_wakeup"`
	CallTimeout      string `toml:"call_timeout"`
	ChildTimeout     string `toml:"child_timeout"`
}

// LoadConfig decodes path as TOML into a FileConfig, rejecting unknown
// keys so a typo'd setting fails loudly at startup rather than being
// silently ignored.
func LoadConfig(path string) (*FileConfig, error) {
	var cfg FileConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("daemonfx: decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("daemonfx: config %s has unrecognized keys: %v", path, undecoded)
	}
	return &cfg, nil
}

// Daemon converts the TOML daemon section into a DaemonConfig, parsing
// duration strings (e.g. "5s", "250ms"); an empty duration string means
// "use the field's default".
func (s DaemonSection) Daemon() (DaemonConfig, error) {
	cfg := DaemonConfig{
		IdleProbability: s.IdleProbability,
		LogPath:         s.LogPath,
		AutoRestart:     s.AutoRestart,
	}
	var err error
	if cfg.LoopInterval, err = parseDuration(s.LoopInterval); err != nil {
		return cfg, err
	}
	if cfg.ShutdownDeadline, err = parseDuration(s.ShutdownDeadline); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Mediator converts one [[worker]] TOML table into a MediatorConfig.
func (s WorkerSection) Mediator() (MediatorConfig, error) {
	cfg := MediatorConfig{
		Alias:            s.Alias,
		MaxProcesses:     s.MaxProcesses,
		MaxCallsPerChild: s.MaxCallsPerChild,
		AutoRestart:      s.AutoRestart,
		AllowWakeup:      s.AllowWakeup,
	}
	if cfg.Alias == "" {
		return cfg, fmt.Errorf("daemonfx: worker section missing alias")
	}
	switch s.Strategy {
	case "", "lazy":
		cfg.Strategy = Lazy
	case "mixed":
		cfg.Strategy = Mixed
	case "aggressive":
		cfg.Strategy = Aggressive
	default:
		return cfg, fmt.Errorf("daemonfx: worker %q has unknown strategy %q", s.Alias, s.Strategy)
	}
	var err error
	if cfg.MinRuntime, err = parseDuration(s.MinRuntime); err != nil {
		return cfg, err
	}
	if cfg.MaxRuntime, err = parseDuration(s.MaxRuntime); err != nil {
		return cfg, err
	}
	if cfg.CallTimeout, err = parseDuration(s.CallTimeout); err != nil {
		return cfg, err
	}
	if cfg.ChildTimeout, err = parseDuration(s.ChildTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("daemonfx: invalid duration %q: %w", s, err)
	}
	return d, nil
}
