package daemonfx

import (
	"log/slog"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

// Logging wires the daemon's EventLog publishes to a structured
// github.com/joeycumines/logiface logger backed by log/slog, instead of
// the plain write-through the daemon's own LogPath handles for raw lines
// (§4.6.7's inode-rotation-aware file is kept for the lowest-level
// audit trail; this is the structured surface daemon authors actually
// call from their own code and from plugins).
type Logging struct {
	logger *logiface.Logger[*islog.Event]
}

// NewLogging builds a Logging that writes JSON lines to handler (typically
// slog.NewJSONHandler wrapping the daemon's own log file or os.Stderr).
func NewLogging(handler slog.Handler) *Logging {
	return &Logging{logger: islog.L.New(islog.L.WithSlogHandler(handler))}
}

// Attach subscribes this Logging to bus's EventLog, EventError and
// EventSignal events, translating each into a structured log line. It
// subscribes at a low priority so plugin-level handlers (e.g. alerting)
// see the event first.
func (lg *Logging) Attach(bus *Bus) {
	bus.Subscribe(EventLog, -50, func(ev *Event) bool {
		lg.logger.Info().Str("event", ev.Name).Log(toLogMessage(ev.Data))
		return false
	})
	bus.Subscribe(EventError, -50, func(ev *Event) bool {
		lg.logger.Err().Str("event", ev.Name).Log(toLogMessage(ev.Data))
		return false
	})
	bus.Subscribe(EventSignal, -50, func(ev *Event) bool {
		lg.logger.Notice().Str("event", ev.Name).Log(toLogMessage(ev.Data))
		return false
	})
}

func toLogMessage(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case error:
		return v.Error()
	case string:
		return v
	default:
		return "event"
	}
}
