package influxdb

import (
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/events"
	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/reporting"
)

// ResourceWriter is what a Sink writes to. *Client implements it.
type ResourceWriter interface {
	WriteResource(clientID string, path protocol.Path, value float64, at time.Time)
}

// Logger defines the logging interface used by the Sink.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// Sink writes reported numeric resource changes from notified events.
type Sink struct {
	w      ResourceWriter
	logger Logger
}

// NewSink creates a Sink writing to w. logger may be nil.
func NewSink(w ResourceWriter, logger Logger) *Sink {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Sink{w: w, logger: logger}
}

// Attach subscribes the Sink to bus and returns the unsubscribe func.
func (s *Sink) Attach(bus *events.Bus) func() {
	return bus.Subscribe(func(ev events.Event) { s.Handle(ev) })
}

// Handle writes one point per reported change of a notified event and
// returns how many it wrote.
func (s *Sink) Handle(ev events.Event) int {
	if ev.Kind != events.KindNotified || ev.Notify == nil || !ev.Notify.Reported {
		return 0
	}
	written := 0
	for _, ch := range ev.Notify.Changes {
		if !ch.Reported {
			continue
		}
		v, ok := numeric(ch.Value)
		if !ok {
			s.logger.Debug("skipping non-numeric value", "client_id", ev.ClientID, "path", ch.Path.String())
			continue
		}
		s.w.WriteResource(ev.ClientID, ch.Path, v, ev.Time)
		written++
	}
	return written
}

func numeric(v any) (float64, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return reporting.ToFloat(v)
}
