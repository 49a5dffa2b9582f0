package audit

import (
	"context"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/events"
)

const (
	sourceDevice   = "device"
	sourceOperator = "operator"
	sourceSweeper  = "sweeper"

	writeTimeout = 5 * time.Second
)

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder turns lifecycle events into audit entries.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a Recorder writing to repo. logger may be nil.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{repo: repo, logger: logger}
}

// Attach subscribes the Recorder to bus and returns the unsubscribe func.
func (r *Recorder) Attach(bus *events.Bus) func() {
	return bus.Subscribe(r.Handle)
}

// Handle records ev if it is a lifecycle action. Other kinds are ignored.
// Write failures are logged and never reach the bus.
func (r *Recorder) Handle(ev events.Event) {
	e, ok := entryFor(ev)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.Create(ctx, e); err != nil {
		r.logger.Warn("audit write failed", "action", e.Action, "client_id", e.ClientID, "error", err)
	}
}

func entryFor(ev events.Event) (*Entry, bool) {
	e := &Entry{ClientID: ev.ClientID, Source: sourceDevice, CreatedAt: ev.Time}

	switch ev.Kind {
	case events.KindRegistered:
		e.Action = ActionRegistered
		if d := ev.Device; d != nil {
			e.Details = map[string]any{"lifetime": d.Lifetime, "version": d.Version, "ip": d.IP}
		}
	case events.KindDeregistered:
		e.Action = ActionDeregistered
		if ev.Removed {
			e.Action = ActionRemoved
			e.Source = sourceOperator
		}
	case events.KindUpdated:
		if len(ev.Diff) == 0 {
			return nil, false
		}
		e.Action = ActionUpdated
		e.Details = ev.Diff
	case events.KindExpired:
		e.Action = ActionExpired
		e.Source = sourceSweeper
		if d := ev.Device; d != nil {
			e.Details = map[string]any{"last_seen": d.LastSeen.UTC().Format(time.RFC3339)}
		}
	default:
		return nil, false
	}
	return e, true
}
