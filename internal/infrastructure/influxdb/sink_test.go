package influxdb

import (
	"testing"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/events"
	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/registry"
)

type recordedPoint struct {
	clientID string
	path     protocol.Path
	value    float64
}

type fakeWriter struct {
	points []recordedPoint
}

func (f *fakeWriter) WriteResource(clientID string, path protocol.Path, value float64, _ time.Time) {
	f.points = append(f.points, recordedPoint{clientID, path, value})
}

// =============================================================================
// Points
// =============================================================================

func TestResourcePoint(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	p := resourcePoint("dev1", protocol.ResourcePath(3303, 0, 5700), 23.5, at)

	if p.Name() != measurementResourceValues {
		t.Errorf("Name() = %q, want %q", p.Name(), measurementResourceValues)
	}
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	want := map[string]string{"client_id": "dev1", "path": "/3303/0/5700", "oid": "3303", "iid": "0", "rid": "5700"}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %s = %q, want %q", k, tags[k], v)
		}
	}
	fields := p.FieldList()
	if len(fields) != 1 || fields[0].Key != "value" || fields[0].Value != 23.5 {
		t.Errorf("fields = %v, want value=23.5", fields)
	}
	if !p.Time().Equal(at) {
		t.Errorf("Time() = %v, want %v", p.Time(), at)
	}
}

// =============================================================================
// Sink
// =============================================================================

func TestSink_Handle(t *testing.T) {
	temp := protocol.ResourcePath(3303, 0, 5700)
	unit := protocol.ResourcePath(3303, 0, 5701)
	onOff := protocol.ResourcePath(3311, 0, 5850)

	tests := []struct {
		name string
		ev   events.Event
		want []recordedPoint
	}{
		{
			name: "reported numbers and booleans",
			ev: events.Event{Kind: events.KindNotified, ClientID: "dev1", Notify: &registry.NotifyResult{
				Reported: true,
				Changes: []registry.ResourceChange{
					{Path: temp, Value: 23.5, Reported: true},
					{Path: unit, Value: "Cel", Reported: true},
					{Path: onOff, Value: true, Reported: true},
				},
			}},
			want: []recordedPoint{{"dev1", temp, 23.5}, {"dev1", onOff, 1}},
		},
		{
			name: "unreported change skipped",
			ev: events.Event{Kind: events.KindNotified, ClientID: "dev1", Notify: &registry.NotifyResult{
				Reported: true,
				Changes: []registry.ResourceChange{
					{Path: temp, Value: 23.5, Reported: false},
					{Path: onOff, Value: false, Reported: true},
				},
			}},
			want: []recordedPoint{{"dev1", onOff, 0}},
		},
		{
			name: "nothing reported",
			ev: events.Event{Kind: events.KindNotified, ClientID: "dev1", Notify: &registry.NotifyResult{
				Changes: []registry.ResourceChange{{Path: temp, Value: 23.5}},
			}},
		},
		{
			name: "other kinds ignored",
			ev:   events.Event{Kind: events.KindRegistered, ClientID: "dev1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{}
			n := NewSink(w, nil).Handle(tt.ev)
			if n != len(tt.want) || len(w.points) != len(tt.want) {
				t.Fatalf("Handle() wrote %d (%v), want %v", n, w.points, tt.want)
			}
			for i := range tt.want {
				if w.points[i] != tt.want[i] {
					t.Errorf("point %d = %+v, want %+v", i, w.points[i], tt.want[i])
				}
			}
		})
	}
}

func TestSink_Attach(t *testing.T) {
	w := &fakeWriter{}
	bus := events.NewBus()
	NewSink(w, nil).Attach(bus)

	bus.Emit(events.Event{Kind: events.KindNotified, ClientID: "dev1", Notify: &registry.NotifyResult{
		Reported: true,
		Changes:  []registry.ResourceChange{{Path: protocol.ResourcePath(3303, 0, 5700), Value: 21.0, Reported: true}},
	}})
	bus.Close()

	if len(w.points) != 1 || w.points[0].value != 21 {
		t.Errorf("points = %v, want one at 21", w.points)
	}
}
