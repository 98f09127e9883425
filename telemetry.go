package alice

import "time"

// EventKind enumerates the telemetry stream's event types.
type EventKind string

const (
	EventStateChanged  EventKind = "state_changed"
	EventQuotaAdjusted EventKind = "quota_adjusted"
	EventOom           EventKind = "oom"
	EventThrottle      EventKind = "throttle"
	EventPsi           EventKind = "psi_event"
)

// Event is one entry in the telemetry stream handed to the hook.
type Event struct {
	ContainerID string    `json:"container_id"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        EventKind `json:"kind"`
	Payload     any       `json:"payload,omitempty"`
}

// Telemetry receives the event stream. Implementations must not call
// back into the emitting Container.
type Telemetry interface {
	Emit(Event)
}

// nopTelemetry drops everything; it stands in when no hook is given.
type nopTelemetry struct{}

func (nopTelemetry) Emit(Event) {}

// emitter stamps events with the container id and clock.
type emitter struct {
	id   string
	sink Telemetry
}

func newEmitter(id string, sink Telemetry) emitter {
	if sink == nil {
		sink = nopTelemetry{}
	}
	return emitter{id: id, sink: sink}
}

func (e emitter) emit(kind EventKind, payload any) {
	e.sink.Emit(Event{
		ContainerID: e.id,
		Timestamp:   time.Now(),
		Kind:        kind,
		Payload:     payload,
	})
}
