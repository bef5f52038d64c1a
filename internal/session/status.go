package session

import (
	"log/slog"
	"time"

	"github.com/ljreaux/RaptPill-To-MeadTools/internal/ble"
)

// State is the observable phase of one sensor's session.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateUploading
	StateResting
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateUploading:
		return "uploading"
	case StateResting:
		return "resting"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is one status transition or decoded reading, published for the
// external UI collaborator. Readings are surfaced even when uploads are
// disabled for the sensor.
type Event struct {
	Sensor  string
	Address string
	State   State
	Reading *ble.Reading
	Err     string
	At      time.Time
}

// Sink consumes session events. Implementations must not block the session;
// slow consumers drop or buffer on their own side.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

// NewLogSink renders events through the structured logger.
func NewLogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(e Event) {
		attrs := []any{"sensor", e.Sensor, "addr", e.Address, "state", e.State.String()}
		if e.Reading != nil {
			attrs = append(attrs,
				"gravity", e.Reading.Gravity,
				"temp_c", e.Reading.TemperatureC,
				"battery", e.Reading.Battery,
			)
		}
		if e.Err != "" {
			logger.Warn("session status", append(attrs, "error", e.Err)...)
			return
		}
		logger.Info("session status", attrs...)
	})
}
