package realtime

import "encoding/json"

// EventType discriminates the payload of an Envelope.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventNewAnomaly            EventType = "new_anomaly"
	EventTaskUpdate            EventType = "task_update"
	EventScenarioUpdate        EventType = "scenario_update"
	EventNewActivity           EventType = "new_activity"
	EventCommandAck            EventType = "command_ack"
	EventCommandError          EventType = "command_error"
	EventCalibrationComplete   EventType = "calibration_complete"
	EventCaptureComplete       EventType = "capture_complete"
	EventUnknown               EventType = "unknown"
)

var knownEvents = map[EventType]bool{
	EventConnectionEstablished: true,
	EventNewAnomaly:            true,
	EventTaskUpdate:            true,
	EventScenarioUpdate:        true,
	EventNewActivity:           true,
	EventCommandAck:            true,
	EventCommandError:          true,
	EventCalibrationComplete:   true,
	EventCaptureComplete:       true,
}

// ParseEventType maps a wire name to its EventType, or EventUnknown.
func ParseEventType(s string) EventType {
	if t := EventType(s); knownEvents[t] {
		return t
	}
	return EventUnknown
}

func (t EventType) Known() bool {
	return knownEvents[t]
}

// Envelope is the only server-to-client message shape.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
	// Timestamp is unix milliseconds, set on command completions.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// NewEnvelope marshals payload into an envelope of type t.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Envelope{Type: t, Payload: raw}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: b}, nil
}

// Command is a client-to-server message.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const greeting = "Connected to real-time activity feed."
