package observability

import "time"

// Level represents the severity of an emitted audit event.
type Level string

const (
	// LevelInfo represents informational events that describe normal behaviour.
	LevelInfo Level = "info"
	// LevelWarn represents conditions that may require operator attention.
	LevelWarn Level = "warn"
	// LevelError captures failures that prevent progress.
	LevelError Level = "error"
)

// Event models a structured audit entry emitted by the agent components.
// Every entry carries at minimum a timestamp and an event type; the component
// field names the concern that produced it (monitor, repair, gitsafe,
// approval, update, notify).
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Info builds an informational event for the given component and event type.
func Info(component, event, message string, fields map[string]interface{}) Event {
	return Event{Level: LevelInfo, Component: component, Event: event, Message: message, Fields: fields}
}

// Warn builds a warning event for the given component and event type.
func Warn(component, event, message string, fields map[string]interface{}) Event {
	return Event{Level: LevelWarn, Component: component, Event: event, Message: message, Fields: fields}
}

// Error builds an error event for the given component and event type.
func Error(component, event, message string, fields map[string]interface{}) Event {
	return Event{Level: LevelError, Component: component, Event: event, Message: message, Fields: fields}
}

// Clone returns a shallow copy of the event and its fields map to avoid data
// races when observers mutate their view of the metadata.
func (e Event) Clone() Event {
	clone := e
	if len(e.Fields) > 0 {
		copied := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			copied[k] = v
		}
		clone.Fields = copied
	}
	return clone
}
