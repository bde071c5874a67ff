package model

import "time"

// Event types pushed to external observers.
const (
	EventScannerUpdate    = "SCANNER_UPDATE"
	EventPositionsUpdated = "POSITIONS_UPDATED"
	EventPriceUpdate      = "PRICE_UPDATE"
	EventLatencyUpdate    = "LATENCY_UPDATE"
	EventLogEntry         = "LOG_ENTRY"
	EventFullScannerList  = "FULL_SCANNER_LIST"
)

// Event is a typed fire-and-forget message for observers. Delivery failure
// to one observer must not affect others.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// LogPayload is the payload of a LOG_ENTRY event.
type LogPayload struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// NewLogEvent builds a LOG_ENTRY event stamped with the current time.
func NewLogEvent(level, message string) Event {
	return Event{
		Type: EventLogEntry,
		Payload: LogPayload{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Level:     level,
			Message:   message,
		},
	}
}
