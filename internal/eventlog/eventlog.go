package eventlog

import (
	"github.com/rs/zerolog"
)

// EventType is the value of the top-level "event" field of a media stream message.
type EventType string

// Twilio Media Streams event names.
const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
	EventDTMF      EventType = "dtmf"
)

// EventMalformed is recorded for payloads without a usable "event" field.
const EventMalformed EventType = "<malformed>"

var knownEvents = map[EventType]struct{}{
	EventConnected: {},
	EventStart:     {},
	EventMedia:     {},
	EventStop:      {},
	EventMark:      {},
	EventDTMF:      {},
}

// Known reports whether e is one of the Media Streams event names.
func (e EventType) Known() bool {
	_, ok := knownEvents[e]
	return ok
}

// Logger records one diagnostic line per stream event.
type Logger struct {
	logger zerolog.Logger
}

// New creates a new event logger
func New(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "eventlog").Logger()}
}

// Log writes the event name with the session ID and any extra fields.
// Malformed messages are logged at warn level.
func (l *Logger) Log(sessionID string, eventType EventType, data map[string]any) {
	if l == nil {
		return
	}

	level := zerolog.InfoLevel
	if eventType == EventMalformed {
		level = zerolog.WarnLevel
	}
	ev := l.logger.WithLevel(level).
		Str("session_id", sessionID).
		Str("event", string(eventType)).
		Bool("known", eventType.Known())
	if len(data) > 0 {
		ev = ev.Fields(data)
	}
	ev.Msg("Event: " + string(eventType))
}
