// Package hub normalizes outbound events into envelopes and fans them out
// to live subscribers.
package hub

import (
	"time"

	"ndefender/internal/event"
)

// Envelope is the only shape subscribers ever receive.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
	Data      any    `json:"data"`
}

// Public envelope types.
const (
	TypeContactNew      = "CONTACT_NEW"
	TypeContactUpdate   = "CONTACT_UPDATE"
	TypeContactLost     = "CONTACT_LOST"
	TypeTelemetryUpdate = "TELEMETRY_UPDATE"
	TypeCommandAck      = "COMMAND_ACK"
	TypeReplayState     = "REPLAY_STATE"
	TypeLogEvent        = "LOG_EVENT"
	TypeCommand         = "COMMAND"
)

// DefaultSource is used when an event names no source.
const DefaultSource = "backend"

var suppressed = map[string]bool{
	"HELLO":            true,
	"RID_DEDUPE":       true,
	"RID_INPUT_COUNTS": true,
	"RID_STATS":        true,
}

var remapped = map[string]string{
	"RID_CONTACT_NEW":    TypeContactNew,
	"RID_CONTACT_UPDATE": TypeContactUpdate,
	"RID_CONTACT_LOST":   TypeContactLost,
}

// New builds an envelope stamped with the current time.
func New(typ, source string, data any) Envelope {
	return Envelope{Type: typ, Timestamp: time.Now().UnixMilli(), Source: source, Data: data}
}

// Normalize converts an internal event of any supported shape into an
// envelope. ok is false for suppressed or untyped events.
func Normalize(obj map[string]any, now time.Time) (Envelope, bool) {
	typ, _ := obj["type"].(string)
	if typ == "" || suppressed[typ] {
		return Envelope{}, false
	}
	if to, ok := remapped[typ]; ok {
		typ = to
	}

	ts := now.UnixMilli()
	rawTS, hasTS := obj["timestamp"]
	if !hasTS || rawTS == nil {
		rawTS = obj["ts"]
	}
	if v, ok := event.Number(rawTS); ok {
		ts = int64(v)
	}

	source, _ := obj["source"].(string)
	if source == "" {
		source = DefaultSource
	}

	_, hasSource := obj["source"]
	if data, isObj := obj["data"].(map[string]any); isObj && hasTS && hasSource {
		if data == nil {
			data = map[string]any{}
		}
		return Envelope{Type: typ, Timestamp: ts, Source: source, Data: data}, true
	}

	data, hasData := obj["data"]
	if !hasData || data == nil {
		rest := make(map[string]any, len(obj))
		for k, v := range obj {
			switch k {
			case "type", "ts", "timestamp", "source":
				continue
			}
			rest[k] = v
		}
		data = rest
	}
	return Envelope{Type: typ, Timestamp: ts, Source: source, Data: data}, true
}
