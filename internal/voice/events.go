package voice

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventCallStart   EventType = "call-start"
	EventCallEnd     EventType = "call-end"
	EventSpeechStart EventType = "speech-start"
	EventSpeechEnd   EventType = "speech-end"
	EventVolumeLevel EventType = "volume-level"
)

// Event is one lifecycle notification from a voice session. CallID is only
// known for events that arrive through the vendor webhook.
type Event struct {
	Type   EventType `json:"type"`
	Volume float64   `json:"volume,omitempty"`
	CallID string    `json:"callId,omitempty"`
}

func (t EventType) valid() bool {
	switch t {
	case EventCallStart, EventCallEnd, EventSpeechStart, EventSpeechEnd, EventVolumeLevel:
		return true
	}
	return false
}

// ParseClientEvent decodes an event forwarded by the browser voice SDK.
func ParseClientEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode voice event: %w", err)
	}
	if !ev.Type.valid() {
		return Event{}, fmt.Errorf("unknown voice event type %q", ev.Type)
	}
	ev.Volume = clamp(ev.Volume)
	return ev, nil
}

type webhookEnvelope struct {
	Message struct {
		Type   string `json:"type"`
		Status string `json:"status"`
		Role   string `json:"role"`
		Call   struct {
			ID string `json:"id"`
		} `json:"call"`
	} `json:"message"`
}

// ParseWebhook maps a vendor server message onto an Event. ok is false for
// message types that carry no lifecycle meaning (transcripts, tool calls, ...).
func ParseWebhook(raw []byte) (ev Event, ok bool, err error) {
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, false, fmt.Errorf("decode webhook: %w", err)
	}
	m := env.Message
	ev.CallID = m.Call.ID

	switch m.Type {
	case "status-update":
		switch m.Status {
		case "in-progress":
			ev.Type = EventCallStart
		case "ended":
			ev.Type = EventCallEnd
		default:
			return Event{}, false, nil
		}
	case "end-of-call-report":
		ev.Type = EventCallEnd
	case "speech-update":
		if m.Role != "assistant" {
			return Event{}, false, nil
		}
		switch m.Status {
		case "started":
			ev.Type = EventSpeechStart
		case "stopped":
			ev.Type = EventSpeechEnd
		default:
			return Event{}, false, nil
		}
	default:
		return Event{}, false, nil
	}
	return ev, true, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	}
	return v
}
