package types

import (
	"encoding/json"
	"time"
)

// CallState is a position in the call lifecycle.
type CallState string

const (
	CallIdle     CallState = "idle"
	CallStarting CallState = "starting"
	CallActive   CallState = "active"
	CallStopping CallState = "stopping"
	CallPolling  CallState = "polling"
	CallResulted CallState = "result"
	CallNoResult CallState = "no-result"
)

// Terminal reports whether a new call may be started from s.
func (s CallState) Terminal() bool {
	switch s {
	case CallIdle, CallResulted, CallNoResult:
		return true
	}
	return false
}

// Caller carries the form fields collected before a call. They are handed to
// the voice assistant as template variables.
type Caller struct {
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

type CallSession struct {
	ID          string    `json:"id"`
	Started     bool      `json:"started"`
	Speaking    bool      `json:"speaking"`
	VolumeLevel float64   `json:"volumeLevel"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StructuredData is the assistant's structured analysis. Only Task_Score is
// interpreted; everything else is kept verbatim in Extra.
type StructuredData struct {
	TaskScore *float64       `json:"Task_Score,omitempty"`
	Extra     map[string]any `json:"-"`
}

type Analysis struct {
	StructuredData StructuredData `json:"structuredData"`
}

// CallResult is the finalized post-call analysis. Raw holds the exact body
// returned by the call-details endpoint.
type CallResult struct {
	Analysis Analysis        `json:"analysis"`
	Summary  string          `json:"summary"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// Snapshot is the view of the call controller pushed to clients.
type Snapshot struct {
	State         CallState    `json:"state"`
	Session       *CallSession `json:"session,omitempty"`
	Result        *CallResult  `json:"result,omitempty"`
	LoadingResult bool         `json:"loadingResult"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}
