package signaling

import "encoding/json"

// ChatRelay is what the target of a chat_message receives.
type ChatRelay struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	CallID    string `json:"call_id,omitempty"`
}

// FileRelay is what the target of a file_message receives.
type FileRelay struct {
	Type      string          `json:"type"`
	File      json.RawMessage `json:"file"`
	From      string          `json:"from"`
	Timestamp string          `json:"timestamp"`
	CallID    string          `json:"call_id,omitempty"`
}

// CallRequest is pushed to the callee when a call is initiated.
// Caller is the caller's public profile.
type CallRequest struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Caller any    `json:"caller"`
}

// CallAccepted is pushed to the caller when the callee accepts.
type CallAccepted struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// CallEnded is pushed to the party that did not end the call.
type CallEnded struct {
	Type     string  `json:"type"`
	CallID   string  `json:"call_id"`
	Duration float64 `json:"duration"`
	Cost     int64   `json:"cost"`
}

func NewCallRequest(callID string, caller any) CallRequest {
	return CallRequest{Type: TypeCallRequest, CallID: callID, Caller: caller}
}

func NewCallAccepted(callID string) CallAccepted {
	return CallAccepted{Type: TypeCallAccepted, CallID: callID}
}

func NewCallEnded(callID string, durationMinutes float64, cost int64) CallEnded {
	return CallEnded{Type: TypeCallEnded, CallID: callID, Duration: durationMinutes, Cost: cost}
}
