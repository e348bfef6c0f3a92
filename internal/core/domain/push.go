package domain

// PushEventType names advisory events carried by the push channel.
type PushEventType string

const (
	PushCallRequested     PushEventType = "callRequested"
	PushCallStatusChanged PushEventType = "callStatusChanged"
)

// PushEvent is advisory only: receivers re-fetch authoritative state.
type PushEvent struct {
	Type      PushEventType `json:"type"`
	QueryID   QueryID       `json:"queryId"`
	RequestID string        `json:"requestId,omitempty"`
	Status    RequestStatus `json:"status,omitempty"`
}
