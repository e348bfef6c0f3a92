package domain

import (
	"fmt"
	"time"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestAccepted  RequestStatus = "ACCEPTED"
	RequestDeclined  RequestStatus = "DECLINED"
	RequestCancelled RequestStatus = "CANCELLED"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestDeclined || s == RequestCancelled
}

func (s RequestStatus) Valid() bool {
	return s == RequestPending || s.Terminal()
}

// CallRequest is an invitation that must be accepted before a session exists.
type CallRequest struct {
	ID          RequestID     `json:"id"`
	QueryID     QueryID       `json:"queryId"`
	InitiatorID UserID        `json:"initiatorId"`
	Mode        Mode          `json:"mode"`
	Message     string        `json:"message,omitempty"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	// Room is set once the request is accepted.
	Room *RoomGrant `json:"room,omitempty"`
}

func NewCallRequest(queryID QueryID, initiator UserID, mode Mode, message string) (*CallRequest, error) {
	if queryID == 0 {
		return nil, NewValidationError("MISSING_QUERY_ID", "call request needs a query id")
	}
	if !mode.Valid() {
		return nil, NewValidationError("MISSING_MODE", "call request needs a mode")
	}
	return &CallRequest{
		ID:          NewRequestID(),
		QueryID:     queryID,
		InitiatorID: initiator,
		Mode:        mode,
		Message:     message,
		Status:      RequestPending,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Transition applies a status change. A terminal request never changes again.
func (r *CallRequest) Transition(to RequestStatus) error {
	if !to.Terminal() {
		return NewValidationError("INVALID_REQUEST_STATUS", fmt.Sprintf("cannot move a request to %q", to))
	}
	if r.Status.Terminal() {
		return ErrRequestNotPending.withMessage(
			fmt.Sprintf("request %s is already %s", r.ID, r.Status))
	}
	r.Status = to
	return nil
}

// InitiatorView drops the peer credentials. Only the acceptor receives those.
func (r CallRequest) InitiatorView() CallRequest {
	if r.Room != nil {
		g := *r.Room
		g.Roles.Peer = RoleCredentials{}
		r.Room = &g
	}
	return r
}

// RequestUpdate is the backend answer to a status change. Room is set only on acceptance.
type RequestUpdate struct {
	Request CallRequest `json:"request"`
	Room    *RoomGrant  `json:"room,omitempty"`
}
