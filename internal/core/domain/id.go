package domain

import (
	"strconv"

	"github.com/google/uuid"
)

// UserID identifies a participant on the backend (initiator or peer).
type UserID int64

// QueryID identifies the conversation a call is bound to.
type QueryID int64

type SessionID uuid.UUID
type RequestID uuid.UUID

func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

func ParseRequestID(s string) (RequestID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RequestID{}, err
	}
	return RequestID(id), nil
}

func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, err
	}
	return SessionID(id), nil
}

func (id SessionID) String() string {
	return uuid.UUID(id).String()
}

func (id SessionID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id RequestID) String() string {
	return uuid.UUID(id).String()
}

func (id RequestID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func (id QueryID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func (id RequestID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *RequestID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id SessionID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *SessionID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
