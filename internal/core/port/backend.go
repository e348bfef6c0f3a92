package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// RoomBackend allocates and releases rooms and tracks a conversation's mode.
type RoomBackend interface {
	CreateRoom(ctx context.Context, spec domain.RoomSpec) (domain.RoomGrant, error)
	DeleteRoom(ctx context.Context, roomName string) error
	SetCommunicationMode(ctx context.Context, queryID domain.QueryID, mode domain.CommunicationMode) error
}

// CallRequestBackend is the invitation CRUD.
type CallRequestBackend interface {
	CreateCallRequest(ctx context.Context, req domain.CallRequest) (domain.CallRequest, error)
	// UpdateCallRequest applies a terminal status. On a conflict the returned update
	// still carries the request as currently stored, next to a CONFLICT error.
	UpdateCallRequest(ctx context.Context, id domain.RequestID, status domain.RequestStatus) (domain.RequestUpdate, error)
	ListCallRequests(ctx context.Context, queryID domain.QueryID) ([]domain.CallRequest, error)
}

type Backend interface {
	RoomBackend
	CallRequestBackend
}
