package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Room is the stored form of an allocated room.
type Room struct {
	Name          string
	ParticipantID domain.UserID
	Mode          domain.Mode
	Roles         domain.RoleSet
	ExpiresAt     int64
}

type RoomRepository interface {
	SaveRoom(ctx context.Context, room Room) error
	// DeleteRoom reports domain.ErrNotFound when the room does not exist.
	DeleteRoom(ctx context.Context, name string) error
	RoomExists(ctx context.Context, name string) (bool, error)
	// DeleteExpiredRooms removes rooms with ExpiresAt before now and returns their names.
	DeleteExpiredRooms(ctx context.Context, now int64) ([]string, error)
}

type CallRequestRepository interface {
	SaveRequest(ctx context.Context, req domain.CallRequest) error
	GetRequest(ctx context.Context, id domain.RequestID) (domain.CallRequest, error)
	// UpdateRequest runs fn on the stored request and persists the result atomically.
	UpdateRequest(ctx context.Context, id domain.RequestID, fn func(*domain.CallRequest) error) (domain.CallRequest, error)
	ListRequests(ctx context.Context, queryID domain.QueryID) ([]domain.CallRequest, error)
}

type QueryRepository interface {
	SetCommunicationMode(ctx context.Context, queryID domain.QueryID, mode domain.CommunicationMode) error
	CommunicationMode(ctx context.Context, queryID domain.QueryID) (domain.CommunicationMode, error)
}

type Repository interface {
	RoomRepository
	CallRequestRepository
	QueryRepository
}
