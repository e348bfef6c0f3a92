package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

// Repository keeps rooms, call requests and conversation modes in process memory.
type Repository struct {
	mu       sync.Mutex
	rooms    map[string]port.Room
	requests map[domain.RequestID]domain.CallRequest
	modes    map[domain.QueryID]domain.CommunicationMode
}

func NewRepository() *Repository {
	return &Repository{
		rooms:    make(map[string]port.Room),
		requests: make(map[domain.RequestID]domain.CallRequest),
		modes:    make(map[domain.QueryID]domain.CommunicationMode),
	}
}

func (r *Repository) SaveRoom(ctx context.Context, room port.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.Name] = room
	return nil
}

func (r *Repository) DeleteRoom(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[name]; !ok {
		return domain.ErrNotFound
	}
	delete(r.rooms, name)
	return nil
}

func (r *Repository) RoomExists(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[name]
	return ok, nil
}

func (r *Repository) DeleteExpiredRooms(ctx context.Context, now int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, room := range r.rooms {
		if room.ExpiresAt > 0 && room.ExpiresAt < now {
			delete(r.rooms, name)
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Repository) SaveRequest(ctx context.Context, req domain.CallRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
	return nil
}

func (r *Repository) GetRequest(ctx context.Context, id domain.RequestID) (domain.CallRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return domain.CallRequest{}, domain.ErrNotFound
	}
	return req, nil
}

func (r *Repository) UpdateRequest(ctx context.Context, id domain.RequestID, fn func(*domain.CallRequest) error) (domain.CallRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return domain.CallRequest{}, domain.ErrNotFound
	}
	next := req
	if err := fn(&next); err != nil {
		return req, err
	}
	r.requests[id] = next
	return next, nil
}

func (r *Repository) ListRequests(ctx context.Context, queryID domain.QueryID) ([]domain.CallRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CallRequest, 0)
	for _, req := range r.requests {
		if req.QueryID == queryID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) SetCommunicationMode(ctx context.Context, queryID domain.QueryID, mode domain.CommunicationMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[queryID] = mode
	return nil
}

func (r *Repository) CommunicationMode(ctx context.Context, queryID domain.QueryID) (domain.CommunicationMode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.modes[queryID]; ok {
		return m, nil
	}
	return domain.CommunicationText, nil
}

// Rooms returns the names of allocated rooms.
func (r *Repository) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
