package service

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Snapshot is the shared call state read by UI parts.
type Snapshot struct {
	State        domain.CallState
	Session      *domain.CallSession
	Devices      domain.DeviceState
	Participants []domain.Participant
	Speaking     map[string]bool
	// Notice is the last user-visible message, e.g. "already in a call".
	Notice string
	// Version increases with every update.
	Version uint64
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Session = s.Session.Clone()
	if s.Participants != nil {
		c.Participants = append([]domain.Participant(nil), s.Participants...)
	}
	if s.Speaking != nil {
		c.Speaking = make(map[string]bool, len(s.Speaking))
		for k, v := range s.Speaking {
			c.Speaking[k] = v
		}
	}
	return c
}

// CallStore holds the latest Snapshot. Writes come from the coordinator and the parts
// it owns; any number of readers subscribe. A slow subscriber only ever misses
// intermediate snapshots, never the latest one.
type CallStore struct {
	mu     sync.Mutex
	cur    Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

func NewCallStore() *CallStore {
	return &CallStore{
		cur:  Snapshot{State: domain.StateIdle},
		subs: make(map[int]chan Snapshot),
	}
}

func (s *CallStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.clone()
}

// Update applies fn to the current snapshot and notifies subscribers.
func (s *CallStore) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cur)
	s.cur.Version++
	for _, ch := range s.subs {
		snap := s.cur.clone()
		select {
		case ch <- snap:
		default:
			// drop the stale one and deliver the newest
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

// Subscribe returns a channel receiving snapshots after each update and a cancel func.
func (s *CallStore) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}
