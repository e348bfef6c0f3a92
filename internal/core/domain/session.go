package domain

import (
	"fmt"
	"time"
)

// SessionStatus only moves forward: CREATED -> STARTED -> ENDED.
type SessionStatus string

const (
	SessionCreated SessionStatus = "CREATED"
	SessionStarted SessionStatus = "STARTED"
	SessionEnded   SessionStatus = "ENDED"
)

func (s SessionStatus) rank() int {
	switch s {
	case SessionCreated:
		return 0
	case SessionStarted:
		return 1
	case SessionEnded:
		return 2
	}
	return -1
}

// CallSession is a live or recently-live session bound to at most one engine.
type CallSession struct {
	ID               SessionID
	RoomName         string
	RoomURL          string
	Credentials      RoleSet
	Role             Role
	Mode             Mode
	Status           SessionStatus
	QueryID          QueryID
	PeerID           UserID
	ParticipantCount int
	CreatedAt        time.Time
}

// NewCallSession builds a CREATED session from a room grant for the given role.
func NewCallSession(grant RoomGrant, role Role, mode Mode, peer UserID, query QueryID) *CallSession {
	creds := grant.Roles.For(role)
	return &CallSession{
		ID:          NewSessionID(),
		RoomName:    grant.RoomName,
		RoomURL:     creds.RoomURL,
		Credentials: grant.Roles,
		Role:        role,
		Mode:        mode,
		Status:      SessionCreated,
		QueryID:     query,
		PeerID:      peer,
		CreatedAt:   time.Now(),
	}
}

// Token returns the token of the role this client joined as.
func (s *CallSession) Token() string {
	return s.Credentials.For(s.Role).Token
}

// Advance moves the session forward. Moving to the current status is a no-op.
func (s *CallSession) Advance(to SessionStatus) error {
	if to == s.Status {
		return nil
	}
	if to.rank() < s.Status.rank() || to.rank() < 0 {
		return NewConflictError("SESSION_STATUS_BACKWARD",
			fmt.Sprintf("session %s cannot move from %s to %s", s.ID, s.Status, to))
	}
	s.Status = to
	return nil
}

// Clone returns a copy safe to hand to readers.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// CallState is the coordinator state.
type CallState string

const (
	StateIdle       CallState = "idle"
	StateConnecting CallState = "connecting"
	StateActive     CallState = "active"
	StateEnding     CallState = "ending"
)

func (s CallState) String() string {
	return string(s)
}

// InCall reports whether the state holds an engine that is joining or joined.
func (s CallState) InCall() bool {
	return s == StateConnecting || s == StateActive
}
