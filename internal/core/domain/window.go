package domain

import "time"

// ModalWindow is a conversation window. It references a session without owning it.
type ModalWindow struct {
	ID             string
	Title          string
	Content        any
	BoundSessionID SessionID
	OpenedAt       time.Time
}

// Bound reports whether the window is tied to a call session.
func (w ModalWindow) Bound() bool {
	return !w.BoundSessionID.IsZero()
}

// WindowMeta carries the optional attributes passed to Open.
type WindowMeta struct {
	Title          string
	BoundSessionID SessionID
}
