package port

import "github.com/Wyydra/yacall/internal/core/domain"

// PushChannel delivers advisory events from the backend.
type PushChannel interface {
	Events() <-chan domain.PushEvent
	// Connected reports whether the channel currently has a live connection.
	Connected() bool
}
