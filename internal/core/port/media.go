package port

import "github.com/Wyydra/yacall/internal/core/domain"

// MediaElement is an audio or video sink rendering session tracks.
type MediaElement interface {
	ID() string
	StopTracks() error
}

// MediaSurface is where the host renders engine output.
type MediaSurface interface {
	Elements(sessionID domain.SessionID) []MediaElement
	// RemoveEmbedded detaches the embedded engine frame, if any.
	RemoveEmbedded(sessionID domain.SessionID) error
}
