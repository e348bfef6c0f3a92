// Package memory is a MediaSurface kept in process, for the CLI and tests.
package memory

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

// Element is an audio or video sink.
type Element struct {
	id string

	mu    sync.Mutex
	stops int
}

func (e *Element) ID() string { return e.id }

func (e *Element) StopTracks() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}

// Stops counts StopTracks calls.
func (e *Element) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

// Surface implements port.MediaSurface.
type Surface struct {
	mu       sync.Mutex
	elements map[domain.SessionID][]*Element
	embedded map[domain.SessionID]bool
	removals int
}

func NewSurface() *Surface {
	return &Surface{
		elements: make(map[domain.SessionID][]*Element),
		embedded: make(map[domain.SessionID]bool),
	}
}

// Attach renders session media into a new element named id.
func (s *Surface) Attach(sessionID domain.SessionID, id string) *Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	el := &Element{id: id}
	s.elements[sessionID] = append(s.elements[sessionID], el)
	return el
}

// Embed marks the engine frame of a session as mounted.
func (s *Surface) Embed(sessionID domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedded[sessionID] = true
}

func (s *Surface) Elements(sessionID domain.SessionID) []port.MediaElement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]port.MediaElement, 0, len(s.elements[sessionID]))
	for _, el := range s.elements[sessionID] {
		out = append(out, el)
	}
	return out
}

// RemoveEmbedded detaches the frame and forgets the session's elements.
func (s *Surface) RemoveEmbedded(sessionID domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.embedded[sessionID] {
		s.removals++
	}
	delete(s.embedded, sessionID)
	delete(s.elements, sessionID)
	return nil
}

func (s *Surface) Embedded(sessionID domain.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.embedded[sessionID]
}

// Removals counts frames actually removed.
func (s *Surface) Removals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removals
}
