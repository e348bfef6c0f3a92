package service

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultWindowWidth  = 360
	DefaultWindowGutter = 16
	MinWindows          = 1
	MaxWindows          = 5
)

type ModalConfig struct {
	WindowWidth int
	Gutter      int
	MaxWindows  int
}

func (c *ModalConfig) applyDefaults() {
	if c.WindowWidth <= 0 {
		c.WindowWidth = DefaultWindowWidth
	}
	if c.Gutter < 0 {
		c.Gutter = 0
	}
	if c.MaxWindows <= 0 || c.MaxWindows > MaxWindows {
		c.MaxWindows = MaxWindows
	}
}

// CapacityFor is how many windows fit side by side in a viewport, within [1, MaxWindows].
func CapacityFor(viewportWidth int, cfg ModalConfig) int {
	cfg.applyDefaults()
	n := viewportWidth / (cfg.WindowWidth + cfg.Gutter)
	if n < MinWindows {
		n = MinWindows
	}
	if n > cfg.MaxWindows {
		n = cfg.MaxWindows
	}
	return n
}

// sessionCloser is the part of SessionCoordinator a window needs on close.
type sessionCloser interface {
	EndSession(ctx context.Context, id domain.SessionID, trigger string) bool
}

// ModalHost keeps the ordered set of open conversation windows, oldest first.
// Removing a window is immediate; ending a call bound to it happens in the background.
type ModalHost struct {
	sessions sessionCloser
	deferred *Deferred
	metrics  *metrics.Collector
	cfg      ModalConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	windows  []domain.ModalWindow
	capacity int
}

func NewModalHost(sessions sessionCloser, deferred *Deferred, m *metrics.Collector, cfg ModalConfig, viewportWidth int) *ModalHost {
	cfg.applyDefaults()
	if deferred == nil {
		deferred = NewDeferred()
	}
	return &ModalHost{
		sessions: sessions,
		deferred: deferred,
		metrics:  m,
		cfg:      cfg,
		logger:   log.With().Str("component", "modal").Logger(),
		capacity: CapacityFor(viewportWidth, cfg),
	}
}

func (h *ModalHost) Capacity() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capacity
}

// Windows returns the open windows, oldest first.
func (h *ModalHost) Windows() []domain.ModalWindow {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ModalWindow(nil), h.windows...)
}

// Open focuses an existing window or appends a new one, evicting the oldest when full.
// It returns the evicted windows.
func (h *ModalHost) Open(id string, content any, meta domain.WindowMeta) []domain.ModalWindow {
	h.mu.Lock()
	if i := h.indexLocked(id); i >= 0 {
		w := h.windows[i]
		w.Content = content
		if meta.Title != "" {
			w.Title = meta.Title
		}
		if !meta.BoundSessionID.IsZero() {
			w.BoundSessionID = meta.BoundSessionID
		}
		h.windows = append(h.windows[:i], h.windows[i+1:]...)
		h.windows = append(h.windows, w)
		h.mu.Unlock()
		h.logger.Debug().Str("window_id", id).Msg("Window focused")
		return nil
	}

	var evicted []domain.ModalWindow
	for len(h.windows) >= h.capacity {
		evicted = append(evicted, h.windows[0])
		h.windows = h.windows[1:]
	}
	h.windows = append(h.windows, domain.ModalWindow{
		ID:             id,
		Title:          meta.Title,
		Content:        content,
		BoundSessionID: meta.BoundSessionID,
		OpenedAt:       time.Now(),
	})
	n := len(h.windows)
	h.mu.Unlock()

	h.metrics.OpenWindows(n)
	for _, w := range evicted {
		h.logger.Info().Str("window_id", w.ID).Msg("Window evicted")
		h.cleanup(w, "modal_evict")
	}
	return evicted
}

// Bind ties an open window to a session.
func (h *ModalHost) Bind(id string, sessionID domain.SessionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.indexLocked(id)
	if i < 0 {
		return false
	}
	h.windows[i].BoundSessionID = sessionID
	return true
}

// Close removes the window right away. If it was bound to the live call, the call is
// ended on the deferred queue.
func (h *ModalHost) Close(id string) bool {
	h.mu.Lock()
	i := h.indexLocked(id)
	if i < 0 {
		h.mu.Unlock()
		return false
	}
	w := h.windows[i]
	h.windows = append(h.windows[:i], h.windows[i+1:]...)
	n := len(h.windows)
	h.mu.Unlock()

	h.metrics.OpenWindows(n)
	h.logger.Debug().Str("window_id", id).Msg("Window closed")
	h.cleanup(w, "modal_close")
	return true
}

// CloseAll closes every window, newest first.
func (h *ModalHost) CloseAll() {
	for _, w := range h.Windows() {
		h.Close(w.ID)
	}
}

// Resize recomputes capacity and evicts the oldest windows that no longer fit.
func (h *ModalHost) Resize(viewportWidth int) []domain.ModalWindow {
	h.mu.Lock()
	h.capacity = CapacityFor(viewportWidth, h.cfg)
	var evicted []domain.ModalWindow
	for len(h.windows) > h.capacity {
		evicted = append(evicted, h.windows[0])
		h.windows = h.windows[1:]
	}
	n := len(h.windows)
	h.mu.Unlock()

	h.metrics.OpenWindows(n)
	for _, w := range evicted {
		h.cleanup(w, "modal_evict")
	}
	return evicted
}

func (h *ModalHost) cleanup(w domain.ModalWindow, trigger string) {
	if !w.Bound() || h.sessions == nil {
		return
	}
	id := w.BoundSessionID
	h.deferred.Go("window_cleanup", func(ctx context.Context) {
		if h.sessions.EndSession(ctx, id, trigger) {
			h.logger.Info().Str("window_id", w.ID).Str("session_id", id.String()).Msg("Call ended with its window")
		}
	})
}

func (h *ModalHost) indexLocked(id string) int {
	for i, w := range h.windows {
		if w.ID == id {
			return i
		}
	}
	return -1
}
