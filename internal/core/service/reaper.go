package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const reapedHistory = 128

// Teardown is everything the reaper may need to release. Any field may be empty.
type Teardown struct {
	SessionID domain.SessionID
	RoomName  string
	QueryID   domain.QueryID
	Engine    port.Engine
}

// ResourceReaper releases engine, media and backend resources of a session. It runs at
// most once per session id; a teardown without a session id always runs and only
// touches what it is given.
type ResourceReaper struct {
	rooms    port.RoomBackend
	media    port.MediaSurface
	deferred *Deferred
	metrics  *metrics.Collector
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	reaped  map[domain.SessionID]struct{}
	order   []domain.SessionID
	release func(domain.SessionID)
	runs    int
}

func NewResourceReaper(rooms port.RoomBackend, media port.MediaSurface, deferred *Deferred, m *metrics.Collector) *ResourceReaper {
	return &ResourceReaper{
		rooms:    rooms,
		media:    media,
		deferred: deferred,
		metrics:  m,
		timeout:  10 * time.Second,
		logger:   log.With().Str("component", "reaper").Logger(),
		reaped:   make(map[domain.SessionID]struct{}),
	}
}

// OnRelease sets the hook run as the last step, after resources are released.
func (r *ResourceReaper) OnRelease(fn func(domain.SessionID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release = fn
}

// Runs returns how many teardowns actually executed.
func (r *ResourceReaper) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// Reap tears td down. It never panics or returns an error; it reports whether it ran.
func (r *ResourceReaper) Reap(ctx context.Context, td Teardown, trigger string) bool {
	if !r.claim(td.SessionID) {
		r.logger.Debug().Str("session_id", td.SessionID.String()).Str("trigger", trigger).Msg("Session already reaped")
		return false
	}
	r.metrics.ReaperRun(trigger)

	l := r.logger.With().Str("session_id", td.SessionID.String()).Str("trigger", trigger).Logger()
	l.Info().Str("room", td.RoomName).Msg("Reaping session resources")

	r.step(l, "leave", func() {
		if td.Engine == nil {
			return
		}
		if err := td.Engine.Leave(ctx); err != nil {
			l.Debug().Err(err).Msg("Engine leave failed, continuing")
		}
		if err := td.Engine.Destroy(); err != nil {
			l.Debug().Err(err).Msg("Engine destroy failed, continuing")
		}
	})

	r.step(l, "stop_tracks", func() {
		if r.media == nil || td.SessionID.IsZero() {
			return
		}
		for _, el := range r.media.Elements(td.SessionID) {
			if err := el.StopTracks(); err != nil {
				l.Warn().Err(err).Str("element", el.ID()).Msg("Failed to stop media tracks")
			}
		}
	})

	r.step(l, "remove_embedded", func() {
		if r.media == nil || td.SessionID.IsZero() {
			return
		}
		if err := r.media.RemoveEmbedded(td.SessionID); err != nil {
			l.Warn().Err(err).Msg("Failed to remove embedded engine element")
		}
	})

	if td.RoomName != "" && r.rooms != nil {
		room := td.RoomName
		r.background("delete_room", func(ctx context.Context) {
			err := r.rooms.DeleteRoom(ctx, room)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrNotFound):
				l.Debug().Str("room", room).Msg("Room already deleted by the other side")
			default:
				r.metrics.BackendError("delete_room")
				l.Warn().Err(err).Str("room", room).Msg("Room deletion failed")
			}
		})
	}

	if td.QueryID != 0 && r.rooms != nil {
		query := td.QueryID
		r.background("revert_mode", func(ctx context.Context) {
			if err := r.rooms.SetCommunicationMode(ctx, query, domain.CommunicationText); err != nil {
				r.metrics.BackendError("set_mode")
				l.Warn().Err(err).Str("query_id", query.String()).Msg("Reverting communication mode failed")
			}
		})
	}

	r.step(l, "release", func() {
		r.mu.Lock()
		release := r.release
		r.mu.Unlock()
		if release != nil {
			release(td.SessionID)
		}
	})
	return true
}

func (r *ResourceReaper) claim(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !id.IsZero() {
		if _, done := r.reaped[id]; done {
			return false
		}
		r.reaped[id] = struct{}{}
		r.order = append(r.order, id)
		if len(r.order) > reapedHistory {
			delete(r.reaped, r.order[0])
			r.order = r.order[1:]
		}
	}
	r.runs++
	return true
}

func (r *ResourceReaper) step(l zerolog.Logger, name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.Error().Str("step", name).Interface("panic", rec).Msg("Reaper step panicked")
		}
	}()
	fn()
}

func (r *ResourceReaper) background(name string, fn func(ctx context.Context)) {
	run := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		fn(ctx)
	}
	if r.deferred != nil {
		r.deferred.Go(name, run)
		return
	}
	go run(context.Background())
}
