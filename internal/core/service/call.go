package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	evConnect = "connect"
	evJoin    = "join"
	evEnd     = "end"
	evReset   = "reset"
)

const (
	DefaultRoomTTL           = 60 * time.Minute
	DefaultActivityInterval  = 400 * time.Millisecond
	DefaultSpeakingThreshold = 0.02
	defaultEventBuffer       = 256
)

type CoordinatorConfig struct {
	RoomTTL           time.Duration
	ActivityInterval  time.Duration
	SpeakingThreshold float64
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.RoomTTL <= 0 {
		c.RoomTTL = DefaultRoomTTL
	}
	if c.ActivityInterval <= 0 {
		c.ActivityInterval = DefaultActivityInterval
	}
	if c.SpeakingThreshold <= 0 {
		c.SpeakingThreshold = DefaultSpeakingThreshold
	}
}

type CoordinatorDeps struct {
	Rooms    port.RoomBackend
	Engines  port.EngineFactory
	Media    port.MediaSurface
	Deferred *Deferred
	Store    *CallStore
	Metrics  *metrics.Collector
}

// StartRequest describes a session to start. Without Room, one is allocated for PeerID.
type StartRequest struct {
	PeerID   domain.UserID
	Mode     domain.Mode
	QueryID  domain.QueryID
	Room     *domain.RoomGrant
	Role     domain.Role
	RoomName string
}

func (r StartRequest) validate() error {
	if r.Room == nil && r.PeerID == 0 {
		return domain.NewValidationError("MISSING_PEER_ID", "start needs a peer id")
	}
	if !r.Mode.Valid() {
		return domain.NewValidationError("MISSING_MODE", "start needs a call mode")
	}
	return nil
}

// engineLease is the ownership token for the single engine instance.
type engineLease struct {
	attempt uint64
	engine  port.Engine
	session *domain.CallSession
}

type engineSignal struct {
	attempt uint64
	engine  port.Engine
	event   domain.EngineEvent
}

// SessionCoordinator owns the live call session and its engine.
//
// State moves Idle -> Connecting -> Active -> Ending -> Idle. Engine callbacks are
// queued and applied one at a time by Run. Each Start takes a new attempt number; a
// continuation whose attempt is no longer the latest drops its result.
type SessionCoordinator struct {
	rooms    port.RoomBackend
	engines  port.EngineFactory
	deferred *Deferred
	store    *CallStore
	metrics  *metrics.Collector
	cfg      CoordinatorConfig
	logger   zerolog.Logger

	devices *DeviceController
	reaper  *ResourceReaper
	sampler *ActivitySampler

	mu      sync.Mutex
	machine *fsm.FSM
	attempt uint64
	lease   *engineLease
	// settled is closed and replaced each time the state leaves Ending.
	settled chan struct{}

	events    chan engineSignal
	quit      chan struct{}
	closeOnce sync.Once
}

func NewSessionCoordinator(deps CoordinatorDeps, cfg CoordinatorConfig) *SessionCoordinator {
	cfg.applyDefaults()
	if deps.Deferred == nil {
		deps.Deferred = NewDeferred()
	}
	if deps.Store == nil {
		deps.Store = NewCallStore()
	}

	c := &SessionCoordinator{
		rooms:    deps.Rooms,
		engines:  deps.Engines,
		deferred: deps.Deferred,
		store:    deps.Store,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   log.With().Str("component", "coordinator").Logger(),
		events:   make(chan engineSignal, defaultEventBuffer),
		settled:  make(chan struct{}),
		quit:     make(chan struct{}),
	}
	c.devices = newDeviceController(c, deps.Store)
	c.sampler = NewActivitySampler(cfg.ActivityInterval, cfg.SpeakingThreshold, deps.Store)
	c.reaper = NewResourceReaper(deps.Rooms, deps.Media, deps.Deferred, deps.Metrics)
	c.reaper.OnRelease(c.release)

	idle := string(domain.StateIdle)
	connecting := string(domain.StateConnecting)
	active := string(domain.StateActive)
	ending := string(domain.StateEnding)
	c.machine = fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: evConnect, Src: []string{idle}, Dst: connecting},
			{Name: evJoin, Src: []string{connecting}, Dst: active},
			{Name: evEnd, Src: []string{connecting, active}, Dst: ending},
			{Name: evReset, Src: []string{ending}, Dst: idle},
		},
		fsm.Callbacks{
			// runs with c.mu held
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug().Str("from", e.Src).Str("to", e.Dst).Str("event", e.Event).Msg("State changed")
				if e.Src == ending {
					close(c.settled)
					c.settled = make(chan struct{})
				}
				c.publishLocked()
			},
		},
	)
	return c
}

func (c *SessionCoordinator) Devices() *DeviceController { return c.devices }
func (c *SessionCoordinator) Reaper() *ResourceReaper    { return c.reaper }
func (c *SessionCoordinator) Store() *CallStore          { return c.store }
func (c *SessionCoordinator) Deferred() *Deferred        { return c.deferred }

func (c *SessionCoordinator) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Session returns a copy of the owned session, or nil.
func (c *SessionCoordinator) Session() *domain.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lease == nil {
		return nil
	}
	return c.lease.session.Clone()
}

// Start brings up a session. It returns once the engine was asked to join; the move to
// Active happens in Run when the engine reports it joined.
func (c *SessionCoordinator) Start(ctx context.Context, req StartRequest) (*domain.CallSession, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Role == "" {
		req.Role = domain.RoleInitiator
	}
	if req.Room == nil && c.rooms == nil {
		return nil, domain.NewValidationError("MISSING_ROOM", "no room given and no backend to allocate one")
	}

	my, err := c.beginAttempt(ctx)
	if err != nil {
		return nil, err
	}
	l := c.logger.With().Uint64("attempt", my).Str("peer_id", req.PeerID.String()).Logger()

	grant, allocated := req.Room, false
	if grant == nil {
		g, err := c.rooms.CreateRoom(ctx, domain.RoomSpec{
			ParticipantID:  req.PeerID,
			Mode:           req.Mode,
			ExpiryMinutes:  int(c.cfg.RoomTTL / time.Minute),
			CustomRoomName: req.RoomName,
		})
		if err != nil {
			c.metrics.BackendError("create_room")
			l.Error().Err(err).Msg("Room allocation failed")
			c.failAttempt(my)
			return nil, domain.NewBackendError("create_room", err)
		}
		grant, allocated = &g, true
	}
	if !grant.Roles.For(req.Role).Valid() {
		if allocated {
			c.dropRoom(grant.RoomName)
		}
		c.failAttempt(my)
		return nil, domain.NewValidationError("MISSING_CREDENTIALS", "room grant has no url or token for role "+string(req.Role))
	}

	c.mu.Lock()
	if my != c.attempt {
		c.mu.Unlock()
		c.metrics.StaleAttempt()
		l.Info().Msg("Attempt superseded before engine construction, discarding room")
		if allocated {
			c.dropRoom(grant.RoomName)
		}
		return nil, domain.ErrSuperseded
	}

	// a newer attempt always wins the engine slot
	if old := c.lease; old != nil {
		c.lease = nil
		l.Info().Str("session_id", old.session.ID.String()).Msg("Destroying engine of superseded attempt")
		c.retireLocked(old, "superseded")
	}

	session := domain.NewCallSession(*grant, req.Role, req.Mode, req.PeerID, req.QueryID)
	engine, err := c.engines.NewEngine(domain.EngineConfig{
		URL:   session.RoomURL,
		Token: session.Token(),
		Audio: true,
		Video: req.Mode == domain.ModeVideo,
	})
	if err != nil {
		c.settleLocked()
		c.mu.Unlock()
		if allocated {
			c.dropRoom(grant.RoomName)
		}
		return nil, domain.NewEngineError("construct", err)
	}

	lease := &engineLease{attempt: my, engine: engine, session: session}
	c.lease = lease
	for _, t := range domain.EngineEventTypes {
		engine.On(t, func(ev domain.EngineEvent) {
			c.post(engineSignal{attempt: my, engine: engine, event: ev})
		})
	}
	if c.stateLocked() == domain.StateIdle {
		c.fireLocked(evConnect)
	} else {
		c.publishLocked()
	}
	c.mu.Unlock()

	l.Info().Str("session_id", session.ID.String()).Str("room", session.RoomName).Str("mode", string(req.Mode)).Msg("Joining room")
	if err := engine.Join(ctx); err != nil {
		l.Error().Err(err).Msg("Engine join failed")
		c.mu.Lock()
		if c.lease == lease {
			c.noticeLocked("call failed to connect")
			c.beginTeardownLocked("join_failed", "engine_error")
		}
		c.mu.Unlock()
		return nil, domain.NewEngineError("join", err)
	}
	return session.Clone(), nil
}

// beginAttempt rejects a start while a call is in progress and otherwise hands out
// the next attempt number. During Ending it waits for the session release only; backend
// cleanup queued behind it keeps running.
func (c *SessionCoordinator) beginAttempt(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	for c.stateLocked() == domain.StateEnding {
		settled := c.settled
		c.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	if c.stateLocked().InCall() && (c.lease == nil || c.lease.attempt == c.attempt) {
		c.metrics.StartConflict()
		c.noticeLocked(domain.ErrAlreadyInCall.Message)
		c.logger.Info().Str("state", c.stateLocked().String()).Msg("Start rejected, already in a call")
		return 0, domain.ErrAlreadyInCall
	}
	c.attempt++
	return c.attempt, nil
}

// failAttempt cleans up after the latest attempt failed before owning an engine.
func (c *SessionCoordinator) failAttempt(my uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if my == c.attempt {
		c.settleLocked()
	}
}

// settleLocked leaves no Connecting state behind without a live owner.
func (c *SessionCoordinator) settleLocked() {
	if c.lease != nil && c.lease.attempt != c.attempt {
		c.beginTeardownLocked("superseded", "superseded")
		return
	}
	if c.lease == nil && c.stateLocked().InCall() {
		c.beginTeardownLocked("failed", "start_failed")
	}
}

// End tears the current session down. It is safe to call at any time and any number
// of times; failures are logged, never returned.
func (c *SessionCoordinator) End(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// any start still in flight becomes stale
	c.attempt++
	switch st := c.stateLocked(); {
	case st == domain.StateEnding:
		return
	case st.InCall():
		c.logger.Info().Msg("Ending call")
		c.beginTeardownLocked("ended", "end")
	default:
		c.deferred.Go("reap", func(ctx context.Context) {
			c.reaper.Reap(ctx, Teardown{}, "end")
		})
	}
}

// EndSession ends the call only if id is the session currently connecting or active.
func (c *SessionCoordinator) EndSession(ctx context.Context, id domain.SessionID, trigger string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lease == nil || c.lease.session.ID != id || !c.stateLocked().InCall() {
		return false
	}
	c.attempt++
	c.beginTeardownLocked("closed", trigger)
	return true
}

// IsLive reports whether id is the session currently connecting or active.
func (c *SessionCoordinator) IsLive(id domain.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease != nil && c.lease.session.ID == id && c.stateLocked().InCall()
}

// Run applies engine events until ctx is done or Close is called.
func (c *SessionCoordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case sig := <-c.events:
			c.handle(sig)
		}
	}
}

// Shutdown ends any call and waits for background cleanup.
func (c *SessionCoordinator) Shutdown(ctx context.Context) error {
	c.End(ctx)
	err := c.deferred.Flush(ctx)
	c.closeOnce.Do(func() { close(c.quit) })
	c.sampler.Stop()
	return err
}

func (c *SessionCoordinator) post(sig engineSignal) {
	select {
	case c.events <- sig:
	case <-c.quit:
	}
}

func (c *SessionCoordinator) handle(sig engineSignal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lease := c.lease
	current := lease != nil && lease.engine == sig.engine && sig.attempt == c.attempt
	l := c.logger.With().Uint64("attempt", sig.attempt).Str("event", string(sig.event.Type)).Logger()

	if !current {
		if sig.event.Type == domain.EventJoinedMeeting {
			c.metrics.StaleAttempt()
			l.Info().Msg("Stale join, destroying its engine")
			engine := sig.engine
			c.deferred.Go("destroy_stale", func(ctx context.Context) {
				if err := engine.Leave(ctx); err != nil {
					l.Debug().Err(err).Msg("Stale engine leave failed")
				}
				if err := engine.Destroy(); err != nil {
					l.Debug().Err(err).Msg("Stale engine destroy failed")
				}
			})
		}
		return
	}

	switch sig.event.Type {
	case domain.EventJoinedMeeting:
		if c.stateLocked() != domain.StateConnecting {
			return
		}
		if err := lease.session.Advance(domain.SessionStarted); err != nil {
			l.Warn().Err(err).Msg("Session status not advanced")
		}
		lease.session.ParticipantCount = len(lease.engine.Participants())
		c.fireLocked(evJoin)
		c.metrics.SessionStarted()
		c.sampler.Start(lease.engine)
		l.Info().Str("session_id", lease.session.ID.String()).Msg("Call active")

	case domain.EventLeftMeeting:
		if c.stateLocked().InCall() {
			c.beginTeardownLocked("left", "engine_left")
		}

	case domain.EventError:
		l.Error().Err(sig.event.Err).Msg("Fatal engine error")
		if c.stateLocked().InCall() {
			c.noticeLocked(domain.NewEngineError("session", sig.event.Err).Message)
			c.beginTeardownLocked("error", "engine_error")
		}

	case domain.EventParticipantJoined, domain.EventParticipantLeft, domain.EventParticipantUpdated:
		lease.session.ParticipantCount = len(lease.engine.Participants())
		c.publishLocked()
	}
}

// beginTeardownLocked moves to Ending at once and leaves the release to the deferred
// queue. Idle follows when the reaper releases the session.
func (c *SessionCoordinator) beginTeardownLocked(reason, trigger string) {
	lease := c.lease
	if lease != nil {
		if err := lease.session.Advance(domain.SessionEnded); err != nil {
			c.logger.Warn().Err(err).Msg("Session status not advanced")
		}
	}
	if c.stateLocked().InCall() {
		c.fireLocked(evEnd)
	}
	c.sampler.Stop()
	c.metrics.SessionEnded(reason)

	if lease == nil {
		c.deferred.Go("reset", func(ctx context.Context) {
			c.release(domain.SessionID{})
		})
		return
	}
	c.scheduleReap(lease, trigger)
}

// retireLocked releases a lease that is no longer the owner without touching state.
func (c *SessionCoordinator) retireLocked(lease *engineLease, trigger string) {
	if err := lease.session.Advance(domain.SessionEnded); err != nil {
		c.logger.Warn().Err(err).Msg("Session status not advanced")
	}
	c.scheduleReap(lease, trigger)
}

func (c *SessionCoordinator) scheduleReap(lease *engineLease, trigger string) {
	// whichever side ends first deletes the room; a second delete finds nothing
	td := Teardown{
		SessionID: lease.session.ID,
		RoomName:  lease.session.RoomName,
		QueryID:   lease.session.QueryID,
		Engine:    lease.engine,
	}
	c.deferred.Go("reap", func(ctx context.Context) {
		c.reaper.Reap(ctx, td, trigger)
	})
}

// release is the reaper's last step: drop the session reference and settle to Idle.
// Device flags are cleared before Idle is visible, so a waiting start begins clean.
func (c *SessionCoordinator) release(id domain.SessionID) {
	c.mu.Lock()
	live := c.lease == nil || c.lease.session.ID == id
	c.mu.Unlock()

	if live {
		c.devices.Reset()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lease != nil && c.lease.session.ID == id {
		c.lease = nil
	}
	if c.lease == nil && c.stateLocked() == domain.StateEnding {
		c.fireLocked(evReset)
	}
}

func (c *SessionCoordinator) dropRoom(name string) {
	if name == "" || c.rooms == nil {
		return
	}
	c.deferred.Go("delete_room", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.rooms.DeleteRoom(ctx, name); err != nil {
			c.metrics.BackendError("delete_room")
			c.logger.Warn().Err(err).Str("room", name).Msg("Releasing unused room failed")
		}
	})
}

// currentEngine returns the engine of the latest attempt while it is connecting or active.
func (c *SessionCoordinator) currentEngine() (port.Engine, domain.CallState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked()
	if c.lease == nil || c.lease.attempt != c.attempt || !st.InCall() {
		return nil, st
	}
	return c.lease.engine, st
}

func (c *SessionCoordinator) stateLocked() domain.CallState {
	return domain.CallState(c.machine.Current())
}

func (c *SessionCoordinator) fireLocked(event string) {
	err := c.machine.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		c.logger.Error().Err(err).Str("event", event).Msg("Invalid state transition")
	}
}

func (c *SessionCoordinator) publishLocked() {
	st := c.stateLocked()
	var session *domain.CallSession
	var participants []domain.Participant
	if c.lease != nil {
		session = c.lease.session.Clone()
		if st == domain.StateActive {
			participants = c.lease.engine.Participants()
		}
	}
	c.store.Update(func(s *Snapshot) {
		s.State = st
		s.Session = session
		s.Participants = participants
	})
}

func (c *SessionCoordinator) noticeLocked(msg string) {
	c.store.Update(func(s *Snapshot) { s.Notice = msg })
}
