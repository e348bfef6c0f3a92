package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval = 5 * time.Second

	requestCacheSize = 256
)

// sessionStarter is the part of SessionCoordinator the broker needs.
type sessionStarter interface {
	Start(ctx context.Context, req StartRequest) (*domain.CallSession, error)
	State() domain.CallState
	Deferred() *Deferred
}

type BrokerConfig struct {
	// UserID is the local user, recorded as initiator of created requests.
	UserID       domain.UserID
	PollInterval time.Duration
}

// CallRequestBroker negotiates invitations before a session exists. Push events are
// only hints to re-fetch; the backend is the source of truth.
type CallRequestBroker struct {
	backend  port.Backend
	sessions sessionStarter
	push     port.PushChannel
	metrics  *metrics.Collector
	cfg      BrokerConfig
	logger   zerolog.Logger

	mu        sync.Mutex
	cache     map[domain.RequestID]domain.CallRequest
	order     []domain.RequestID
	outgoing  map[domain.RequestID]struct{}
	watched   map[domain.QueryID]struct{}
	listeners []func(domain.QueryID, []domain.CallRequest)
}

func NewCallRequestBroker(backend port.Backend, sessions sessionStarter, push port.PushChannel, m *metrics.Collector, cfg BrokerConfig) *CallRequestBroker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &CallRequestBroker{
		backend:  backend,
		sessions: sessions,
		push:     push,
		metrics:  m,
		cfg:      cfg,
		logger:   log.With().Str("component", "broker").Logger(),
		cache:    make(map[domain.RequestID]domain.CallRequest),
		outgoing: make(map[domain.RequestID]struct{}),
		watched:  make(map[domain.QueryID]struct{}),
	}
}

// CreateRequest persists a PENDING invitation for the conversation.
func (b *CallRequestBroker) CreateRequest(ctx context.Context, queryID domain.QueryID, mode domain.Mode, message string) (domain.CallRequest, error) {
	req, err := domain.NewCallRequest(queryID, b.cfg.UserID, mode, message)
	if err != nil {
		return domain.CallRequest{}, err
	}
	created, err := b.backend.CreateCallRequest(ctx, *req)
	if err != nil {
		b.metrics.BackendError("create_request")
		return domain.CallRequest{}, asBackendError("create_request", err)
	}
	b.remember(created)
	b.mu.Lock()
	b.outgoing[created.ID] = struct{}{}
	b.mu.Unlock()
	b.metrics.RequestTransition(string(created.Status))
	b.logger.Info().Str("request_id", created.ID.String()).Str("query_id", queryID.String()).Msg("Call requested")
	return created, nil
}

func (b *CallRequestBroker) ListRequests(ctx context.Context, queryID domain.QueryID) ([]domain.CallRequest, error) {
	if queryID == 0 {
		return nil, domain.NewValidationError("MISSING_QUERY_ID", "listing requests needs a query id")
	}
	reqs, err := b.backend.ListCallRequests(ctx, queryID)
	if err != nil {
		b.metrics.BackendError("list_requests")
		return nil, asBackendError("list_requests", err)
	}
	for _, r := range reqs {
		b.remember(r)
	}
	return reqs, nil
}

// AcceptRequest marks the request accepted and starts the session with the peer role
// credentials the backend returns. A request that is no longer pending starts nothing,
// and neither does one accepted while this client is already in a call.
func (b *CallRequestBroker) AcceptRequest(ctx context.Context, id domain.RequestID) (*domain.CallSession, error) {
	if id.IsZero() {
		return nil, domain.NewValidationError("MISSING_REQUEST_ID", "accept needs a request id")
	}
	if cached, ok := b.cached(id); ok && cached.Status.Terminal() {
		return nil, domain.ErrRequestNotPending
	}
	// Ending is fine, Start waits for the release
	if b.sessions != nil && b.sessions.State().InCall() {
		b.logger.Info().Str("request_id", id.String()).Msg("Accept refused, already in a call")
		return nil, domain.ErrAlreadyInCall
	}

	update, err := b.backend.UpdateCallRequest(ctx, id, domain.RequestAccepted)
	if err != nil {
		if domain.IsKind(err, domain.KindConflict) {
			if !update.Request.ID.IsZero() {
				b.remember(update.Request)
			}
			b.logger.Info().Str("request_id", id.String()).Msg("Accept lost, request no longer pending")
			return nil, domain.ErrRequestNotPending.WithCause(err)
		}
		b.metrics.BackendError("accept_request")
		return nil, asBackendError("accept_request", err)
	}
	b.remember(update.Request)
	b.metrics.RequestTransition(string(domain.RequestAccepted))

	if update.Room == nil {
		return nil, domain.NewBackendError("accept_request", errors.New("acceptance carried no room"))
	}
	if b.sessions == nil {
		return nil, domain.NewValidationError("NO_SESSIONS", "broker cannot start sessions")
	}
	req := update.Request
	s, err := b.sessions.Start(ctx, StartRequest{
		PeerID:  req.InitiatorID,
		Mode:    req.Mode,
		QueryID: req.QueryID,
		Room:    update.Room,
		Role:    domain.RolePeer,
	})
	if err != nil {
		b.logger.Warn().Err(err).Str("request_id", id.String()).Msg("Session for accepted request did not start")
		b.releaseRoom(update.Room.RoomName)
	}
	return s, err
}

// JoinAccepted starts the initiator side of an accepted request with the initiator
// credentials stored on it.
func (b *CallRequestBroker) JoinAccepted(ctx context.Context, req domain.CallRequest) (*domain.CallSession, error) {
	if req.Status != domain.RequestAccepted {
		return nil, domain.NewValidationError("REQUEST_NOT_ACCEPTED", "only accepted requests can be joined")
	}
	if req.Room == nil || !req.Room.Roles.Initiator.Valid() {
		return nil, domain.NewValidationError("MISSING_CREDENTIALS", "accepted request carries no initiator credentials")
	}
	if b.sessions == nil {
		return nil, domain.NewValidationError("NO_SESSIONS", "broker cannot start sessions")
	}
	b.mu.Lock()
	delete(b.outgoing, req.ID)
	b.mu.Unlock()

	b.logger.Info().Str("request_id", req.ID.String()).Str("room", req.Room.RoomName).Msg("Request accepted, joining as initiator")
	return b.sessions.Start(ctx, StartRequest{
		Mode:    req.Mode,
		QueryID: req.QueryID,
		Room:    req.Room,
		Role:    domain.RoleInitiator,
	})
}

// joinAccepted joins the requests this client created once they show up accepted.
// Each request is joined at most once.
func (b *CallRequestBroker) joinAccepted(ctx context.Context, reqs []domain.CallRequest) {
	for _, r := range reqs {
		if !b.claimOutgoing(r) {
			continue
		}
		if _, err := b.JoinAccepted(ctx, r); err != nil {
			b.logger.Warn().Err(err).Str("request_id", r.ID.String()).Msg("Joining accepted request failed")
		}
	}
}

func (b *CallRequestBroker) claimOutgoing(r domain.CallRequest) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.outgoing[r.ID]; !ok || !r.Status.Terminal() {
		return false
	}
	delete(b.outgoing, r.ID)
	return r.Status == domain.RequestAccepted && b.sessions != nil
}

// releaseRoom deletes a granted room no session will use.
func (b *CallRequestBroker) releaseRoom(name string) {
	if name == "" || b.sessions == nil {
		return
	}
	b.sessions.Deferred().Go("delete_room", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err := b.backend.DeleteRoom(ctx, name)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			b.metrics.BackendError("delete_room")
			b.logger.Warn().Err(err).Str("room", name).Msg("Releasing unused room failed")
		}
	})
}

func (b *CallRequestBroker) DeclineRequest(ctx context.Context, id domain.RequestID) (domain.CallRequest, error) {
	return b.terminate(ctx, id, domain.RequestDeclined)
}

func (b *CallRequestBroker) CancelRequest(ctx context.Context, id domain.RequestID) (domain.CallRequest, error) {
	return b.terminate(ctx, id, domain.RequestCancelled)
}

// terminate is idempotent: repeating the same terminal status returns the stored request.
func (b *CallRequestBroker) terminate(ctx context.Context, id domain.RequestID, status domain.RequestStatus) (domain.CallRequest, error) {
	if id.IsZero() {
		return domain.CallRequest{}, domain.NewValidationError("MISSING_REQUEST_ID", "request id is required")
	}
	if cached, ok := b.cached(id); ok && cached.Status.Terminal() {
		if cached.Status == status {
			return cached, nil
		}
		return cached, domain.ErrRequestNotPending
	}

	update, err := b.backend.UpdateCallRequest(ctx, id, status)
	if err != nil {
		if domain.IsKind(err, domain.KindConflict) && !update.Request.ID.IsZero() {
			b.remember(update.Request)
			if update.Request.Status == status {
				return update.Request, nil
			}
			return update.Request, domain.ErrRequestNotPending.WithCause(err)
		}
		if domain.IsKind(err, domain.KindConflict) {
			return domain.CallRequest{}, err
		}
		b.metrics.BackendError("update_request")
		return domain.CallRequest{}, asBackendError("update_request", err)
	}
	b.remember(update.Request)
	b.mu.Lock()
	delete(b.outgoing, id)
	b.mu.Unlock()
	b.metrics.RequestTransition(string(status))
	b.logger.Info().Str("request_id", id.String()).Str("status", string(status)).Msg("Call request closed")
	return update.Request, nil
}

// Watch adds a conversation to push-driven and polled refreshes.
func (b *CallRequestBroker) Watch(queryID domain.QueryID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watched[queryID] = struct{}{}
}

func (b *CallRequestBroker) Unwatch(queryID domain.QueryID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watched, queryID)
}

// OnRefresh registers a listener for refreshed request lists.
func (b *CallRequestBroker) OnRefresh(fn func(domain.QueryID, []domain.CallRequest)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Refresh re-fetches one conversation, joins requests of ours that were accepted and
// notifies listeners.
func (b *CallRequestBroker) Refresh(ctx context.Context, queryID domain.QueryID) error {
	reqs, err := b.ListRequests(ctx, queryID)
	if err != nil {
		b.logger.Warn().Err(err).Str("query_id", queryID.String()).Msg("Refresh failed")
		return err
	}
	b.joinAccepted(ctx, reqs)
	b.mu.Lock()
	listeners := append([]func(domain.QueryID, []domain.CallRequest){}, b.listeners...)
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(queryID, reqs)
	}
	return nil
}

// RefreshWatched refreshes every watched conversation.
func (b *CallRequestBroker) RefreshWatched(ctx context.Context) {
	for _, q := range b.watchedQueries() {
		_ = b.Refresh(ctx, q)
	}
}

// Run consumes push events and polls watched conversations while the push channel
// is down. It returns when ctx is done.
func (b *CallRequestBroker) Run(ctx context.Context) {
	sched := cron.New()
	sched.Schedule(cron.Every(b.cfg.PollInterval), cron.FuncJob(func() {
		if b.push != nil && b.push.Connected() {
			return
		}
		b.logger.Debug().Msg("Push channel unavailable, polling")
		b.RefreshWatched(ctx)
	}))
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	var events <-chan domain.PushEvent
	if b.push != nil {
		events = b.push.Events()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.HandlePush(ctx, ev)
		}
	}
}

// HandlePush treats ev as a trigger to re-fetch its conversation.
func (b *CallRequestBroker) HandlePush(ctx context.Context, ev domain.PushEvent) {
	b.mu.Lock()
	_, ok := b.watched[ev.QueryID]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.logger.Debug().Str("type", string(ev.Type)).Str("query_id", ev.QueryID.String()).Msg("Push hint received")
	_ = b.Refresh(ctx, ev.QueryID)
}

func (b *CallRequestBroker) watchedQueries() []domain.QueryID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.QueryID, 0, len(b.watched))
	for q := range b.watched {
		out = append(out, q)
	}
	return out
}

func (b *CallRequestBroker) remember(r domain.CallRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.cache[r.ID]
	if ok && prev.Status.Terminal() {
		return
	}
	b.cache[r.ID] = r
	if ok {
		return
	}
	b.order = append(b.order, r.ID)
	if len(b.order) > requestCacheSize {
		delete(b.cache, b.order[0])
		b.order = b.order[1:]
	}
}

func (b *CallRequestBroker) cached(id domain.RequestID) (domain.CallRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.cache[id]
	return r, ok
}

// asBackendError keeps classified errors and wraps the rest as transient.
func asBackendError(op string, err error) error {
	if domain.KindOf(err) != "" {
		return err
	}
	return domain.NewBackendError(op, err)
}
