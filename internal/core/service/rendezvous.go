package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultSweepInterval = time.Minute

type RendezvousConfig struct {
	// PublicBaseURL prefixes room names to build room URLs.
	PublicBaseURL string
	DefaultTTL    time.Duration
}

// RendezvousService is the backend side of the call flow: it allocates rooms, tracks
// conversation modes and owns the call request lifecycle.
type RendezvousService struct {
	repo    port.Repository
	gateway port.RealTimeGateway
	metrics *metrics.Collector
	cfg     RendezvousConfig
	now     func() time.Time
	logger  zerolog.Logger
}

func NewRendezvousService(repo port.Repository, gateway port.RealTimeGateway, m *metrics.Collector, cfg RendezvousConfig) *RendezvousService {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultRoomTTL
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &RendezvousService{
		repo:    repo,
		gateway: gateway,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
		logger:  log.With().Str("component", "rendezvous").Logger(),
	}
}

// CreateRoom allocates a room with distinct credentials for each role.
func (s *RendezvousService) CreateRoom(ctx context.Context, spec domain.RoomSpec) (domain.RoomGrant, error) {
	if spec.ParticipantID == 0 {
		return domain.RoomGrant{}, domain.NewValidationError("MISSING_PARTICIPANT_ID", "participantId is required")
	}
	if !spec.Mode.Valid() {
		return domain.RoomGrant{}, domain.NewValidationError("INVALID_MODE", "mode must be AUDIO or VIDEO")
	}
	name := strings.TrimSpace(spec.CustomRoomName)
	if name == "" {
		name = "ya-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	exists, err := s.repo.RoomExists(ctx, name)
	if err != nil {
		return domain.RoomGrant{}, fmt.Errorf("check room %s: %w", name, err)
	}
	if exists {
		return domain.RoomGrant{}, domain.NewConflictError("ROOM_EXISTS", fmt.Sprintf("room %q already exists", name))
	}

	ttl := s.cfg.DefaultTTL
	if spec.ExpiryMinutes > 0 {
		ttl = time.Duration(spec.ExpiryMinutes) * time.Minute
	}
	url := s.cfg.PublicBaseURL + "/" + name
	grant := domain.RoomGrant{
		RoomName: name,
		Roles: domain.RoleSet{
			Initiator: domain.RoleCredentials{RoomURL: url, Token: newToken()},
			Peer:      domain.RoleCredentials{RoomURL: url, Token: newToken()},
		},
	}
	if err := s.repo.SaveRoom(ctx, port.Room{
		Name:          name,
		ParticipantID: spec.ParticipantID,
		Mode:          spec.Mode,
		Roles:         grant.Roles,
		ExpiresAt:     s.now().Add(ttl).Unix(),
	}); err != nil {
		return domain.RoomGrant{}, fmt.Errorf("save room %s: %w", name, err)
	}
	s.logger.Info().Str("room", name).Str("mode", string(spec.Mode)).Dur("ttl", ttl).Msg("Room allocated")
	return grant, nil
}

func (s *RendezvousService) DeleteRoom(ctx context.Context, name string) error {
	if name == "" {
		return domain.NewValidationError("MISSING_ROOM_NAME", "room name is required")
	}
	if err := s.repo.DeleteRoom(ctx, name); err != nil {
		return err
	}
	s.logger.Info().Str("room", name).Msg("Room deleted")
	return nil
}

func (s *RendezvousService) SetCommunicationMode(ctx context.Context, queryID domain.QueryID, mode domain.CommunicationMode) error {
	if queryID == 0 {
		return domain.NewValidationError("MISSING_QUERY_ID", "query id is required")
	}
	switch mode {
	case domain.CommunicationText, domain.CommunicationAudio, domain.CommunicationVideo:
	default:
		return domain.NewValidationError("INVALID_COMMUNICATION_MODE", fmt.Sprintf("unknown communication mode %q", mode))
	}
	return s.repo.SetCommunicationMode(ctx, queryID, mode)
}

func (s *RendezvousService) CommunicationMode(ctx context.Context, queryID domain.QueryID) (domain.CommunicationMode, error) {
	return s.repo.CommunicationMode(ctx, queryID)
}

// CreateCallRequest stores a new PENDING request and hints subscribers.
func (s *RendezvousService) CreateCallRequest(ctx context.Context, in domain.CallRequest) (domain.CallRequest, error) {
	req, err := domain.NewCallRequest(in.QueryID, in.InitiatorID, in.Mode, in.Message)
	if err != nil {
		return domain.CallRequest{}, err
	}
	if err := s.repo.SaveRequest(ctx, *req); err != nil {
		return domain.CallRequest{}, fmt.Errorf("save request: %w", err)
	}
	s.metrics.RequestTransition(string(req.Status))
	s.publish(ctx, domain.PushEvent{
		Type:      domain.PushCallRequested,
		QueryID:   req.QueryID,
		RequestID: req.ID.String(),
		Status:    req.Status,
	})
	return *req, nil
}

// UpdateCallRequest closes a pending request. Acceptance allocates the room first so
// that only the winning acceptor ends up with one.
func (s *RendezvousService) UpdateCallRequest(ctx context.Context, id domain.RequestID, status domain.RequestStatus) (domain.RequestUpdate, error) {
	if !status.Terminal() {
		return domain.RequestUpdate{}, domain.NewValidationError("INVALID_REQUEST_STATUS", fmt.Sprintf("cannot set status %q", status))
	}
	current, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return domain.RequestUpdate{}, err
	}
	if current.Status.Terminal() {
		return domain.RequestUpdate{Request: current.InitiatorView()}, domain.ErrRequestNotPending
	}

	var grant *domain.RoomGrant
	if status == domain.RequestAccepted {
		g, err := s.CreateRoom(ctx, domain.RoomSpec{
			ParticipantID: current.InitiatorID,
			Mode:          current.Mode,
			ExpiryMinutes: int(s.cfg.DefaultTTL / time.Minute),
		})
		if err != nil {
			return domain.RequestUpdate{}, err
		}
		grant = &g
	}

	updated, err := s.repo.UpdateRequest(ctx, id, func(r *domain.CallRequest) error {
		if err := r.Transition(status); err != nil {
			return err
		}
		r.Room = grant
		return nil
	})
	if err != nil {
		if grant != nil {
			if derr := s.repo.DeleteRoom(ctx, grant.RoomName); derr != nil {
				s.logger.Warn().Err(derr).Str("room", grant.RoomName).Msg("Releasing room of lost acceptance failed")
			}
		}
		return domain.RequestUpdate{Request: updated.InitiatorView()}, err
	}

	if grant != nil {
		if err := s.repo.SetCommunicationMode(ctx, updated.QueryID, domain.CommunicationModeFor(updated.Mode)); err != nil {
			s.logger.Warn().Err(err).Str("query_id", updated.QueryID.String()).Msg("Setting communication mode failed")
		}
	}
	s.metrics.RequestTransition(string(status))
	s.logger.Info().Str("request_id", id.String()).Str("status", string(status)).Msg("Call request updated")
	s.publish(ctx, domain.PushEvent{
		Type:      domain.PushCallStatusChanged,
		QueryID:   updated.QueryID,
		RequestID: updated.ID.String(),
		Status:    updated.Status,
	})
	return domain.RequestUpdate{Request: updated.InitiatorView(), Room: grant}, nil
}

func (s *RendezvousService) ListCallRequests(ctx context.Context, queryID domain.QueryID) ([]domain.CallRequest, error) {
	if queryID == 0 {
		return nil, domain.NewValidationError("MISSING_QUERY_ID", "queryId is required")
	}
	reqs, err := s.repo.ListRequests(ctx, queryID)
	if err != nil {
		return nil, err
	}
	for i := range reqs {
		reqs[i] = reqs[i].InitiatorView()
	}
	return reqs, nil
}

// SweepExpired deletes rooms whose TTL ran out before now.
func (s *RendezvousService) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	names, err := s.repo.DeleteExpiredRooms(ctx, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep rooms: %w", err)
	}
	if len(names) > 0 {
		s.logger.Info().Strs("rooms", names).Msg("Expired rooms deleted")
	}
	return len(names), nil
}

// RunSweeper sweeps expired rooms every interval until ctx is done.
func (s *RendezvousService) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultSweepInterval
	}
	sched := cron.New()
	sched.Schedule(cron.Every(every), cron.FuncJob(func() {
		if _, err := s.SweepExpired(ctx, s.now()); err != nil {
			s.logger.Warn().Err(err).Msg("Room sweep failed")
		}
	}))
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
}

func (s *RendezvousService) publish(ctx context.Context, ev domain.PushEvent) {
	if s.gateway == nil {
		return
	}
	if err := s.gateway.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("Push publish failed")
	}
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
