package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	callmem "github.com/Wyydra/yacall/internal/adapter/driven/call/memory"
	mediamem "github.com/Wyydra/yacall/internal/adapter/driven/media/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recordingRooms wraps a RoomBackend, recording calls and optionally holding
// CreateRoom for chosen participants, or every DeleteRoom, until released.
type recordingRooms struct {
	next port.RoomBackend

	mu        sync.Mutex
	created   []domain.RoomGrant
	deleted   []string
	modes     []domain.CommunicationMode
	createErr error
	deleteErr error
	gates     map[domain.UserID]chan struct{}
	entered   map[domain.UserID]chan struct{}

	deleteGate    chan struct{}
	deleteEntered chan struct{}
}

func newRecordingRooms(next port.RoomBackend) *recordingRooms {
	return &recordingRooms{
		next:    next,
		gates:   make(map[domain.UserID]chan struct{}),
		entered: make(map[domain.UserID]chan struct{}),
	}
}

// hold makes CreateRoom for participant block until the returned func is called. The
// returned channel closes once that CreateRoom call is waiting.
func (r *recordingRooms) hold(participant domain.UserID) (<-chan struct{}, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate, entered := make(chan struct{}), make(chan struct{})
	r.gates[participant] = gate
	r.entered[participant] = entered
	var once sync.Once
	return entered, func() { once.Do(func() { close(gate) }) }
}

// holdDeletes makes DeleteRoom block until the returned func is called. The returned
// channel closes once a DeleteRoom call is waiting.
func (r *recordingRooms) holdDeletes() (<-chan struct{}, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate, entered := make(chan struct{}), make(chan struct{})
	r.deleteGate, r.deleteEntered = gate, entered
	var once sync.Once
	return entered, func() { once.Do(func() { close(gate) }) }
}

func (r *recordingRooms) CreateRoom(ctx context.Context, spec domain.RoomSpec) (domain.RoomGrant, error) {
	r.mu.Lock()
	gate, entered := r.gates[spec.ParticipantID], r.entered[spec.ParticipantID]
	createErr := r.createErr
	r.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	if createErr != nil {
		return domain.RoomGrant{}, createErr
	}
	g, err := r.next.CreateRoom(ctx, spec)
	if err == nil {
		r.mu.Lock()
		r.created = append(r.created, g)
		r.mu.Unlock()
	}
	return g, err
}

func (r *recordingRooms) DeleteRoom(ctx context.Context, name string) error {
	r.mu.Lock()
	r.deleted = append(r.deleted, name)
	deleteErr := r.deleteErr
	gate, entered := r.deleteGate, r.deleteEntered
	r.deleteEntered = nil
	r.mu.Unlock()
	if gate != nil {
		if entered != nil {
			close(entered)
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if deleteErr != nil {
		return deleteErr
	}
	return r.next.DeleteRoom(ctx, name)
}

func (r *recordingRooms) SetCommunicationMode(ctx context.Context, q domain.QueryID, m domain.CommunicationMode) error {
	r.mu.Lock()
	r.modes = append(r.modes, m)
	r.mu.Unlock()
	return r.next.SetCommunicationMode(ctx, q, m)
}

func (r *recordingRooms) Created() []domain.RoomGrant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RoomGrant(nil), r.created...)
}

func (r *recordingRooms) Deleted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

func (r *recordingRooms) Modes() []domain.CommunicationMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CommunicationMode(nil), r.modes...)
}

// recordingGateway keeps published push events.
type recordingGateway struct {
	mu     sync.Mutex
	events []domain.PushEvent
}

func (g *recordingGateway) Publish(_ context.Context, ev domain.PushEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, ev)
	return nil
}

func (g *recordingGateway) Events() []domain.PushEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.PushEvent(nil), g.events...)
}

// backendFixture is an in-process rendezvous backend.
type backendFixture struct {
	repo    *memory.Repository
	gateway *recordingGateway
	svc     *service.RendezvousService
}

func newBackendFixture() *backendFixture {
	repo := memory.NewRepository()
	gw := &recordingGateway{}
	return &backendFixture{
		repo:    repo,
		gateway: gw,
		svc:     service.NewRendezvousService(repo, gw, nil, service.RendezvousConfig{PublicBaseURL: "https://rooms.test/"}),
	}
}

type coordFixture struct {
	c        *service.SessionCoordinator
	backend  *backendFixture
	rooms    *recordingRooms
	engines  *callmem.Factory
	media    *mediamem.Surface
	deferred *service.Deferred
	metrics  *metrics.Collector
}

func newCoordFixture(t *testing.T, opts callmem.Options) *coordFixture {
	t.Helper()
	f := &coordFixture{
		backend:  newBackendFixture(),
		engines:  callmem.NewFactory(opts),
		media:    mediamem.NewSurface(),
		deferred: service.NewDeferred(),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.rooms = newRecordingRooms(f.backend.svc)
	f.c = service.NewSessionCoordinator(service.CoordinatorDeps{
		Rooms:    f.rooms,
		Engines:  f.engines,
		Media:    f.media,
		Deferred: f.deferred,
		Metrics:  f.metrics,
	}, service.CoordinatorConfig{ActivityInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go f.c.Run(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = f.c.Shutdown(sctx)
		cancel()
		f.deferred.Close()
	})
	return f
}

func (f *coordFixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.deferred.Flush(ctx))
}

func (f *coordFixture) awaitState(t *testing.T, want domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return f.c.State() == want }, waitFor, tick,
		"state is %s, want %s", f.c.State(), want)
}

// startActive starts a VIDEO call with peer 9 bound to query 42 and waits for Active.
func (f *coordFixture) startActive(t *testing.T) *domain.CallSession {
	t.Helper()
	s, err := f.c.Start(context.Background(), service.StartRequest{PeerID: 9, Mode: domain.ModeVideo, QueryID: 42})
	require.NoError(t, err)
	f.awaitState(t, domain.StateActive)
	return s
}
