package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	callmem "github.com/Wyydra/yacall/internal/adapter/driven/call/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartReachesActive(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})

	s := f.startActive(t)

	require.Len(t, f.engines.Engines(), 1)
	e := f.engines.Last()
	cfg := e.Config()
	assert.Equal(t, s.RoomURL, cfg.URL)
	assert.Equal(t, s.Credentials.Initiator.Token, cfg.Token)
	assert.True(t, cfg.Audio)
	assert.True(t, cfg.Video)

	live := f.c.Session()
	require.NotNil(t, live)
	assert.Equal(t, domain.SessionStarted, live.Status)
	assert.Equal(t, domain.UserID(9), live.PeerID)
	assert.Equal(t, 1, live.ParticipantCount)

	snap := f.c.Store().Snapshot()
	assert.Equal(t, domain.StateActive, snap.State)
	assert.Equal(t, s.ID, snap.Session.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsStarted()))
}

func TestAudioStartDoesNotAskForVideo(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	_, err := f.c.Start(context.Background(), service.StartRequest{PeerID: 9, Mode: domain.ModeAudio})
	require.NoError(t, err)
	f.awaitState(t, domain.StateActive)
	assert.False(t, f.engines.Last().Config().Video)
}

func TestStartValidation(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	ctx := context.Background()

	_, err := f.c.Start(ctx, service.StartRequest{Mode: domain.ModeVideo})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = f.c.Start(ctx, service.StartRequest{PeerID: 9})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = f.c.Start(ctx, service.StartRequest{Mode: domain.ModeAudio, Room: &domain.RoomGrant{RoomName: "bare"}})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	assert.Equal(t, domain.StateIdle, f.c.State())
	assert.Empty(t, f.engines.Engines())
}

func TestStartWhileConnectingIsRejectedOnce(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{ManualJoin: true})
	ctx := context.Background()

	_, err := f.c.Start(ctx, service.StartRequest{PeerID: 9, Mode: domain.ModeVideo})
	require.NoError(t, err)
	require.Equal(t, domain.StateConnecting, f.c.State())
	before := f.c.Session()

	_, err = f.c.Start(ctx, service.StartRequest{PeerID: 11, Mode: domain.ModeAudio})
	require.ErrorIs(t, err, domain.ErrAlreadyInCall)

	assert.Equal(t, domain.StateConnecting, f.c.State())
	assert.Equal(t, before.ID, f.c.Session().ID)
	assert.Len(t, f.engines.Engines(), 1)
	assert.Len(t, f.rooms.Created(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StartConflicts()))
	assert.Equal(t, "already in a call", f.c.Store().Snapshot().Notice)
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	s := f.startActive(t)

	_, err := f.c.Start(context.Background(), service.StartRequest{PeerID: 11, Mode: domain.ModeVideo})
	require.ErrorIs(t, err, domain.ErrAlreadyInCall)

	assert.Equal(t, domain.StateActive, f.c.State())
	assert.Equal(t, s.ID, f.c.Session().ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StartConflicts()))
}

func TestEndTwiceMatchesEndOnce(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	s := f.startActive(t)
	e := f.engines.Last()

	// hold the queue so the optimistic Ending state is observable
	hold := make(chan struct{})
	f.deferred.Go("hold", func(context.Context) { <-hold })

	f.c.End(context.Background())
	assert.Equal(t, domain.StateEnding, f.c.State())
	f.c.End(context.Background())
	close(hold)
	f.flush(t)

	assert.Equal(t, domain.StateIdle, f.c.State())
	assert.Nil(t, f.c.Session())
	stats := e.Stats()
	assert.Equal(t, 1, stats.Joins)
	assert.Equal(t, 1, stats.Leaves)
	assert.Equal(t, 1, stats.Destroys)
	assert.Equal(t, 1, f.c.Reaper().Runs())
	assert.Equal(t, []string{s.RoomName}, f.rooms.Deleted())
	assert.Equal(t, []domain.CommunicationMode{domain.CommunicationText}, f.rooms.Modes())
}

func TestEndWithoutStart(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})

	assert.NotPanics(t, func() { f.c.End(context.Background()) })
	f.flush(t)

	assert.Equal(t, domain.StateIdle, f.c.State())
	assert.Equal(t, 1, f.c.Reaper().Runs())
	assert.Empty(t, f.rooms.Deleted())
	assert.Empty(t, f.engines.Engines())
}

func TestLatestStartWins(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	ctx := context.Background()

	entered, release := f.rooms.hold(7)
	defer release()
	first := make(chan error, 1)
	go func() {
		_, err := f.c.Start(ctx, service.StartRequest{PeerID: 7, Mode: domain.ModeVideo})
		first <- err
	}()
	<-entered

	second, err := f.c.Start(ctx, service.StartRequest{PeerID: 9, Mode: domain.ModeAudio})
	require.NoError(t, err)
	release()
	require.ErrorIs(t, <-first, domain.ErrSuperseded)

	f.awaitState(t, domain.StateActive)
	f.flush(t)

	live := f.c.Session()
	require.NotNil(t, live)
	assert.Equal(t, second.ID, live.ID)
	assert.Equal(t, domain.UserID(9), live.PeerID)
	assert.Equal(t, domain.ModeAudio, live.Mode)

	engines := f.engines.Live()
	require.Len(t, engines, 1, "no engine for peer 7 may survive")
	assert.Equal(t, second.RoomURL, engines[0].Config().URL)

	created := f.rooms.Created()
	require.Len(t, created, 2)
	var room7 string
	for _, g := range created {
		if g.RoomName != second.RoomName {
			room7 = g.RoomName
		}
	}
	assert.Contains(t, f.rooms.Deleted(), room7)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StaleAttempts()))
}

func TestLateJoinOfEndedAttemptChangesNothing(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{ManualJoin: true})

	_, err := f.c.Start(context.Background(), service.StartRequest{PeerID: 7, Mode: domain.ModeVideo})
	require.NoError(t, err)
	e := f.engines.Last()

	f.c.End(context.Background())
	e.EmitJoined()
	f.flush(t)

	f.awaitState(t, domain.StateIdle)
	assert.Nil(t, f.c.Session())
	assert.True(t, e.Stats().Destroyed)
	assert.Zero(t, testutil.ToFloat64(f.metrics.SessionsStarted()))
}

func TestEngineNeverJoinsTwice(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.startActive(t)
		_, _ = f.c.Start(ctx, service.StartRequest{PeerID: 9, Mode: domain.ModeVideo})
		f.c.End(ctx)
		f.c.End(ctx)
		f.flush(t)
		f.awaitState(t, domain.StateIdle)
	}

	require.Len(t, f.engines.Engines(), 3)
	for _, e := range f.engines.Engines() {
		stats := e.Stats()
		assert.Equal(t, 1, stats.Joins)
		assert.Zero(t, stats.Rejoins)
		assert.Equal(t, 1, stats.Leaves)
		assert.True(t, stats.Destroyed)
	}
}

func TestStartDuringEndingWaitsForCleanup(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	f.startActive(t)
	old := f.engines.Last()

	f.c.End(context.Background())
	s, err := f.c.Start(context.Background(), service.StartRequest{PeerID: 11, Mode: domain.ModeAudio})
	require.NoError(t, err)
	f.awaitState(t, domain.StateActive)

	assert.True(t, old.Stats().Destroyed)
	assert.Equal(t, s.ID, f.c.Session().ID)
}

func TestStartDuringEndingDoesNotWaitForRoomDeletion(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	entered, release := f.rooms.holdDeletes()
	t.Cleanup(release)
	first := f.startActive(t)
	muted, err := f.c.Devices().ToggleMute(context.Background())
	require.NoError(t, err)
	require.True(t, muted)

	f.c.End(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := f.c.Start(ctx, service.StartRequest{PeerID: 11, Mode: domain.ModeAudio})
	require.NoError(t, err)
	f.awaitState(t, domain.StateActive)
	assert.NotEqual(t, first.ID, s.ID)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("room deletion never started")
	}
	assert.False(t, f.c.Devices().State().Muted, "device flags are reset before the next call")

	release()
	f.flush(t)
	assert.Equal(t, []string{first.RoomName}, f.rooms.Deleted())
}

func TestEngineErrorTearsDown(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	f.startActive(t)
	e := f.engines.Last()

	e.EmitError(errors.New("ice failed"))

	f.awaitState(t, domain.StateIdle)
	f.flush(t)
	assert.True(t, e.Stats().Destroyed)
	assert.Contains(t, f.c.Store().Snapshot().Notice, "engine")
	assert.Equal(t, 1, f.c.Reaper().Runs())
}

func TestRemoteLeaveTearsDown(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	f.startActive(t)

	f.engines.Last().Emit(domain.EngineEvent{Type: domain.EventLeftMeeting})

	f.awaitState(t, domain.StateIdle)
	f.flush(t)
	assert.Equal(t, 1, f.c.Reaper().Runs())
}

func TestRoomAllocationFailure(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	f.rooms.createErr = errors.New("503 service unavailable")

	_, err := f.c.Start(context.Background(), service.StartRequest{PeerID: 9, Mode: domain.ModeVideo})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransientBackend))
	f.flush(t)
	assert.Equal(t, domain.StateIdle, f.c.State())
	assert.Empty(t, f.engines.Engines())
}

func TestEngineConstructionFailureReleasesRoom(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	f.engines.FailNext(errors.New("no webrtc"))

	_, err := f.c.Start(context.Background(), service.StartRequest{PeerID: 9, Mode: domain.ModeVideo})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindEngine))
	f.flush(t)

	assert.Equal(t, domain.StateIdle, f.c.State())
	require.Len(t, f.rooms.Created(), 1)
	assert.Equal(t, []string{f.rooms.Created()[0].RoomName}, f.rooms.Deleted())
}

func TestJoinFailureTearsDown(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{JoinErr: errors.New("token expired")})

	_, err := f.c.Start(context.Background(), service.StartRequest{PeerID: 9, Mode: domain.ModeVideo})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindEngine))

	f.flush(t)
	assert.Equal(t, domain.StateIdle, f.c.State())
	assert.True(t, f.engines.Last().Stats().Destroyed)
	assert.Equal(t, "call failed to connect", f.c.Store().Snapshot().Notice)
}

func TestSuppliedRoomIsDeletedOnEnd(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	ctx := context.Background()
	grant, err := f.backend.svc.CreateRoom(ctx, domain.RoomSpec{ParticipantID: 5, Mode: domain.ModeVideo})
	require.NoError(t, err)

	s, err := f.c.Start(ctx, service.StartRequest{PeerID: 5, Mode: domain.ModeVideo, QueryID: 42, Room: &grant, Role: domain.RolePeer})
	require.NoError(t, err)
	assert.Equal(t, grant.Roles.Peer.Token, s.Token())
	f.awaitState(t, domain.StateActive)

	f.c.End(ctx)
	f.flush(t)
	assert.Equal(t, []string{grant.RoomName}, f.rooms.Deleted())
	assert.Empty(t, f.backend.repo.Rooms())
	assert.Equal(t, []domain.CommunicationMode{domain.CommunicationText}, f.rooms.Modes())
}

func TestRoomDeletedByOtherSideIsTolerated(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	ctx := context.Background()
	grant, err := f.backend.svc.CreateRoom(ctx, domain.RoomSpec{ParticipantID: 5, Mode: domain.ModeAudio})
	require.NoError(t, err)

	_, err = f.c.Start(ctx, service.StartRequest{Mode: domain.ModeAudio, Room: &grant})
	require.NoError(t, err)
	f.awaitState(t, domain.StateActive)
	require.NoError(t, f.backend.svc.DeleteRoom(ctx, grant.RoomName))

	f.c.End(ctx)
	f.flush(t)
	assert.Equal(t, domain.StateIdle, f.c.State())
	assert.Equal(t, []string{grant.RoomName}, f.rooms.Deleted())
	assert.Zero(t, testutil.ToFloat64(f.metrics.BackendErrors("delete_room")))
}

func TestParticipantsArePublished(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	f.startActive(t)

	f.engines.Last().AddParticipant(domain.Participant{ID: "remote", UserName: "peer"})

	require.Eventually(t, func() bool {
		return len(f.c.Store().Snapshot().Participants) == 2
	}, waitFor, tick)
	assert.Equal(t, 2, f.c.Session().ParticipantCount)
}

func TestMediaIsReleasedOnEnd(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	s := f.startActive(t)
	f.media.Embed(s.ID)
	el := f.media.Attach(s.ID, "video")

	f.c.End(context.Background())
	f.flush(t)

	assert.Equal(t, 1, el.Stops())
	assert.False(t, f.media.Embedded(s.ID))
}

func TestEndSessionIgnoresOtherSessions(t *testing.T) {
	f := newCoordFixture(t, callmem.Options{})
	s := f.startActive(t)

	assert.False(t, f.c.EndSession(context.Background(), domain.NewSessionID(), "modal_close"))
	assert.True(t, f.c.IsLive(s.ID))

	assert.True(t, f.c.EndSession(context.Background(), s.ID, "modal_close"))
	assert.False(t, f.c.EndSession(context.Background(), s.ID, "modal_close"))
	f.flush(t)
	assert.Equal(t, domain.StateIdle, f.c.State())
	assert.Equal(t, 1, f.c.Reaper().Runs())
}
