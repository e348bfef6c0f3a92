package service_test

import (
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallStoreStartsIdle(t *testing.T) {
	s := service.NewCallStore()
	snap := s.Snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	assert.Nil(t, snap.Session)
	assert.Zero(t, snap.Version)
}

func TestCallStoreSlowSubscriberGetsLatest(t *testing.T) {
	s := service.NewCallStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Update(func(snap *service.Snapshot) { snap.State = domain.StateConnecting })
	s.Update(func(snap *service.Snapshot) { snap.State = domain.StateActive })
	s.Update(func(snap *service.Snapshot) { snap.Notice = "hello" })

	got := <-ch
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, "hello", got.Notice)
	assert.Equal(t, uint64(3), got.Version)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra snapshot %+v", extra)
	default:
	}
}

func TestCallStoreSnapshotsAreCopies(t *testing.T) {
	s := service.NewCallStore()
	s.Update(func(snap *service.Snapshot) {
		snap.Session = &domain.CallSession{RoomName: "a"}
		snap.Speaking = map[string]bool{"p1": true}
	})

	snap := s.Snapshot()
	snap.Session.RoomName = "changed"
	snap.Speaking["p1"] = false

	again := s.Snapshot()
	assert.Equal(t, "a", again.Session.RoomName)
	assert.True(t, again.Speaking["p1"])
}

func TestCallStoreCancelClosesChannel(t *testing.T) {
	s := service.NewCallStore()
	ch, cancel := s.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)
	s.Update(func(snap *service.Snapshot) { snap.Notice = "no panic" })
}
