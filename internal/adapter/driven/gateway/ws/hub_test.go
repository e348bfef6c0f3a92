package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id      string
	queries map[domain.QueryID]bool
	sendErr error

	mu     sync.Mutex
	got    []domain.PushEvent
	closed bool
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Wants(q domain.QueryID) bool {
	return len(c.queries) == 0 || c.queries[q]
}

func (c *fakeClient) Send(ev domain.PushEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.got = append(c.got, ev)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) events() []domain.PushEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.PushEvent(nil), c.got...)
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func TestHubFiltersByQuery(t *testing.T) {
	h := startHub(t)
	all := &fakeClient{id: "all"}
	only42 := &fakeClient{id: "42", queries: map[domain.QueryID]bool{42: true}}
	h.Register(all)
	h.Register(only42)
	require.Equal(t, 2, h.Clients())

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, domain.PushEvent{Type: domain.PushCallRequested, QueryID: 7}))
	require.NoError(t, h.Publish(ctx, domain.PushEvent{Type: domain.PushCallRequested, QueryID: 42}))

	assert.Eventually(t, func() bool { return len(all.events()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(only42.events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.QueryID(42), only42.events()[0].QueryID)
}

func TestHubDropsFailingClient(t *testing.T) {
	h := startHub(t)
	bad := &fakeClient{id: "bad", sendErr: errors.New("broken pipe")}
	h.Register(bad)

	require.NoError(t, h.Publish(context.Background(), domain.PushEvent{QueryID: 1}))
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, bad.isClosed())
}

func TestHubUnregisterCloses(t *testing.T) {
	h := startHub(t)
	c := &fakeClient{id: "c"}
	h.Register(c)
	h.Unregister(c)
	assert.Equal(t, 0, h.Clients())
	assert.True(t, c.isClosed())
}

func TestHubStopClosesClientsAndRejectsPublish(t *testing.T) {
	h := NewHub()
	go h.Run()
	c := &fakeClient{id: "c"}
	h.Register(c)

	h.Stop()
	assert.True(t, c.isClosed())
	assert.ErrorIs(t, h.Publish(context.Background(), domain.PushEvent{}), ErrHubStopped)
	assert.Equal(t, 0, h.Clients())
	h.Stop()
}
