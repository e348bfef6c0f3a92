package ws

import (
	"context"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minRedial = 500 * time.Millisecond
	maxRedial = 30 * time.Second
)

// Subscriber is the client end of the push channel. It implements port.PushChannel and
// keeps redialing until its context ends.
type Subscriber struct {
	url       string
	dialer    *websocket.Dialer
	events    chan domain.PushEvent
	connected atomic.Bool
	logger    zerolog.Logger
}

// NewSubscriber targets wsURL, limited to the given conversations (all when empty).
func NewSubscriber(wsURL string, queries ...domain.QueryID) (*Subscriber, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	if len(queries) > 0 {
		q := u.Query()
		for _, id := range queries {
			q.Add("queryId", strconv.FormatInt(int64(id), 10))
		}
		u.RawQuery = q.Encode()
	}
	return &Subscriber{
		url:    u.String(),
		dialer: websocket.DefaultDialer,
		events: make(chan domain.PushEvent, 32),
		logger: log.With().Str("component", "push").Logger(),
	}, nil
}

func (s *Subscriber) Events() <-chan domain.PushEvent {
	return s.events
}

func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Run dials, reads events and redials with backoff until ctx is done. The events
// channel is closed on return.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.events)
	wait := minRedial
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Push channel down")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if wait *= 2; wait > maxRedial {
			wait = maxRedial
		}
	}
}

func (s *Subscriber) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.connected.Store(true)
	s.logger.Info().Str("url", s.url).Msg("Push channel connected")
	defer func() {
		s.connected.Store(false)
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev domain.PushEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case s.events <- ev:
		default:
			// hints only; a dropped one is covered by the next refresh
			s.logger.Debug().Str("type", string(ev.Type)).Msg("Push buffer full, dropping hint")
		}
	}
}
