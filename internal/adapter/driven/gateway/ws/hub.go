package ws

import (
	"context"
	"errors"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

var ErrHubStopped = errors.New("ws: hub stopped")

// Hub fans push events out to connected clients. It implements port.RealTimeGateway.
// All client bookkeeping happens on the Run goroutine.
type Hub struct {
	clients    map[Client]bool
	broadcast  chan domain.PushEvent
	register   chan Client
	unregister chan Client
	count      chan chan int
	quit       chan struct{}
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[Client]bool),
		broadcast:  make(chan domain.PushEvent, 64),
		register:   make(chan Client),
		unregister: make(chan Client),
		count:      make(chan chan int),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Publish queues ev for delivery. Delivery is best effort: a full queue drops the event,
// receivers fall back to polling anyway.
func (h *Hub) Publish(ctx context.Context, ev domain.PushEvent) error {
	select {
	case <-h.quit:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("Broadcast channel full, dropping push event")
		return nil
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			log.Info().Str("client_id", client.ID()).Msg("Client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				log.Info().Str("client_id", client.ID()).Msg("Client unregistered")
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case ev := <-h.broadcast:
			for client := range h.clients {
				if !client.Wants(ev.QueryID) {
					continue
				}
				if err := client.Send(ev); err != nil {
					log.Error().Err(err).Str("client_id", client.ID()).Msg("Error sending push event")
					client.Close()
					delete(h.clients, client)
				}
			}
		}
	}
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Clients returns how many clients are registered.
func (h *Hub) Clients() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.quit:
		return 0
	}
}

// Stop closes every client and waits for Run to return.
func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.done
}
