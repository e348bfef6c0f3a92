package http

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict origins once the web client has a fixed host
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is one push subscriber. With no queries it receives every event.
type WSClient struct {
	id      string
	conn    *websocket.Conn
	queries map[domain.QueryID]bool

	mu sync.Mutex
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) Wants(queryID domain.QueryID) bool {
	return len(c.queries) == 0 || c.queries[queryID]
}

func (c *WSClient) Send(ev domain.PushEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

// ServeWS upgrades the connection and keeps the client registered until it goes away.
// Clients pick conversations with repeated ?queryId= parameters.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	queries := make(map[domain.QueryID]bool)
	for _, raw := range r.URL.Query()["queryId"] {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid queryId", http.StatusBadRequest)
			return
		}
		queries[domain.QueryID(n)] = true
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := &WSClient{
		id:      uuid.NewString(),
		conn:    conn,
		queries: queries,
	}

	l := log.With().Str("client_id", client.id).Int("queries", len(queries)).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		conn.Close()
	}()

	// events only flow server to client; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
	}
}
