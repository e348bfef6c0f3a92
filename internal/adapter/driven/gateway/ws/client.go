package ws

import "github.com/Wyydra/yacall/internal/core/domain"

type Client interface {
	ID() string
	// Wants reports whether the client follows the given conversation.
	Wants(queryID domain.QueryID) bool
	Send(ev domain.PushEvent) error
	Close() error
}
