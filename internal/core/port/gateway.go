package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// RealTimeGateway fans advisory events out to connected clients.
type RealTimeGateway interface {
	Publish(ctx context.Context, event domain.PushEvent) error
}
