package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Engine is one instance of the real-time communication SDK bound to a room.
type Engine interface {
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	// Destroy releases the instance. Calling it twice is allowed.
	Destroy() error

	SetLocalAudio(ctx context.Context, on bool) error
	SetLocalVideo(ctx context.Context, on bool) error
	// LocalAudio and LocalVideo report what the engine is actually capturing.
	LocalAudio() bool
	LocalVideo() bool

	// StartCamera primes the camera/mic pipeline.
	StartCamera(ctx context.Context) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error

	Participants() []domain.Participant

	// On registers a handler. Handlers may be invoked from any goroutine.
	On(event domain.EngineEventType, handler func(domain.EngineEvent))
}

// EngineFactory constructs engine instances.
type EngineFactory interface {
	NewEngine(cfg domain.EngineConfig) (Engine, error)
}

// EngineFactoryFunc adapts a function to EngineFactory.
type EngineFactoryFunc func(cfg domain.EngineConfig) (Engine, error)

func (f EngineFactoryFunc) NewEngine(cfg domain.EngineConfig) (Engine, error) {
	return f(cfg)
}
