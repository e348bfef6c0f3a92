package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/backend/rest"
	callmem "github.com/Wyydra/yacall/internal/adapter/driven/call/memory"
	mediamem "github.com/Wyydra/yacall/internal/adapter/driven/media/memory"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// app is the client side wiring shared by every command.
type app struct {
	cfg         *config.Config
	backend     *rest.Client
	engines     *callmem.Factory
	media       *mediamem.Surface
	deferred    *service.Deferred
	coordinator *service.SessionCoordinator
	broker      *service.CallRequestBroker
	modal       *service.ModalHost
}

func newApp(cmd *cobra.Command, opts *rootOpts) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.backendURL != "" {
		cfg.Backend.URL = opts.backendURL
	}
	if opts.userID != 0 {
		cfg.UserID = opts.userID
	}
	log.Logger = cfg.Log.Logger(cmd.ErrOrStderr())

	a := &app{
		cfg:      cfg,
		backend:  rest.New(cfg.Backend.URL, cfg.Backend.Timeout),
		engines:  callmem.NewFactory(callmem.Options{CaptureNeedsPriming: true}),
		media:    mediamem.NewSurface(),
		deferred: service.NewDeferred(),
	}
	a.coordinator = service.NewSessionCoordinator(service.CoordinatorDeps{
		Rooms:    a.backend,
		Engines:  a.engines,
		Media:    a.media,
		Deferred: a.deferred,
	}, service.CoordinatorConfig{
		RoomTTL:           cfg.Session.RoomTTL,
		ActivityInterval:  cfg.Session.ActivityInterval,
		SpeakingThreshold: cfg.Session.SpeakingThreshold,
	})
	a.modal = service.NewModalHost(a.coordinator, a.deferred, nil, service.ModalConfig{
		WindowWidth: cfg.Modal.WindowWidth,
		Gutter:      cfg.Modal.Gutter,
		MaxWindows:  cfg.Modal.MaxWindows,
	}, cfg.Modal.ViewportWidth)
	return a, nil
}

// withBroker adds the request broker. push may be nil, leaving polling as the only refresh.
func (a *app) withBroker(push port.PushChannel) *app {
	a.broker = service.NewCallRequestBroker(a.backend, a.coordinator, push, nil, service.BrokerConfig{
		UserID:       domain.UserID(a.cfg.UserID),
		PollInterval: a.cfg.Push.PollInterval,
	})
	return a
}

// present mounts the session in a window, as a host UI would.
func (a *app) present(session *domain.CallSession, title string) string {
	a.media.Embed(session.ID)
	a.media.Attach(session.ID, "local-audio")
	if session.Mode == domain.ModeVideo {
		a.media.Attach(session.ID, "local-video")
	}
	windowID := "call-" + session.ID.String()
	a.modal.Open(windowID, session, domain.WindowMeta{Title: title, BoundSessionID: session.ID})
	return windowID
}

// waitFor blocks until the call reaches want or timeout passes.
func (a *app) waitFor(ctx context.Context, want domain.CallState, timeout time.Duration) error {
	updates, cancel := a.coordinator.Store().Subscribe()
	defer cancel()
	if a.coordinator.State() == want {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return fmt.Errorf("call store closed")
			}
			if snap.State == want {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("call did not reach %s within %s (now %s)", want, timeout, a.coordinator.State())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.coordinator.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown did not finish cleanly")
	}
	a.deferred.Close()
}
