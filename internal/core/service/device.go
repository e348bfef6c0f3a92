package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// engineSource hands out the engine currently owned by the coordinator.
type engineSource interface {
	currentEngine() (port.Engine, domain.CallState)
}

// DeviceController serializes mute, camera and screen-share changes against the
// owned engine. Flags only change after the engine accepted the change.
type DeviceController struct {
	mu     sync.Mutex
	source engineSource
	store  *CallStore
	state  domain.DeviceState
	logger zerolog.Logger
}

func newDeviceController(source engineSource, store *CallStore) *DeviceController {
	return &DeviceController{
		source: source,
		store:  store,
		logger: log.With().Str("component", "devices").Logger(),
	}
}

func (d *DeviceController) State() domain.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ToggleMute flips the microphone based on what the engine is capturing right now.
func (d *DeviceController) ToggleMute(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	engine, _ := d.source.currentEngine()
	if engine == nil {
		return d.state.Muted, domain.ErrNotActive
	}
	on := engine.LocalAudio()
	if err := engine.SetLocalAudio(ctx, !on); err != nil {
		return d.state.Muted, domain.NewEngineError("set_local_audio", err)
	}
	d.state.Muted = on
	d.publishLocked()
	d.logger.Debug().Bool("muted", d.state.Muted).Msg("Microphone toggled")
	return d.state.Muted, nil
}

// ToggleVideo flips the camera based on what the engine is capturing right now.
func (d *DeviceController) ToggleVideo(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	engine, _ := d.source.currentEngine()
	if engine == nil {
		return d.state.VideoOff, domain.ErrNotActive
	}
	on := engine.LocalVideo()
	if err := engine.SetLocalVideo(ctx, !on); err != nil {
		return d.state.VideoOff, domain.NewEngineError("set_local_video", err)
	}
	d.state.VideoOff = on
	d.publishLocked()
	d.logger.Debug().Bool("video_off", d.state.VideoOff).Msg("Camera toggled")
	return d.state.VideoOff, nil
}

// ToggleScreenShare starts or stops sharing. Only allowed while the call is active.
func (d *DeviceController) ToggleScreenShare(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	engine, state := d.source.currentEngine()
	if engine == nil || state != domain.StateActive {
		return false, domain.ErrNotActive
	}
	if d.state.ScreenSharing {
		return false, d.stopLocked(ctx, engine)
	}

	err := engine.StartScreenShare(ctx)
	if errors.Is(err, domain.ErrCaptureNotReady) {
		d.logger.Debug().Msg("Capture not primed, starting camera before retrying screen share")
		if perr := engine.StartCamera(ctx); perr != nil {
			err = perr
		} else {
			err = engine.StartScreenShare(ctx)
		}
	}
	if err != nil {
		d.state.ScreenSharing = false
		d.publishLocked()
		return false, domain.NewEngineError("start_screen_share", err)
	}
	d.state.ScreenSharing = true
	d.publishLocked()
	return true, nil
}

// StopScreenShare always asks the engine to stop, whatever the local flag says.
func (d *DeviceController) StopScreenShare(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	engine, _ := d.source.currentEngine()
	return d.stopLocked(ctx, engine)
}

func (d *DeviceController) stopLocked(ctx context.Context, engine port.Engine) error {
	d.state.ScreenSharing = false
	d.publishLocked()
	if engine == nil {
		return nil
	}
	if err := engine.StopScreenShare(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Stopping screen share failed")
		return domain.NewEngineError("stop_screen_share", err)
	}
	return nil
}

// Reset restores default flags.
func (d *DeviceController) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = domain.DeviceState{}
	d.publishLocked()
}

func (d *DeviceController) publishLocked() {
	if d.store == nil {
		return
	}
	st := d.state
	d.store.Update(func(s *Snapshot) { s.Devices = st })
}

// ActivitySampler polls participant audio levels while a session is active and
// publishes who is speaking. The result is never used for decisions.
type ActivitySampler struct {
	interval  time.Duration
	threshold float64
	store     *CallStore

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewActivitySampler(interval time.Duration, threshold float64, store *CallStore) *ActivitySampler {
	return &ActivitySampler{interval: interval, threshold: threshold, store: store}
}

// Start begins sampling engine. A running sampler is stopped first.
func (s *ActivitySampler) Start(engine port.Engine) {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, engine, s.done)
}

// Stop halts sampling and discards the speaking indicators.
func (s *ActivitySampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if s.store != nil {
		s.store.Update(func(snap *Snapshot) { snap.Speaking = nil })
	}
}

// Sample reads levels once and derives the speaking map.
func (s *ActivitySampler) Sample(engine port.Engine) map[string]bool {
	speaking := make(map[string]bool)
	for _, p := range engine.Participants() {
		speaking[p.ID] = p.AudioLevel >= s.threshold
	}
	return speaking
}

func (s *ActivitySampler) loop(ctx context.Context, engine port.Engine, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			speaking := s.Sample(engine)
			if s.store != nil {
				s.store.Update(func(snap *Snapshot) { snap.Speaking = speaking })
			}
		}
	}
}
