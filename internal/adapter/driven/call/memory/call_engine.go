// Package memory provides an in-process engine that behaves like the real SDK at the
// event level: it joins, leaves, reports participants and emits the same events.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
)

var (
	ErrDestroyed     = errors.New("engine: instance destroyed")
	ErrAlreadyJoined = errors.New("engine: already joined")
	ErrNotJoined     = errors.New("engine: not joined")
)

type Options struct {
	// ManualJoin keeps Join from reporting joined-meeting; call EmitJoined instead.
	ManualJoin bool
	// JoinDelay postpones joined-meeting.
	JoinDelay time.Duration
	// CaptureNeedsPriming makes StartScreenShare fail with domain.ErrCaptureNotReady
	// until StartCamera ran.
	CaptureNeedsPriming bool
	// Remote participants present in the room when joining.
	Remote []domain.Participant

	JoinErr        error
	SetAudioErr    error
	SetVideoErr    error
	ScreenShareErr error
	StartCameraErr error
}

// CallEngine implements port.Engine.
type CallEngine struct {
	cfg  domain.EngineConfig
	opts Options

	mu           sync.Mutex
	handlers     map[domain.EngineEventType][]func(domain.EngineEvent)
	participants map[string]domain.Participant
	localID      string
	joined       bool
	destroyed    bool
	audio        bool
	video        bool
	primed       bool
	sharing      bool

	joins, leaves, destroys, rejoins int
}

func NewCallEngine(cfg domain.EngineConfig, opts Options) *CallEngine {
	return &CallEngine{
		cfg:          cfg,
		opts:         opts,
		handlers:     make(map[domain.EngineEventType][]func(domain.EngineEvent)),
		participants: make(map[string]domain.Participant),
		localID:      uuid.NewString(),
		audio:        cfg.Audio,
		video:        cfg.Video,
	}
}

func (e *CallEngine) Config() domain.EngineConfig { return e.cfg }

func (e *CallEngine) On(event domain.EngineEventType, handler func(domain.EngineEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

func (e *CallEngine) Join(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	if e.joined {
		e.rejoins++
		e.mu.Unlock()
		return ErrAlreadyJoined
	}
	if e.opts.JoinErr != nil {
		e.mu.Unlock()
		return e.opts.JoinErr
	}
	e.joined = true
	e.joins++
	e.participants[e.localID] = domain.Participant{ID: e.localID, Local: true, Audio: e.audio, Video: e.video}
	for _, p := range e.opts.Remote {
		e.participants[p.ID] = p
	}
	e.mu.Unlock()

	switch {
	case e.opts.ManualJoin:
	case e.opts.JoinDelay > 0:
		time.AfterFunc(e.opts.JoinDelay, e.EmitJoined)
	default:
		e.EmitJoined()
	}
	return nil
}

func (e *CallEngine) Leave(ctx context.Context) error {
	e.mu.Lock()
	if !e.joined {
		e.mu.Unlock()
		return ErrNotJoined
	}
	e.joined = false
	e.leaves++
	e.sharing = false
	e.participants = make(map[string]domain.Participant)
	e.mu.Unlock()

	e.Emit(domain.EngineEvent{Type: domain.EventLeftMeeting})
	return nil
}

// Destroy drops the instance and its handlers. Repeating it is a no-op.
func (e *CallEngine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	e.destroyed = true
	e.destroys++
	e.joined = false
	e.handlers = make(map[domain.EngineEventType][]func(domain.EngineEvent))
	return nil
}

func (e *CallEngine) SetLocalAudio(ctx context.Context, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrDestroyed
	}
	if e.opts.SetAudioErr != nil {
		return e.opts.SetAudioErr
	}
	e.audio = on
	e.updateLocalLocked()
	return nil
}

func (e *CallEngine) SetLocalVideo(ctx context.Context, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrDestroyed
	}
	if e.opts.SetVideoErr != nil {
		return e.opts.SetVideoErr
	}
	e.video = on
	e.updateLocalLocked()
	return nil
}

func (e *CallEngine) LocalAudio() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audio
}

func (e *CallEngine) LocalVideo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.video
}

func (e *CallEngine) StartCamera(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opts.StartCameraErr != nil {
		return e.opts.StartCameraErr
	}
	e.primed = true
	return nil
}

func (e *CallEngine) StartScreenShare(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.joined {
		return ErrNotJoined
	}
	if e.opts.CaptureNeedsPriming && !e.primed {
		return domain.ErrCaptureNotReady
	}
	if e.opts.ScreenShareErr != nil {
		return e.opts.ScreenShareErr
	}
	e.sharing = true
	return nil
}

func (e *CallEngine) StopScreenShare(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sharing = false
	return nil
}

func (e *CallEngine) Participants() []domain.Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Participant, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EmitJoined reports joined-meeting, as the SDK does once media is flowing.
func (e *CallEngine) EmitJoined() {
	e.Emit(domain.EngineEvent{Type: domain.EventJoinedMeeting})
}

// EmitError reports a fatal engine error.
func (e *CallEngine) EmitError(err error) {
	e.Emit(domain.EngineEvent{Type: domain.EventError, Err: err})
}

// Emit calls the handlers registered for ev.Type outside the engine lock.
func (e *CallEngine) Emit(ev domain.EngineEvent) {
	e.mu.Lock()
	hs := append([]func(domain.EngineEvent){}, e.handlers[ev.Type]...)
	e.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// AddParticipant puts a remote participant in the room.
func (e *CallEngine) AddParticipant(p domain.Participant) {
	e.mu.Lock()
	e.participants[p.ID] = p
	e.mu.Unlock()
	e.Emit(domain.EngineEvent{Type: domain.EventParticipantJoined, Participant: &p})
}

func (e *CallEngine) RemoveParticipant(id string) {
	e.mu.Lock()
	p, ok := e.participants[id]
	delete(e.participants, id)
	e.mu.Unlock()
	if ok {
		e.Emit(domain.EngineEvent{Type: domain.EventParticipantLeft, Participant: &p})
	}
}

// SetAudioLevel sets a participant's instantaneous audio level.
func (e *CallEngine) SetAudioLevel(id string, level float64) {
	e.mu.Lock()
	p, ok := e.participants[id]
	if ok {
		p.AudioLevel = level
		e.participants[id] = p
	}
	e.mu.Unlock()
	if ok {
		e.Emit(domain.EngineEvent{Type: domain.EventParticipantUpdated, Participant: &p})
	}
}

// LocalID is the participant id of this client.
func (e *CallEngine) LocalID() string { return e.localID }

// DropCapture simulates the OS revoking the microphone or camera.
func (e *CallEngine) DropCapture(audio, video bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if audio {
		e.audio = false
	}
	if video {
		e.video = false
	}
	e.updateLocalLocked()
}

func (e *CallEngine) updateLocalLocked() {
	if p, ok := e.participants[e.localID]; ok {
		p.Audio, p.Video = e.audio, e.video
		e.participants[e.localID] = p
	}
}

// Stats is what happened to an instance over its life.
type Stats struct {
	Joins, Leaves, Destroys int
	// Rejoins counts Join calls made while already joined.
	Rejoins   int
	Joined    bool
	Destroyed bool
	Sharing   bool
}

func (e *CallEngine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Joins: e.joins, Leaves: e.leaves, Destroys: e.destroys, Rejoins: e.rejoins,
		Joined: e.joined, Destroyed: e.destroyed, Sharing: e.sharing,
	}
}

// Factory builds CallEngines and remembers each one. It implements port.EngineFactory.
type Factory struct {
	mu      sync.Mutex
	opts    Options
	newErr  error
	engines []*CallEngine
}

func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

// FailNext makes the next NewEngine call return err.
func (f *Factory) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newErr = err
}

func (f *Factory) NewEngine(cfg domain.EngineConfig) (port.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.newErr; err != nil {
		f.newErr = nil
		return nil, err
	}
	e := NewCallEngine(cfg, f.opts)
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *Factory) Engines() []*CallEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*CallEngine(nil), f.engines...)
}

// Last returns the most recently built engine, or nil.
func (f *Factory) Last() *CallEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

// Live returns the engines not destroyed yet.
func (f *Factory) Live() []*CallEngine {
	var out []*CallEngine
	for _, e := range f.Engines() {
		if !e.Stats().Destroyed {
			out = append(out, e)
		}
	}
	return out
}
