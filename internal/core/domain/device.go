package domain

// DeviceState is the requested local capture state. The engine stays authoritative.
type DeviceState struct {
	Muted         bool `json:"muted"`
	VideoOff      bool `json:"videoOff"`
	ScreenSharing bool `json:"screenSharing"`
}

// Participant as reported by the engine.
type Participant struct {
	ID         string
	UserName   string
	Local      bool
	Audio      bool
	Video      bool
	AudioLevel float64
}

// EngineConfig is what an engine instance is constructed with.
type EngineConfig struct {
	URL   string
	Token string
	Audio bool
	Video bool
}

type EngineEventType string

const (
	EventJoinedMeeting      EngineEventType = "joined-meeting"
	EventLeftMeeting        EngineEventType = "left-meeting"
	EventError              EngineEventType = "error"
	EventParticipantJoined  EngineEventType = "participant-joined"
	EventParticipantLeft    EngineEventType = "participant-left"
	EventParticipantUpdated EngineEventType = "participant-updated"
)

// EngineEventTypes lists every event a coordinator subscribes to.
var EngineEventTypes = []EngineEventType{
	EventJoinedMeeting,
	EventLeftMeeting,
	EventError,
	EventParticipantJoined,
	EventParticipantLeft,
	EventParticipantUpdated,
}

type EngineEvent struct {
	Type        EngineEventType
	Participant *Participant
	Err         error
}
