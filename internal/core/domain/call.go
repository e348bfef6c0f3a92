package domain

import (
	"fmt"
	"strings"
)

// Mode is the media mode of a call.
type Mode string

const (
	ModeAudio Mode = "AUDIO"
	ModeVideo Mode = "VIDEO"
)

func (m Mode) Valid() bool {
	return m == ModeAudio || m == ModeVideo
}

// ParseMode accepts the wire spelling in any case ("video", "VIDEO").
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeAudio:
		return ModeAudio, nil
	case ModeVideo:
		return ModeVideo, nil
	}
	return "", NewValidationError("INVALID_MODE", fmt.Sprintf("unknown call mode %q", s))
}

// CommunicationMode is the active mode of a conversation on the backend.
type CommunicationMode string

const (
	CommunicationText  CommunicationMode = "text"
	CommunicationAudio CommunicationMode = "audio"
	CommunicationVideo CommunicationMode = "video"
)

// CommunicationModeFor maps a call mode to the conversation mode the backend tracks.
func CommunicationModeFor(m Mode) CommunicationMode {
	if m == ModeVideo {
		return CommunicationVideo
	}
	return CommunicationAudio
}

// Role is the side of a room a client joins as.
type Role string

const (
	RoleInitiator Role = "initiator"
	RolePeer      Role = "peer"
)

type RoleCredentials struct {
	RoomURL string `json:"roomUrl"`
	Token   string `json:"token"`
}

func (c RoleCredentials) Valid() bool {
	return c.RoomURL != "" && c.Token != ""
}

type RoleSet struct {
	Initiator RoleCredentials `json:"initiator"`
	Peer      RoleCredentials `json:"peer"`
}

// For returns the credentials of the given role.
func (r RoleSet) For(role Role) RoleCredentials {
	if role == RolePeer {
		return r.Peer
	}
	return r.Initiator
}

// RoomGrant is what the backend hands out when a room is allocated.
type RoomGrant struct {
	RoomName string  `json:"roomName"`
	Roles    RoleSet `json:"roles"`
}

// RoomSpec is the allocation request sent to the backend.
type RoomSpec struct {
	ParticipantID  UserID `json:"participantId"`
	Mode           Mode   `json:"mode"`
	ExpiryMinutes  int    `json:"expiryMinutes"`
	CustomRoomName string `json:"customRoomName,omitempty"`
}
